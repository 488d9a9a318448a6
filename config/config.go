// Package config loads the persona settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TFMV/persona/auth"
	"github.com/TFMV/persona/pipeline"
	"github.com/TFMV/persona/segment"
	"github.com/TFMV/persona/source"
)

const (
	configPathEnv = "PERSONA_CONFIG"
	warehouseEnv  = "DB_URL"
	sourceDSNEnv  = "PERSONA_SOURCE_DSN"
	clustersEnv   = "PERSONA_CLUSTERS"
	seedEnv       = "PERSONA_SEED"
	storePathEnv  = "PERSONA_STORE_PATH"
	gcsBucketEnv  = "PERSONA_GCS_BUCKET"
	logLevelEnv   = "PERSONA_LOG_LEVEL"
)

// Source kinds.
const (
	SourceCSV = "csv"
	SourceIPC = "ipc"
	SourceSQL = "sql"
)

// Store kinds.
const (
	StoreFile   = "file"
	StoreBadger = "badger"
	StoreGCS    = "gcs"
	StoreMemory = "memory"
)

// Config holds every setting of the persona tools.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Source    SourceConfig    `yaml:"source"`
	Model     ModelConfig     `yaml:"model"`
	Store     StoreConfig     `yaml:"store"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Export    ExportConfig    `yaml:"export"`
	Server    ServerConfig    `yaml:"server"`
}

// LogConfig sets the zap level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SourceConfig describes where transactions are read from.
type SourceConfig struct {
	Kind    string         `yaml:"kind"`
	Path    string         `yaml:"path"`
	DSN     string         `yaml:"dsn"`
	Table   string         `yaml:"table"`
	Columns source.Columns `yaml:"columns"`
	Breaker BreakerConfig  `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker around the source.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failureThreshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ModelConfig holds the clustering parameters.
type ModelConfig struct {
	Clusters       int      `yaml:"clusters"`
	Seed           int64    `yaml:"seed"`
	NInit          int      `yaml:"nInit"`
	MaxIter        int      `yaml:"maxIter"`
	Tol            float64  `yaml:"tol"`
	StrictVariance bool     `yaml:"strictVariance"`
	Personas       []string `yaml:"personas"`
}

// StoreConfig selects the artifact backend.
type StoreConfig struct {
	Kind   string `yaml:"kind"`
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// WarehouseConfig points at the database reporting tools read. An empty DSN
// disables publishing.
type WarehouseConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// ExportConfig sets where CSV exports are written.
type ExportConfig struct {
	Dir string `yaml:"dir"`
}

// ServerConfig holds the listen addresses of serve and, optionally, the
// bearer tokens it accepts.
type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	MetricsAddr string        `yaml:"metricsAddr"`
	Tokens      []TokenConfig `yaml:"tokens"`
}

// TokenConfig grants roles to the holder of a token.
type TokenConfig struct {
	Token     string `yaml:"token"`
	auth.User `yaml:",inline"`
}

// Authenticator returns the token table, or nil when no tokens are set.
func (s ServerConfig) Authenticator() auth.Authenticator {
	if len(s.Tokens) == 0 {
		return nil
	}
	users := make(map[string]auth.User, len(s.Tokens))
	for _, t := range s.Tokens {
		users[t.Token] = t.User
	}
	return auth.NewTokens(users)
}

// Default returns the built-in settings.
func Default() Config {
	p := pipeline.DefaultConfig()
	return Config{
		Log: LogConfig{Level: "info"},
		Source: SourceConfig{
			Kind:    SourceCSV,
			Path:    "data/raw/online_retail_II.csv",
			Table:   "transactions",
			Columns: source.DefaultColumns,
		},
		Model: ModelConfig{
			Clusters: p.Clusters,
			Seed:     p.Seed,
			NInit:    p.NInit,
			MaxIter:  p.MaxIter,
			Tol:      p.Tol,
		},
		Store:     StoreConfig{Kind: StoreFile, Path: "models"},
		Warehouse: WarehouseConfig{Table: "customer_segments"},
		Export:    ExportConfig{Dir: "data/processed"},
		Server:    ServerConfig{Addr: "localhost:8815", MetricsAddr: ":9090"},
	}
}

// Load reads the YAML file at path over the defaults and applies the
// environment overrides. An empty path falls back to PERSONA_CONFIG; when
// that is unset too only defaults and environment apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(warehouseEnv); v != "" {
		c.Warehouse.DSN = v
	}
	if v := os.Getenv(sourceDSNEnv); v != "" {
		c.Source.Kind = SourceSQL
		c.Source.DSN = v
	}
	if v := os.Getenv(clustersEnv); v != "" {
		k, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", clustersEnv, err)
		}
		c.Model.Clusters = k
	}
	if v := os.Getenv(seedEnv); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", seedEnv, err)
		}
		c.Model.Seed = seed
	}
	if v := os.Getenv(storePathEnv); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv(gcsBucketEnv); v != "" {
		c.Store.Kind = StoreGCS
		c.Store.Bucket = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.Source.Kind {
	case SourceCSV, SourceIPC:
		if c.Source.Path == "" {
			return fmt.Errorf("source.path is required for %s sources", c.Source.Kind)
		}
	case SourceSQL:
		if c.Source.DSN == "" {
			return errors.New("source.dsn is required for sql sources")
		}
		if _, _, err := source.ParseDSN(c.Source.DSN); err != nil {
			return fmt.Errorf("source.dsn: %w", err)
		}
		if c.Source.Table == "" {
			return errors.New("source.table is required for sql sources")
		}
	default:
		return fmt.Errorf("unknown source kind %q", c.Source.Kind)
	}

	switch c.Store.Kind {
	case StoreFile:
		if c.Store.Path == "" {
			return errors.New("store.path is required for file stores")
		}
	case StoreGCS:
		if c.Store.Bucket == "" {
			return errors.New("store.bucket is required for gcs stores")
		}
	case StoreBadger, StoreMemory:
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}

	if c.Warehouse.DSN != "" {
		if _, _, err := source.ParseDSN(c.Warehouse.DSN); err != nil {
			return fmt.Errorf("warehouse.dsn: %w", err)
		}
	}

	for i, t := range c.Server.Tokens {
		if t.Token == "" || t.Username == "" {
			return fmt.Errorf("server.tokens[%d]: token and username are required", i)
		}
		for _, r := range t.Roles {
			if r != auth.RoleReader && r != auth.RoleWriter {
				return fmt.Errorf("server.tokens[%d]: unknown role %q", i, r)
			}
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}

	if _, err := c.Pipeline(); err != nil {
		return err
	}
	return nil
}

// Vocabulary returns the configured persona names, or the built-in ones.
func (c Config) Vocabulary() (segment.Vocabulary, error) {
	if len(c.Model.Personas) == 0 {
		return segment.DefaultVocabulary, nil
	}
	v, err := segment.ParseVocabulary(c.Model.Personas)
	if err != nil {
		return nil, fmt.Errorf("model.personas: %w", err)
	}
	return v, nil
}

// Pipeline converts the model settings to a pipeline configuration.
func (c Config) Pipeline() (pipeline.Config, error) {
	vocab, err := c.Vocabulary()
	if err != nil {
		return pipeline.Config{}, err
	}
	p := pipeline.Config{
		Clusters:       c.Model.Clusters,
		Seed:           c.Model.Seed,
		NInit:          c.Model.NInit,
		MaxIter:        c.Model.MaxIter,
		Tol:            c.Model.Tol,
		StrictVariance: c.Model.StrictVariance,
		Vocabulary:     vocab,
	}
	if err := p.Validate(); err != nil {
		return pipeline.Config{}, fmt.Errorf("model: %w", err)
	}
	return p, nil
}
