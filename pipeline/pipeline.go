// Package pipeline runs a segmentation end to end: read transactions,
// aggregate RFM, scale, cluster, label and persist the artifacts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/TFMV/persona/model"
	"github.com/TFMV/persona/rfm"
	"github.com/TFMV/persona/segment"
	"github.com/TFMV/persona/source"
	"github.com/TFMV/persona/storage"
)

// ---------------------------------------------------------------------
// Prometheus Metrics
// ---------------------------------------------------------------------

var (
	stageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "persona_pipeline_stage_seconds",
		Help:    "Duration of each segmentation pipeline stage",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"stage"})
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "persona_pipeline_runs_total",
		Help: "Pipeline runs by outcome",
	}, []string{"outcome"})
	rowsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "persona_transactions_dropped_total",
		Help: "Transactions excluded from aggregation by reason",
	}, []string{"reason"})
	customersSegmented = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "persona_customers_segmented",
		Help: "Customers in the last successfully persisted table",
	})
)

func init() {
	prometheus.MustRegister(stageLatency, runsTotal, rowsDropped, customersSegmented)
}

// Pipeline stages in execution order.
const (
	StageRead      = "read"
	StageAggregate = "aggregate"
	StageScale     = "scale"
	StageCluster   = "cluster"
	StageLabel     = "label"
	StagePersist   = "persist"
)

// Stages lists the stages in execution order.
var Stages = []string{StageRead, StageAggregate, StageScale, StageCluster, StageLabel, StagePersist}

// Config holds the model parameters of a run.
type Config struct {
	Clusters       int
	Seed           int64
	NInit          int
	MaxIter        int
	Tol            float64
	StrictVariance bool
	Vocabulary     segment.Vocabulary
}

// DefaultConfig returns the standard four-persona setup.
func DefaultConfig() Config {
	return Config{
		Clusters:   4,
		Seed:       42,
		NInit:      model.DefaultNInit,
		MaxIter:    model.DefaultMaxIter,
		Tol:        model.DefaultTol,
		Vocabulary: segment.DefaultVocabulary,
	}
}

// Validate checks the configuration before any data is read.
func (c Config) Validate() error {
	if c.Clusters < 1 {
		return fmt.Errorf("clusters must be positive, got %d", c.Clusters)
	}
	vocab := c.Vocabulary
	if len(vocab) == 0 {
		vocab = segment.DefaultVocabulary
	}
	if c.Clusters > len(vocab) {
		return fmt.Errorf("%w: %d clusters, %d persona names", segment.ErrUnmappedPersona, c.Clusters, len(vocab))
	}
	if c.NInit < 0 || c.MaxIter < 0 || c.Tol < 0 {
		return errors.New("n_init, max_iter and tol must not be negative")
	}
	return nil
}

// Reporter receives progress updates. *progressbar.ProgressBar satisfies it.
type Reporter interface {
	Describe(description string)
	Add(n int) error
}

// Deps wires the collaborators of a run.
type Deps struct {
	Source   source.Source
	Store    storage.Store
	Logger   *zap.Logger
	Progress Reporter
	Mem      memory.Allocator
}

// Report describes a completed run.
type Report struct {
	Aggregation rfm.Summary
	Customers   int
	Inertia     float64
	Iterations  int
	Degenerate  []string
	Profiles    []segment.Profile
	Ranking     segment.Ranking
	Personas    []segment.PersonaSummary
	Manifest    storage.Manifest
	Durations   map[string]time.Duration
}

// Result is the labeled table of a run plus its report.
type Result struct {
	Report
	Assignments []segment.Assignment
}

// Pipeline runs segmentations. A run is single-threaded and either persists
// all artifacts or nothing.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if len(cfg.Vocabulary) == 0 {
		cfg.Vocabulary = segment.DefaultVocabulary
	}
	if deps.Source == nil {
		return nil, errors.New("pipeline requires a transaction source")
	}
	if deps.Store == nil {
		return nil, errors.New("pipeline requires a model store")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Mem == nil {
		deps.Mem = memory.NewGoAllocator()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: deps.Logger.Named("pipeline")}, nil
}

// Run executes every stage. No retries are attempted; the first failure
// aborts the run and the store keeps its previous contents.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	res, err := p.run(ctx)
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		p.logger.Error("segmentation failed", zap.Error(err))
		return nil, err
	}
	runsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func (p *Pipeline) run(ctx context.Context) (*Result, error) {
	res := &Result{Report: Report{Durations: make(map[string]time.Duration, len(Stages))}}

	var recs []arrow.Record
	err := p.stage(ctx, res, StageRead, func() error {
		var err error
		recs, err = p.deps.Source.ReadAll(ctx)
		if err != nil {
			return fmt.Errorf("read transactions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer source.Release(recs)

	var (
		customers []rfm.Customer
		summary   rfm.Summary
	)
	err = p.stage(ctx, res, StageAggregate, func() error {
		var err error
		customers, summary, err = rfm.Aggregate(recs)
		res.Aggregation = summary
		if err != nil {
			return fmt.Errorf("aggregate: %w", err)
		}
		res.Customers = len(customers)
		rowsDropped.WithLabelValues("missing_customer").Add(float64(summary.MissingCustomer))
		rowsDropped.WithLabelValues("non_positive_quantity").Add(float64(summary.NonPositiveQuantity))
		p.logger.Info("aggregated transactions",
			zap.Int64("rows", summary.Rows),
			zap.Int64("kept", summary.Kept),
			zap.Int64("missing_customer", summary.MissingCustomer),
			zap.Int64("non_positive_quantity", summary.NonPositiveQuantity),
			zap.Int("customers", summary.Customers),
			zap.Time("snapshot", summary.Snapshot))
		if len(customers) < p.cfg.Clusters {
			return fmt.Errorf("%d customers cannot fill %d clusters", len(customers), p.cfg.Clusters)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	scaler := model.NewScaler(rfm.FeatureNames, p.cfg.StrictVariance)
	var scaled *mat.Dense
	err = p.stage(ctx, res, StageScale, func() error {
		var err error
		scaled, err = scaler.FitTransform(rfm.Matrix(customers))
		if err != nil {
			return fmt.Errorf("scale features: %w", err)
		}
		st, _ := scaler.State()
		for j, d := range st.Degenerate {
			if d {
				res.Degenerate = append(res.Degenerate, st.Features[j])
			}
		}
		if len(res.Degenerate) > 0 {
			p.logger.Warn("features without variance scale to zero", zap.Strings("features", res.Degenerate))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	km := model.NewKMeans(p.cfg.Clusters, p.cfg.Seed)
	km.NInit, km.MaxIter, km.Tol = p.cfg.NInit, p.cfg.MaxIter, p.cfg.Tol
	var labels []int
	err = p.stage(ctx, res, StageCluster, func() error {
		var err error
		labels, err = km.FitPredict(scaled)
		if err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
		st, _ := km.State()
		res.Inertia, res.Iterations = st.Inertia, st.Iterations
		p.logger.Info("clustered customers",
			zap.Int("k", st.K),
			zap.Int64("seed", st.Seed),
			zap.Float64("inertia", st.Inertia),
			zap.Int("iterations", st.Iterations))
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.stage(ctx, res, StageLabel, func() error {
		var err error
		res.Assignments, res.Ranking, res.Profiles, err = segment.Label(customers, labels, p.cfg.Clusters, p.cfg.Vocabulary)
		if err != nil {
			return fmt.Errorf("label clusters: %w", err)
		}
		res.Personas = segment.Summarize(res.Assignments)
		for _, c := range res.Ranking.Order {
			pr := res.Profiles[c]
			p.logger.Debug("cluster ranked",
				zap.Int("cluster", c),
				zap.String("persona", string(res.Ranking.ByCluster[c])),
				zap.Int("customers", pr.Customers),
				zap.Float64("mean_monetary", pr.Monetary))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = p.stage(ctx, res, StagePersist, func() error {
		ss, _ := scaler.State()
		ks, _ := km.State()
		a := &storage.Artifacts{
			Scaler:    ss,
			Clusterer: ks,
			Table:     segment.ToRecord(p.deps.Mem, res.Assignments),
			Manifest:  storage.Manifest{Snapshot: summary.Snapshot, Personas: p.cfg.Vocabulary.Names()},
		}
		defer a.Release()
		if err := p.deps.Store.Save(ctx, a); err != nil {
			return fmt.Errorf("persist artifacts: %w", err)
		}
		res.Manifest = a.Manifest
		return nil
	})
	if err != nil {
		return nil, err
	}

	customersSegmented.Set(float64(len(res.Assignments)))
	p.logger.Info("segmentation complete",
		zap.String("generation", res.Manifest.Generation),
		zap.Int("customers", len(res.Assignments)))
	return res, nil
}

// stage runs fn as one timed stage.
func (p *Pipeline) stage(ctx context.Context, res *Result, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.deps.Progress != nil {
		p.deps.Progress.Describe(name)
	}
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	stageLatency.WithLabelValues(name).Observe(elapsed.Seconds())
	res.Durations[name] = elapsed
	if err != nil {
		return err
	}
	p.logger.Debug("stage finished", zap.String("stage", name), zap.Duration("elapsed", elapsed))
	if p.deps.Progress != nil {
		_ = p.deps.Progress.Add(1)
	}
	return nil
}
