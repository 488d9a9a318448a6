package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/TFMV/persona/config"
	"github.com/TFMV/persona/export"
	"github.com/TFMV/persona/pipeline"
	"github.com/TFMV/persona/source"
	"github.com/TFMV/persona/storage"
	"github.com/TFMV/persona/warehouse"
)

// openSource builds the configured transaction source behind a breaker.
// The returned func releases whatever the source holds open.
func openSource(cfg config.Config, logger *zap.Logger) (source.Source, func(), error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		src     source.Source
		cleanup = func() {}
	)
	switch cfg.Source.Kind {
	case config.SourceCSV:
		src = source.NewCSVSource(cfg.Source.Path, logger)
	case config.SourceIPC:
		src = &source.IPCFileSource{Path: cfg.Source.Path}
	case config.SourceSQL:
		conn, driver, err := source.OpenDB(cfg.Source.DSN)
		if err != nil {
			return nil, nil, err
		}
		s := source.NewSQLSource(conn, driver, cfg.Source.Table, cfg.Source.Columns)
		src = s
		cleanup = func() {
			if err := s.Close(); err != nil {
				logger.Warn("close source", zap.Error(err))
			}
		}
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
	breaker := source.WithBreaker(src, source.BreakerSettings{
		Name:             cfg.Source.Kind,
		FailureThreshold: cfg.Source.Breaker.FailureThreshold,
		Timeout:          cfg.Source.Breaker.Timeout,
	}, logger)
	return breaker, cleanup, nil
}

// openStore opens the configured artifact backend.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Store.Kind {
	case config.StoreFile:
		return storage.NewFileStore(cfg.Store.Path, logger)
	case config.StoreBadger:
		return storage.OpenBadgerStore(cfg.Store.Path)
	case config.StoreGCS:
		return storage.NewGCSStore(ctx, cfg.Store.Bucket, cfg.Store.Prefix, logger)
	case config.StoreMemory:
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
}

// openWarehouse returns nil when publishing is not configured.
func openWarehouse(cfg config.Config, logger *zap.Logger) (*warehouse.Publisher, error) {
	if cfg.Warehouse.DSN == "" {
		return nil, nil
	}
	return warehouse.Open(cfg.Warehouse.DSN, cfg.Warehouse.Table, logger)
}

// writeOutputs exports the labeled table and, when configured, replaces the
// warehouse table. It runs after the model store was replaced, so a failure
// leaves the new generation live; the error names it.
func writeOutputs(ctx context.Context, cfg config.Config, res *pipeline.Result, logger *zap.Logger) error {
	if err := writeOutputFiles(ctx, cfg, res, logger); err != nil {
		return fmt.Errorf("model generation %s is saved, outputs are incomplete: %w", res.Manifest.Generation, err)
	}
	return nil
}

func writeOutputFiles(ctx context.Context, cfg config.Config, res *pipeline.Result, logger *zap.Logger) error {
	out := filepath.Join(cfg.Export.Dir, export.TableFileName)
	if err := export.NewWriter(logger).File(out, res.Assignments); err != nil {
		return err
	}

	pub, err := openWarehouse(cfg, logger)
	if err != nil {
		return err
	}
	if pub == nil {
		return nil
	}
	defer pub.Close()
	if err := pub.Publish(ctx, res.Assignments); err != nil {
		return fmt.Errorf("publish segments: %w", err)
	}
	return nil
}
