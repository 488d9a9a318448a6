package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/persona/config"
	"github.com/TFMV/persona/export"
	"github.com/TFMV/persona/pipeline"
	"github.com/TFMV/persona/rfm"
	"github.com/TFMV/persona/segment"
	"github.com/TFMV/persona/source"
	"github.com/TFMV/persona/storage"
)

func TestOpenSource(t *testing.T) {
	cfg := config.Default()

	src, done, err := openSource(cfg, nil)
	require.NoError(t, err)
	defer done()
	assert.IsType(t, &source.Breaker{}, src)

	cfg.Source = config.SourceConfig{Kind: config.SourceIPC, Path: filepath.Join(t.TempDir(), "missing.arrow")}
	src, done, err = openSource(cfg, nil)
	require.NoError(t, err)
	defer done()
	_, err = src.ReadAll(context.Background())
	assert.ErrorIs(t, err, source.ErrDataSource)

	cfg.Source.Kind = "kafka"
	_, _, err = openSource(cfg, nil)
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()

	cfg.Store = config.StoreConfig{Kind: config.StoreFile, Path: t.TempDir()}
	s, err := openStore(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &storage.FileStore{}, s)
	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, storage.ErrArtifactNotFound)
	require.NoError(t, s.Close())

	cfg.Store = config.StoreConfig{Kind: config.StoreBadger}
	s, err = openStore(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &storage.BadgerStore{}, s)
	require.NoError(t, s.Close())

	cfg.Store = config.StoreConfig{Kind: config.StoreMemory}
	s, err = openStore(ctx, cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, s)

	cfg.Store.Kind = "s3"
	_, err = openStore(ctx, cfg, nil)
	assert.Error(t, err)
}

func TestOpenWarehouseDisabled(t *testing.T) {
	pub, err := openWarehouse(config.Default(), nil)
	require.NoError(t, err)
	assert.Nil(t, pub)
}

func builtResult() *pipeline.Result {
	return &pipeline.Result{
		Report: pipeline.Report{Manifest: storage.Manifest{Generation: "1700000000"}},
		Assignments: []segment.Assignment{{
			Customer:       rfm.Customer{CustomerID: 12346, Recency: 2, Frequency: 40, Monetary: 120000.5},
			Cluster:        1,
			Persona:        segment.Whales,
			Recommendation: segment.Whales.Recommendation(),
		}},
	}
}

func TestWriteOutputs(t *testing.T) {
	cfg := config.Default()
	cfg.Export.Dir = t.TempDir()

	require.NoError(t, writeOutputs(context.Background(), cfg, builtResult(), nil))
	_, err := os.Stat(filepath.Join(cfg.Export.Dir, export.TableFileName))
	assert.NoError(t, err)
}

func TestWriteOutputsFailureNamesSavedGeneration(t *testing.T) {
	cfg := config.Default()
	cfg.Export.Dir = t.TempDir()
	cfg.Warehouse.DSN = "sqlite:///tmp/segments.db"

	err := writeOutputs(context.Background(), cfg, builtResult(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model generation 1700000000 is saved")

	_, statErr := os.Stat(filepath.Join(cfg.Export.Dir, export.TableFileName))
	assert.NoError(t, statErr, "export runs before the warehouse")
}
