package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/persona/model"
	"github.com/TFMV/persona/rfm"
	"github.com/TFMV/persona/segment"
)

func testArtifacts(t *testing.T, monetary float64) *Artifacts {
	t.Helper()
	assignments := []segment.Assignment{
		{Customer: rfm.Customer{CustomerID: 1, Recency: 3, Frequency: 9, Monetary: monetary}, Cluster: 1, Persona: segment.Whales,
			Recommendation: segment.Whales.Recommendation()},
		{Customer: rfm.Customer{CustomerID: 2, Recency: 90, Frequency: 1, Monetary: 12}, Cluster: 0, Persona: segment.HighValue,
			Recommendation: segment.HighValue.Recommendation()},
	}
	return &Artifacts{
		Scaler: &model.ScalerState{
			Features:   rfm.FeatureNames,
			Mean:       []float64{46.5, 5, monetary/2 + 6},
			Scale:      []float64{43.5, 4, monetary/2 - 6},
			Degenerate: []bool{false, false, false},
			Samples:    2,
		},
		Clusterer: &model.KMeansState{
			K:         2,
			Seed:      42,
			Centroids: [][]float64{{1, -1, -1}, {-1, 1, 1}},
		},
		Table: segment.ToRecord(memory.NewGoAllocator(), assignments),
	}
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fileStore, err := NewFileStore(filepath.Join(t.TempDir(), "models"), nil)
	require.NoError(t, err)
	badgerStore, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = badgerStore.Close() })
	_, srv := newFakeGCS(t)

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"badger": badgerStore,
		"gcs":    newTestGCSStore(t, srv),
	}
}

func TestStoreLoadBeforeSave(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(context.Background())
			assert.ErrorIs(t, err, ErrArtifactNotFound)
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			in := testArtifacts(t, 500)
			defer in.Release()
			require.NoError(t, s.Save(ctx, in))
			assert.NotEmpty(t, in.Manifest.Generation)
			assert.Equal(t, int64(2), in.Manifest.Customers)
			assert.Equal(t, 2, in.Manifest.K)

			out, err := s.Load(ctx)
			require.NoError(t, err)
			defer out.Release()

			assert.Equal(t, in.Scaler, out.Scaler)
			assert.Equal(t, in.Clusterer, out.Clusterer)
			assert.Equal(t, in.Manifest.Generation, out.Manifest.Generation)
			assert.True(t, in.Manifest.CreatedAt.Equal(out.Manifest.CreatedAt))

			want, err := in.Assignments()
			require.NoError(t, err)
			got, err := out.Assignments()
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestStoreOverwrites(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := testArtifacts(t, 500)
			defer first.Release()
			require.NoError(t, s.Save(ctx, first))

			second := testArtifacts(t, 7000)
			defer second.Release()
			require.NoError(t, s.Save(ctx, second))

			out, err := s.Load(ctx)
			require.NoError(t, err)
			defer out.Release()

			assert.Equal(t, second.Manifest.Generation, out.Manifest.Generation)
			rows, err := out.Assignments()
			require.NoError(t, err)
			assert.Equal(t, 7000.0, rows[0].Monetary)
		})
	}
}

func TestStoreRejectsIncompleteArtifacts(t *testing.T) {
	s := NewMemoryStore()
	a := testArtifacts(t, 1)
	defer a.Release()
	a.Scaler = nil
	assert.Error(t, s.Save(context.Background(), a))

	_, err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrArtifactNotFound, "failed save leaves the store empty")

	assert.Error(t, s.Save(context.Background(), nil))
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a := testArtifacts(t, float64(100*(i+1)))
		require.NoError(t, s.Save(ctx, a))
		a.Release()
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var gens []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), generationPrefix) {
			gens = append(gens, e.Name())
		}
	}
	assert.Len(t, gens, 1, "older generations are pruned")
	assert.FileExists(t, filepath.Join(dir, manifestFile))
	for _, key := range Keys {
		assert.FileExists(t, filepath.Join(dir, gens[0], fileNames[key]))
	}
}

func TestFileStoreMissingArtifact(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	ctx := context.Background()

	a := testArtifacts(t, 10)
	defer a.Release()
	require.NoError(t, s.Save(ctx, a))

	gen := filepath.Join(dir, generationPrefix+a.Manifest.Generation)
	require.NoError(t, os.Remove(filepath.Join(gen, fileNames[KeyClusterer])))

	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	assert.Contains(t, err.Error(), KeyClusterer)
}

func TestCodecTable(t *testing.T) {
	a := testArtifacts(t, 42)
	defer a.Release()

	b, err := encodeTable(a.Table)
	require.NoError(t, err)
	rec, err := decodeTable(b)
	require.NoError(t, err)
	defer rec.Release()
	assert.Equal(t, a.Table.NumRows(), rec.NumRows())

	_, err = decodeTable([]byte("not arrow"))
	assert.Error(t, err)
}
