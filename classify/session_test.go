package classify

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/persona/model"
	"github.com/TFMV/persona/rfm"
	"github.com/TFMV/persona/segment"
	"github.com/TFMV/persona/storage"
)

func customers() []rfm.Customer {
	return []rfm.Customer{
		{CustomerID: 1, Recency: 2, Frequency: 60, Monetary: 120000},
		{CustomerID: 2, Recency: 4, Frequency: 55, Monetary: 98000},
		{CustomerID: 3, Recency: 10, Frequency: 20, Monetary: 9000},
		{CustomerID: 4, Recency: 15, Frequency: 18, Monetary: 8000},
		{CustomerID: 5, Recency: 12, Frequency: 22, Monetary: 9500},
		{CustomerID: 6, Recency: 40, Frequency: 5, Monetary: 1500},
		{CustomerID: 7, Recency: 35, Frequency: 6, Monetary: 1300},
		{CustomerID: 8, Recency: 45, Frequency: 4, Monetary: 1200},
		{CustomerID: 9, Recency: 300, Frequency: 1, Monetary: 150},
		{CustomerID: 10, Recency: 320, Frequency: 1, Monetary: 90},
		{CustomerID: 11, Recency: 290, Frequency: 2, Monetary: 200},
	}
}

type fitted struct {
	scaler    *model.Scaler
	clusterer *model.KMeans
	labels    []int
	labeled   []segment.Assignment
}

func fit(t *testing.T, store storage.Store, k int) fitted {
	t.Helper()
	cs := customers()
	x := rfm.Matrix(cs)

	scaler := model.NewScaler(rfm.FeatureNames, false)
	scaled, err := scaler.FitTransform(x)
	require.NoError(t, err)

	km := model.NewKMeans(k, 42)
	labels, err := km.FitPredict(scaled)
	require.NoError(t, err)

	labeled, _, _, err := segment.Label(cs, labels, k, nil)
	require.NoError(t, err)

	ss, err := scaler.State()
	require.NoError(t, err)
	ks, err := km.State()
	require.NoError(t, err)

	a := &storage.Artifacts{Scaler: ss, Clusterer: ks, Table: segment.ToRecord(memory.NewGoAllocator(), labeled)}
	defer a.Release()
	require.NoError(t, store.Save(context.Background(), a))

	return fitted{scaler: scaler, clusterer: km, labels: labels, labeled: labeled}
}

func TestClassifyBeforeRefresh(t *testing.T) {
	s := NewSession(storage.NewMemoryStore(), Options{})

	_, err := s.Classify(context.Background(), rfm.Metrics{Recency: 1, Frequency: 1, Monetary: 1})
	assert.ErrorIs(t, err, model.ErrNotFitted)

	err = s.Refresh(context.Background())
	assert.ErrorIs(t, err, model.ErrNotFitted)
	assert.ErrorIs(t, err, storage.ErrArtifactNotFound)

	_, err = s.Summary()
	assert.ErrorIs(t, err, model.ErrNotFitted)
	_, _, err = s.Lookup(1)
	assert.ErrorIs(t, err, model.ErrNotFitted)
}

func TestClassifyMatchesBatchAssignment(t *testing.T) {
	store := storage.NewMemoryStore()
	f := fit(t, store, 4)

	s := NewSession(store, Options{})
	require.NoError(t, s.Refresh(context.Background()))

	for i, c := range customers() {
		res, err := s.Classify(context.Background(), c.Metrics())
		require.NoError(t, err)
		assert.Equal(t, f.labels[i], res.Cluster, "customer %d", c.CustomerID)
		assert.Equal(t, f.labeled[i].Persona, res.Persona, "customer %d", c.CustomerID)
		assert.Equal(t, res.Persona.Recommendation(), res.Recommendation)
		assert.Equal(t, res.Cluster, res.Profile.Cluster)
		assert.NotEmpty(t, res.Generation)
	}

	res, err := s.Classify(context.Background(), rfm.Metrics{Recency: 1, Frequency: 70, Monetary: 150000})
	require.NoError(t, err)
	assert.Equal(t, segment.Whales, res.Persona)
}

func TestClassifyRejectsBadInput(t *testing.T) {
	store := storage.NewMemoryStore()
	fit(t, store, 4)
	s := NewSession(store, Options{})
	require.NoError(t, s.Refresh(context.Background()))

	for _, m := range []rfm.Metrics{
		{Recency: -1, Frequency: 1, Monetary: 1},
		{Recency: 1, Frequency: -2, Monetary: 1},
		{Recency: 1, Frequency: 1, Monetary: math.NaN()},
		{Recency: 1, Frequency: 1, Monetary: math.Inf(1)},
	} {
		_, err := s.Classify(context.Background(), m)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestSessionViews(t *testing.T) {
	store := storage.NewMemoryStore()
	f := fit(t, store, 4)
	s := NewSession(store, Options{})
	require.NoError(t, s.Refresh(context.Background()))

	a, ok, err := s.Lookup(9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.labeled[8], a)

	_, ok, err = s.Lookup(404)
	require.NoError(t, err)
	assert.False(t, ok)

	summary, err := s.Summary()
	require.NoError(t, err)
	total := 0
	for i, line := range summary {
		total += line.Customers
		if i > 0 {
			assert.GreaterOrEqual(t, summary[i-1].Monetary, line.Monetary)
		}
	}
	assert.Equal(t, len(customers()), total)
	assert.Equal(t, segment.Whales, summary[0].Persona)

	whales, err := s.Segment(segment.Whales, 0)
	require.NoError(t, err)
	require.NotEmpty(t, whales)
	for i := 1; i < len(whales); i++ {
		assert.GreaterOrEqual(t, whales[i-1].Monetary, whales[i].Monetary)
	}
	top, err := s.Segment(segment.Whales, 1)
	require.NoError(t, err)
	assert.Equal(t, whales[:1], top)

	profiles, ranking, err := s.Profiles()
	require.NoError(t, err)
	assert.Len(t, profiles, 4)
	assert.Len(t, ranking.Order, 4)

	all, err := s.Assignments()
	require.NoError(t, err)
	assert.Equal(t, f.labeled, all)

	m, err := s.Manifest()
	require.NoError(t, err)
	assert.Equal(t, 4, m.K)
}

func TestRefreshKeepsStateOnFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	fit(t, store, 4)
	s := NewSession(store, Options{})
	require.NoError(t, s.Refresh(context.Background()))

	failing := NewSession(failingStore{}, Options{})
	err := failing.Refresh(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrNotFitted))

	s.store = failingStore{}
	assert.Error(t, s.Refresh(context.Background()))
	_, err = s.Classify(context.Background(), rfm.Metrics{Recency: 3, Frequency: 50, Monetary: 100000})
	assert.NoError(t, err, "previous generation stays loaded")
}

func TestRefreshPicksUpRetrain(t *testing.T) {
	store := storage.NewMemoryStore()
	fit(t, store, 4)
	s := NewSession(store, Options{})
	require.NoError(t, s.Refresh(context.Background()))
	first, err := s.Manifest()
	require.NoError(t, err)

	fit(t, store, 5)
	require.NoError(t, s.Refresh(context.Background()))
	second, err := s.Manifest()
	require.NoError(t, err)
	assert.NotEqual(t, first.Generation, second.Generation)
	assert.Equal(t, 5, second.K)

	res, err := s.Classify(context.Background(), customers()[9].Metrics())
	require.NoError(t, err)
	assert.Equal(t, second.Generation, res.Generation)
	assert.Equal(t, segment.AtRisk, res.Persona)
}

func TestClassifyConcurrent(t *testing.T) {
	store := storage.NewMemoryStore()
	fit(t, store, 4)
	s := NewSession(store, Options{CacheSize: 4})
	require.NoError(t, s.Refresh(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i, c := range customers() {
				if (i+g)%5 == 0 {
					_ = s.Refresh(context.Background())
				}
				_, err := s.Classify(context.Background(), c.Metrics())
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Wait()
}

type failingStore struct{}

func (failingStore) Save(context.Context, *storage.Artifacts) error {
	return errors.New("read-only")
}

func (failingStore) Load(context.Context) (*storage.Artifacts, error) {
	return nil, errors.New("bucket unreachable")
}

func (failingStore) Close() error { return nil }
