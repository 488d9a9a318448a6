package model

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"pgregory.net/rapid"
)

var features = []string{"recency", "frequency", "monetary"}

func TestScalerFitTransform(t *testing.T) {
	x := mat.NewDense(4, 3, []float64{
		1, 2, 10,
		3, 2, 20,
		5, 2, 30,
		7, 2, 40,
	})

	s := NewScaler(features, false)
	out, err := s.FitTransform(x)
	require.NoError(t, err)

	st, err := s.State()
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 2, 25}, st.Mean)
	assert.InDelta(t, math.Sqrt(5), st.Scale[0], 1e-12)
	assert.Equal(t, []bool{false, true, false}, st.Degenerate)
	assert.Equal(t, 4, st.Samples)

	for i := 0; i < 4; i++ {
		assert.Equal(t, 0.0, out.At(i, 1), "constant column scales to zero")
	}
	assert.InDelta(t, -3/math.Sqrt(5), out.At(0, 0), 1e-12)

	col := mat.Col(nil, 2, out)
	sum := 0.0
	for _, v := range col {
		sum += v
	}
	assert.InDelta(t, 0, sum, 1e-12)

	row, err := s.TransformRow([]float64{4, 99, 25})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, row, "single-row transform treats the constant column the same way")
}

func TestScalerStrictVariance(t *testing.T) {
	x := mat.NewDense(3, 3, []float64{
		1, 5, 1,
		2, 5, 2,
		3, 5, 3,
	})
	s := NewScaler(features, true)
	err := s.Fit(x)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDegenerateFeature))

	var dfe *DegenerateFeatureError
	require.True(t, errors.As(err, &dfe))
	assert.Equal(t, "frequency", dfe.Feature)
	assert.Equal(t, 1, dfe.Column)
	assert.Equal(t, 5.0, dfe.Value)

	_, err = s.TransformRow([]float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestScalerNotFitted(t *testing.T) {
	s := NewScaler(nil, false)
	_, err := s.Transform(mat.NewDense(1, 3, nil))
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = s.State()
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = ScalerFromState(nil)
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestScalerShapeErrors(t *testing.T) {
	s := NewScaler(features, false)
	assert.Error(t, s.Fit(mat.NewDense(2, 2, []float64{1, 2, 3, 4})))
	assert.Error(t, s.Fit(&mat.Dense{}))

	require.NoError(t, s.Fit(mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})))
	_, err := s.TransformRow([]float64{1, 2})
	assert.Error(t, err)
}

func TestScalerRestore(t *testing.T) {
	x := mat.NewDense(3, 3, []float64{
		10, 1, 100,
		20, 4, 50,
		60, 2, 75,
	})
	s := NewScaler(features, false)
	require.NoError(t, s.Fit(x))
	st, err := s.State()
	require.NoError(t, err)

	restored, err := ScalerFromState(st)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		want, err := s.TransformRow(mat.Row(nil, i, x))
		require.NoError(t, err)
		got, err := restored.TransformRow(mat.Row(nil, i, x))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	st.Scale = st.Scale[:2]
	_, err = ScalerFromState(st)
	assert.Error(t, err)
}

// blobs returns three well separated groups of four points each.
func blobs() *mat.Dense {
	return mat.NewDense(12, 2, []float64{
		0, 0, 0.1, 0.2, -0.1, 0.1, 0.2, -0.1,
		10, 10, 10.2, 9.9, 9.8, 10.1, 10.1, 10.2,
		-10, 10, -10.1, 9.8, -9.9, 10.2, -10.2, 10.1,
	})
}

func TestKMeansSeparatesBlobs(t *testing.T) {
	km := NewKMeans(3, 42)
	km.NInit = 4
	labels, err := km.FitPredict(blobs())
	require.NoError(t, err)
	require.Len(t, labels, 12)

	for g := 0; g < 3; g++ {
		for i := 1; i < 4; i++ {
			assert.Equal(t, labels[g*4], labels[g*4+i], "group %d split", g)
		}
	}
	assert.NotEqual(t, labels[0], labels[4])
	assert.NotEqual(t, labels[0], labels[8])
	assert.NotEqual(t, labels[4], labels[8])

	st, err := km.State()
	require.NoError(t, err)
	assert.Equal(t, 3, st.K)
	assert.Equal(t, int64(42), st.Seed)
	assert.Len(t, st.Centroids, 3)
	assert.Less(t, st.Inertia, 1.0)
	assert.GreaterOrEqual(t, st.Iterations, 1)

	predicted, err := km.Predict(blobs())
	require.NoError(t, err)
	assert.Equal(t, labels, predicted)
}

func TestKMeansDeterministic(t *testing.T) {
	a := NewKMeans(3, 7)
	la, err := a.FitPredict(blobs())
	require.NoError(t, err)

	b := NewKMeans(3, 7)
	lb, err := b.FitPredict(blobs())
	require.NoError(t, err)

	assert.Equal(t, la, lb)
	sa, _ := a.State()
	sb, _ := b.State()
	assert.Equal(t, sa, sb)
}

func TestKMeansPredictRowTies(t *testing.T) {
	km, err := KMeansFromState(&KMeansState{
		K:         2,
		Centroids: [][]float64{{-1, 0}, {1, 0}},
	})
	require.NoError(t, err)

	c, err := km.PredictRow([]float64{0, 5})
	require.NoError(t, err)
	assert.Equal(t, 0, c, "equidistant point goes to the lowest index")

	c, err = km.PredictRow([]float64{0.5, 0})
	require.NoError(t, err)
	assert.Equal(t, 1, c)

	_, err = km.PredictRow([]float64{1})
	assert.Error(t, err)
}

func TestKMeansErrors(t *testing.T) {
	km := NewKMeans(3, 1)
	_, err := km.PredictRow([]float64{1, 2})
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = km.Predict(blobs())
	assert.ErrorIs(t, err, ErrNotFitted)
	_, err = km.State()
	assert.ErrorIs(t, err, ErrNotFitted)

	assert.Error(t, NewKMeans(0, 1).Fit(blobs()))
	assert.Error(t, NewKMeans(13, 1).Fit(blobs()))
	assert.Error(t, NewKMeans(1, 1).Fit(&mat.Dense{}))

	_, err = KMeansFromState(&KMeansState{K: 3, Centroids: [][]float64{{1}}})
	assert.Error(t, err)
	_, err = KMeansFromState(nil)
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestKMeansDuplicatePoints(t *testing.T) {
	x := mat.NewDense(4, 2, []float64{1, 1, 1, 1, 1, 1, 1, 1})
	km := NewKMeans(2, 3)
	labels, err := km.FitPredict(x)
	require.NoError(t, err)
	assert.Len(t, labels, 4)

	st, err := km.State()
	require.NoError(t, err)
	for _, c := range st.Centroids {
		for _, v := range c {
			assert.False(t, math.IsNaN(v))
		}
	}
	assert.Equal(t, 0.0, st.Inertia)
}

func TestKMeansProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 40).Draw(t, "n")
		k := rapid.IntRange(1, n).Draw(t, "k")
		data := make([]float64, n*3)
		for i := range data {
			data[i] = float64(rapid.IntRange(-50, 50).Draw(t, "v"))
		}
		x := mat.NewDense(n, 3, data)
		seed := rapid.Int64().Draw(t, "seed")

		km := NewKMeans(k, seed)
		labels, err := km.FitPredict(x)
		if err != nil {
			t.Fatalf("fit: %v", err)
		}
		again, err := NewKMeans(k, seed).FitPredict(x)
		if err != nil {
			t.Fatalf("refit: %v", err)
		}
		predicted, err := km.Predict(x)
		if err != nil {
			t.Fatalf("predict: %v", err)
		}
		for i := range labels {
			if labels[i] < 0 || labels[i] >= k {
				t.Fatalf("label %d out of range", labels[i])
			}
			if labels[i] != again[i] {
				t.Fatalf("row %d: refit with same seed gave %d, first fit %d", i, again[i], labels[i])
			}
			if labels[i] != predicted[i] {
				t.Fatalf("row %d: predict gave %d, fit gave %d", i, predicted[i], labels[i])
			}
		}
	})
}
