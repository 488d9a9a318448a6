package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// KMeans defaults.
const (
	DefaultMaxIter = 300
	DefaultTol     = 1e-4
	DefaultNInit   = 1
)

// KMeansState is the fitted state of a KMeans clusterer.
type KMeansState struct {
	K          int         `json:"k"`
	Seed       int64       `json:"seed"`
	Centroids  [][]float64 `json:"centroids"`
	Inertia    float64     `json:"inertia"`
	Iterations int         `json:"iterations"`
}

// KMeans partitions rows into K groups by minimizing the within-cluster sum
// of squared distances. Initialization is k-means++ driven by Seed, so the
// same input and seed always produce the same centroids.
type KMeans struct {
	K       int
	Seed    int64
	NInit   int     // restarts; the lowest-inertia run wins
	MaxIter int     // Lloyd iterations per restart
	Tol     float64 // centroid shift tolerance, relative to the mean feature variance

	state *KMeansState
}

// NewKMeans returns an unfitted clusterer with default iteration settings.
func NewKMeans(k int, seed int64) *KMeans {
	return &KMeans{
		K:       k,
		Seed:    seed,
		NInit:   DefaultNInit,
		MaxIter: DefaultMaxIter,
		Tol:     DefaultTol,
	}
}

// Fit computes the centroids for x.
func (km *KMeans) Fit(x mat.Matrix) error {
	_, err := km.fit(x)
	return err
}

// FitPredict fits on x and returns the cluster of every row.
func (km *KMeans) FitPredict(x mat.Matrix) ([]int, error) {
	return km.fit(x)
}

func (km *KMeans) fit(x mat.Matrix) ([]int, error) {
	n, d := dims(x)
	if n == 0 || d == 0 {
		return nil, errors.New("fit kmeans: empty matrix")
	}
	if km.K < 1 {
		return nil, fmt.Errorf("fit kmeans: k must be positive, got %d", km.K)
	}
	if km.K > n {
		return nil, fmt.Errorf("fit kmeans: k=%d exceeds %d samples", km.K, n)
	}
	nInit, maxIter, tol := km.NInit, km.MaxIter, km.Tol
	if nInit < 1 {
		nInit = DefaultNInit
	}
	if maxIter < 1 {
		maxIter = DefaultMaxIter
	}
	if tol < 0 {
		tol = DefaultTol
	}

	points := rows(x)
	tol *= meanVariance(x, n, d)
	rng := rand.New(rand.NewSource(km.Seed))

	var (
		best       *KMeansState
		bestLabels []int
	)
	for run := 0; run < nInit; run++ {
		centroids := initPlusPlus(points, km.K, rng)
		labels, inertia, iters := lloyd(points, centroids, maxIter, tol)
		if best == nil || inertia < best.Inertia {
			best = &KMeansState{
				K:          km.K,
				Seed:       km.Seed,
				Centroids:  centroids,
				Inertia:    inertia,
				Iterations: iters,
			}
			bestLabels = labels
		}
	}
	km.state = best
	return bestLabels, nil
}

// Predict assigns every row of x to its nearest centroid.
func (km *KMeans) Predict(x mat.Matrix) ([]int, error) {
	if km.state == nil {
		return nil, ErrNotFitted
	}
	n, d := dims(x)
	if d != len(km.state.Centroids[0]) {
		return nil, fmt.Errorf("predict: expected %d columns, got %d", len(km.state.Centroids[0]), d)
	}
	labels := make([]int, n)
	buf := make([]float64, d)
	for i := range labels {
		labels[i], _ = nearest(mat.Row(buf, i, x), km.state.Centroids)
	}
	return labels, nil
}

// PredictRow assigns one observation to its nearest centroid by squared
// Euclidean distance. Ties go to the lowest cluster index.
func (km *KMeans) PredictRow(v []float64) (int, error) {
	if km.state == nil {
		return 0, ErrNotFitted
	}
	if len(v) != len(km.state.Centroids[0]) {
		return 0, fmt.Errorf("predict: expected %d values, got %d", len(km.state.Centroids[0]), len(v))
	}
	c, _ := nearest(v, km.state.Centroids)
	return c, nil
}

// State returns a copy of the fitted state.
func (km *KMeans) State() (*KMeansState, error) {
	if km.state == nil {
		return nil, ErrNotFitted
	}
	st := *km.state
	st.Centroids = make([][]float64, len(km.state.Centroids))
	for i, c := range km.state.Centroids {
		st.Centroids[i] = append([]float64(nil), c...)
	}
	return &st, nil
}

// KMeansFromState restores a fitted clusterer.
func KMeansFromState(st *KMeansState) (*KMeans, error) {
	if st == nil || len(st.Centroids) == 0 {
		return nil, ErrNotFitted
	}
	if st.K != len(st.Centroids) {
		return nil, fmt.Errorf("restore kmeans: k=%d but %d centroids", st.K, len(st.Centroids))
	}
	d := len(st.Centroids[0])
	for i, c := range st.Centroids {
		if len(c) != d || d == 0 {
			return nil, fmt.Errorf("restore kmeans: centroid %d has %d dimensions, want %d", i, len(c), d)
		}
	}
	km := NewKMeans(st.K, st.Seed)
	cp := *st
	km.state = &cp
	return km, nil
}

// initPlusPlus picks k starting centroids, each drawn with probability
// proportional to its squared distance from the centroids chosen so far.
func initPlusPlus(points [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(points)
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(points[rng.Intn(n)]))

	d2 := make([]float64, n)
	for i, p := range points {
		d2[i] = sqDist(p, centroids[0])
	}
	for len(centroids) < k {
		total := floats.Sum(d2)
		next := rng.Intn(n)
		if total > 0 {
			r := rng.Float64() * total
			acc := 0.0
			for i, w := range d2 {
				acc += w
				if acc >= r && w > 0 {
					next = i
					break
				}
			}
		}
		c := clone(points[next])
		centroids = append(centroids, c)
		for i, p := range points {
			if d := sqDist(p, c); d < d2[i] {
				d2[i] = d
			}
		}
	}
	return centroids
}

// lloyd refines centroids in place and returns the final labels, the
// inertia of the final assignment and the number of iterations run.
func lloyd(points, centroids [][]float64, maxIter int, tol float64) ([]int, float64, int) {
	k, d := len(centroids), len(centroids[0])
	labels := make([]int, len(points))
	dist := make([]float64, len(points))
	sums := make([][]float64, k)
	for c := range sums {
		sums[c] = make([]float64, d)
	}
	counts := make([]int, k)

	iters := 0
	for iters < maxIter {
		iters++
		for i, p := range points {
			labels[i], dist[i] = nearest(p, centroids)
		}

		for c := range sums {
			for j := range sums[c] {
				sums[c][j] = 0
			}
			counts[c] = 0
		}
		for i, p := range points {
			floats.Add(sums[labels[i]], p)
			counts[labels[i]]++
		}

		reseedEmpty(points, labels, dist, counts, sums)

		shift := 0.0
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			floats.Scale(1/float64(counts[c]), sums[c])
			shift += sqDist(centroids[c], sums[c])
			copy(centroids[c], sums[c])
		}
		if shift <= tol {
			break
		}
	}

	inertia := 0.0
	for i, p := range points {
		labels[i], dist[i] = nearest(p, centroids)
		inertia += dist[i]
	}
	return labels, inertia, iters
}

// reseedEmpty moves the points farthest from their centroids into clusters
// that lost all members.
func reseedEmpty(points [][]float64, labels []int, dist []float64, counts []int, sums [][]float64) {
	taken := make(map[int]bool)
	for c := range counts {
		if counts[c] > 0 {
			continue
		}
		far := -1
		for i := range points {
			if taken[i] || counts[labels[i]] < 2 {
				continue
			}
			if far < 0 || dist[i] > dist[far] {
				far = i
			}
		}
		if far < 0 {
			continue
		}
		taken[far] = true
		old := labels[far]
		floats.Sub(sums[old], points[far])
		counts[old]--
		copy(sums[c], points[far])
		counts[c] = 1
		labels[far] = c
		dist[far] = 0
	}
}

// nearest returns the index of the closest centroid and the squared
// distance to it.
func nearest(p []float64, centroids [][]float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := sqDist(p, centroid); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}

func meanVariance(x mat.Matrix, n, d int) float64 {
	col := make([]float64, n)
	total := 0.0
	for j := 0; j < d; j++ {
		mat.Col(col, j, x)
		total += stat.PopVariance(col, nil)
	}
	return total / float64(d)
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}
