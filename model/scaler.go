package model

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// varianceFloor is the smallest standard deviation treated as real spread.
const varianceFloor = 10 * 2.220446049250313e-16

// ScalerState is the fitted state of a Scaler.
type ScalerState struct {
	Features   []string  `json:"features"`
	Mean       []float64 `json:"mean"`
	Scale      []float64 `json:"scale"`
	Degenerate []bool    `json:"degenerate"`
	Samples    int       `json:"samples"`
}

// Scaler standardizes each column to zero mean and unit population variance.
//
// A column without variance transforms to a constant 0, in batch and
// single-row transforms alike. With StrictVariance set, Fit rejects such a
// column with a *DegenerateFeatureError instead.
type Scaler struct {
	Features       []string
	StrictVariance bool

	state *ScalerState
}

// NewScaler returns an unfitted scaler. features names the columns for error
// messages and persisted state; it may be nil.
func NewScaler(features []string, strict bool) *Scaler {
	return &Scaler{Features: features, StrictVariance: strict}
}

// Fit computes per-column mean and standard deviation.
func (s *Scaler) Fit(x mat.Matrix) error {
	r, c := dims(x)
	if r == 0 || c == 0 {
		return errors.New("fit scaler: empty matrix")
	}
	if len(s.Features) != 0 && len(s.Features) != c {
		return fmt.Errorf("fit scaler: %d feature names for %d columns", len(s.Features), c)
	}

	st := &ScalerState{
		Features:   s.featureNames(c),
		Mean:       make([]float64, c),
		Scale:      make([]float64, c),
		Degenerate: make([]bool, c),
		Samples:    r,
	}
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, x)
		mean, std := stat.PopMeanStdDev(col, nil)
		if math.IsNaN(mean) || math.IsInf(mean, 0) {
			return fmt.Errorf("fit scaler: feature %q has non-finite values", st.Features[j])
		}
		st.Mean[j] = mean
		if std < varianceFloor || math.IsNaN(std) {
			if s.StrictVariance {
				return &DegenerateFeatureError{Column: j, Feature: st.Features[j], Value: mean}
			}
			st.Scale[j] = 1
			st.Degenerate[j] = true
			continue
		}
		st.Scale[j] = std
	}
	s.state = st
	return nil
}

// Transform standardizes x with the fitted statistics.
func (s *Scaler) Transform(x mat.Matrix) (*mat.Dense, error) {
	if s.state == nil {
		return nil, ErrNotFitted
	}
	r, c := dims(x)
	if r == 0 {
		return nil, errors.New("transform: empty matrix")
	}
	if c != len(s.state.Mean) {
		return nil, fmt.Errorf("transform: expected %d columns, got %d", len(s.state.Mean), c)
	}
	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, v float64) float64 {
		return s.scale(j, v)
	}, x)
	return out, nil
}

// FitTransform fits on x and returns x standardized.
func (s *Scaler) FitTransform(x mat.Matrix) (*mat.Dense, error) {
	if err := s.Fit(x); err != nil {
		return nil, err
	}
	return s.Transform(x)
}

// TransformRow standardizes a single observation.
func (s *Scaler) TransformRow(row []float64) ([]float64, error) {
	if s.state == nil {
		return nil, ErrNotFitted
	}
	if len(row) != len(s.state.Mean) {
		return nil, fmt.Errorf("transform: expected %d values, got %d", len(s.state.Mean), len(row))
	}
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = s.scale(j, v)
	}
	return out, nil
}

func (s *Scaler) scale(j int, v float64) float64 {
	if s.state.Degenerate[j] {
		return 0
	}
	return (v - s.state.Mean[j]) / s.state.Scale[j]
}

// State returns a copy of the fitted state.
func (s *Scaler) State() (*ScalerState, error) {
	if s.state == nil {
		return nil, ErrNotFitted
	}
	st := *s.state
	st.Features = append([]string(nil), s.state.Features...)
	st.Mean = append([]float64(nil), s.state.Mean...)
	st.Scale = append([]float64(nil), s.state.Scale...)
	st.Degenerate = append([]bool(nil), s.state.Degenerate...)
	return &st, nil
}

// ScalerFromState restores a fitted scaler.
func ScalerFromState(st *ScalerState) (*Scaler, error) {
	if st == nil || len(st.Mean) == 0 {
		return nil, ErrNotFitted
	}
	c := len(st.Mean)
	if len(st.Scale) != c || len(st.Degenerate) != c {
		return nil, fmt.Errorf("restore scaler: inconsistent state (%d means, %d scales, %d flags)",
			c, len(st.Scale), len(st.Degenerate))
	}
	for j, sc := range st.Scale {
		if !st.Degenerate[j] && (sc <= 0 || math.IsNaN(sc)) {
			return nil, fmt.Errorf("restore scaler: invalid scale %g for column %d", sc, j)
		}
	}
	s := &Scaler{Features: st.Features}
	cp := *st
	s.state = &cp
	if len(cp.Features) != c {
		s.state.Features = s.featureNames(c)
	}
	return s, nil
}

func (s *Scaler) featureNames(c int) []string {
	if len(s.Features) == c {
		return append([]string(nil), s.Features...)
	}
	names := make([]string, c)
	for j := range names {
		names[j] = fmt.Sprintf("column_%d", j)
	}
	return names
}
