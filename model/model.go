// Package model holds the numeric half of the segmentation pipeline: a
// per-feature standard scaler and a seeded k-means clusterer. Both expose
// their fitted state as plain structs so it can be persisted and restored
// for inference.
package model

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNotFitted is returned by transform and predict calls made before a
	// successful fit or restore.
	ErrNotFitted = errors.New("model not fitted")

	// ErrDegenerateFeature marks a feature column without variance.
	ErrDegenerateFeature = errors.New("degenerate feature")
)

// DegenerateFeatureError reports a zero-variance column found by a strict
// scaler.
type DegenerateFeatureError struct {
	Column  int
	Feature string
	Value   float64 // the constant the column holds
}

func (e *DegenerateFeatureError) Error() string {
	return fmt.Sprintf("feature %q (column %d) has zero variance, constant %g", e.Feature, e.Column, e.Value)
}

// Is lets errors.Is match ErrDegenerateFeature.
func (e *DegenerateFeatureError) Is(target error) bool {
	return target == ErrDegenerateFeature
}

// rows copies a matrix into row slices.
func rows(x mat.Matrix) [][]float64 {
	r, _ := x.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, x)
	}
	return out
}

func dims(x mat.Matrix) (int, int) {
	if x == nil {
		return 0, 0
	}
	if d, ok := x.(*mat.Dense); ok && d.IsEmpty() {
		return 0, 0
	}
	return x.Dims()
}
