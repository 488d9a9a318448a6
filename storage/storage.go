// Package storage persists the artifacts of a segmentation run: the fitted
// scaler, the fitted clusterer and the labeled customer table.
//
// Every backend replaces all three artifacts at once. A reader sees either
// the previous run or the new one, never a mix.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/TFMV/persona/model"
	"github.com/TFMV/persona/segment"
)

// Artifact keys.
const (
	KeyScaler    = "scaler-state"
	KeyClusterer = "clusterer-state"
	KeyTable     = "labeled-customer-table"

	keyManifest = "manifest"
)

// Keys lists the artifact keys in write order.
var Keys = []string{KeyScaler, KeyClusterer, KeyTable}

// ErrArtifactNotFound is returned by Load when an artifact has never been
// written.
var ErrArtifactNotFound = errors.New("artifact not found")

// Store is a model store backend.
type Store interface {
	// Save replaces the stored artifacts.
	Save(ctx context.Context, a *Artifacts) error
	// Load returns the most recently saved artifacts.
	Load(ctx context.Context) (*Artifacts, error)
	Close() error
}

// Manifest describes one saved generation of artifacts.
type Manifest struct {
	Generation string    `json:"generation"`
	CreatedAt  time.Time `json:"created_at"`
	Customers  int64     `json:"customers"`
	K          int       `json:"k"`
	Snapshot   time.Time `json:"snapshot"`
	// Personas is the ranked vocabulary the table was labeled with.
	Personas []string `json:"personas,omitempty"`
}

// Artifacts is the output of one pipeline run.
type Artifacts struct {
	Scaler    *model.ScalerState
	Clusterer *model.KMeansState
	// Table holds the labeled customers in segment.TableSchema.
	Table    arrow.Record
	Manifest Manifest
}

// Release frees the table.
func (a *Artifacts) Release() {
	if a != nil && a.Table != nil {
		a.Table.Release()
		a.Table = nil
	}
}

// Assignments decodes the labeled table.
func (a *Artifacts) Assignments() ([]segment.Assignment, error) {
	return segment.FromRecord(a.Table)
}

// validate checks that a is complete and stamps its manifest.
func (a *Artifacts) validate() error {
	if a == nil {
		return errors.New("nil artifacts")
	}
	if a.Scaler == nil {
		return fmt.Errorf("missing %s", KeyScaler)
	}
	if a.Clusterer == nil {
		return fmt.Errorf("missing %s", KeyClusterer)
	}
	if err := segment.ValidateRecord(a.Table); err != nil {
		return fmt.Errorf("%s: %w", KeyTable, err)
	}
	now := time.Now().UTC()
	a.Manifest.CreatedAt = now
	a.Manifest.Generation = strconv.FormatInt(now.UnixNano(), 10)
	a.Manifest.Customers = a.Table.NumRows()
	a.Manifest.K = a.Clusterer.K
	return nil
}

func notFound(key string) error {
	return fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
}
