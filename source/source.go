// Package source reads raw transaction logs into Arrow batches shaped like
// db.TransactionSchema, whatever backend holds them.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/TFMV/persona/db"
)

// ErrDataSource marks every failure to read the transaction log.
var ErrDataSource = errors.New("data source unreadable")

// DataSourceError reports which source failed and why.
type DataSourceError struct {
	Source string
	Err    error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrDataSource, e.Source, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *DataSourceError) Unwrap() []error {
	return []error{ErrDataSource, e.Err}
}

func wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	var dse *DataSourceError
	if errors.As(err, &dse) {
		return err
	}
	return &DataSourceError{Source: name, Err: err}
}

// Source is the uniform "read all transactions" call. Returned records are
// owned by the caller and must be released.
type Source interface {
	ReadAll(ctx context.Context) ([]arrow.Record, error)
}

// Table adapts an in-memory db.DB to Source.
type Table struct {
	DB *db.DB
}

// ReadAll returns the stored batches.
func (t Table) ReadAll(ctx context.Context) ([]arrow.Record, error) {
	if t.DB == nil {
		return nil, wrap("memory", fmt.Errorf("no transaction table"))
	}
	recs, err := t.DB.ReadAll(ctx)
	if err != nil {
		return nil, wrap("memory", err)
	}
	return recs, nil
}

// Release frees a slice of records returned by a Source.
func Release(recs []arrow.Record) {
	for _, r := range recs {
		if r != nil {
			r.Release()
		}
	}
}
