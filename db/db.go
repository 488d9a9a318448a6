// Package db implements an in‐memory embedded table of Arrow transaction records.
package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/prometheus/client_golang/prometheus"
)

// ---------------------------------------------------------------------
// Prometheus Metrics
// ---------------------------------------------------------------------

var (
	ingestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "persona_ingest_latency_seconds",
		Help: "Transaction ingest latency distribution",
	})
	ingestedRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "persona_ingested_rows_total",
		Help: "Transaction rows ingested into the in-memory table",
	})
)

func init() {
	prometheus.MustRegister(ingestLatency, ingestedRows)
}

// ---------------------------------------------------------------------
// DB: The In-Memory Transaction Table
// ---------------------------------------------------------------------

// DB holds ingested transaction batches. It is safe for concurrent use.
type DB struct {
	mu      sync.RWMutex
	records []arrow.Record
	rows    int64
	closed  bool
}

// NewDB initializes an empty DB.
func NewDB() *DB {
	return &DB{records: make([]arrow.Record, 0)}
}

// Ingest validates a transaction batch and appends it. The DB retains the
// record; callers keep ownership of their own reference.
func (db *DB) Ingest(record arrow.Record) error {
	if err := ValidateRecord(record); err != nil {
		return fmt.Errorf("invalid transaction batch: %w", err)
	}
	start := time.Now()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return fmt.Errorf("db closed")
	}
	record.Retain()
	db.records = append(db.records, record)
	db.rows += record.NumRows()

	ingestedRows.Add(float64(record.NumRows()))
	ingestLatency.Observe(time.Since(start).Seconds())
	return nil
}

// ReadAll returns every stored batch. Each returned record is retained for
// the caller, who must release it.
func (db *DB) ReadAll(ctx context.Context) ([]arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, fmt.Errorf("db closed")
	}
	out := make([]arrow.Record, len(db.records))
	for i, rec := range db.records {
		rec.Retain()
		out[i] = rec
	}
	return out, nil
}

// NumRows returns the total number of stored transaction rows.
func (db *DB) NumRows() int64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.rows
}

// Reset drops all stored batches.
func (db *DB) Reset() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.release()
}

// Close releases all records held by the DB.
func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.release()
	db.closed = true
}

func (db *DB) release() {
	for _, record := range db.records {
		record.Release()
	}
	db.records = nil
	db.rows = 0
}
