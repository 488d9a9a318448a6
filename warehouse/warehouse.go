// Package warehouse publishes the labeled customer table to a SQL database,
// where reporting tools read it as customer_segments.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/TFMV/persona/segment"
	"github.com/TFMV/persona/source"
)

// DefaultTable is the table reporting tools read.
const DefaultTable = "customer_segments"

var publishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "persona_warehouse_publish_seconds",
	Help:    "Time to replace the published customer table",
	Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
})

func init() {
	prometheus.MustRegister(publishLatency)
}

var columns = []string{"customer_id", "recency", "frequency", "monetary", "cluster", "persona", "recommended_action"}

// Publisher replaces a SQL table with the labeled table.
type Publisher struct {
	db        *sql.DB
	driver    string
	table     string
	batchSize int
	logger    *zap.Logger
}

// New wraps an open pool. driver is one of the source.Driver* names and
// table may be schema-qualified; empty means DefaultTable.
func New(conn *sql.DB, driver, table string, logger *zap.Logger) *Publisher {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		db:        conn,
		driver:    driver,
		table:     table,
		batchSize: 500,
		logger:    logger.Named("warehouse"),
	}
}

// Open connects to a URL-style DSN (see source.ParseDSN).
func Open(dsn, table string, logger *zap.Logger) (*Publisher, error) {
	conn, driver, err := source.OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	return New(conn, driver, table, logger), nil
}

// Close closes the underlying pool.
func (p *Publisher) Close() error {
	return p.db.Close()
}

func (p *Publisher) builder() sq.StatementBuilderType {
	if p.driver == source.DriverPostgres {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

func (p *Publisher) quoted() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = source.QuoteIdent(p.driver, c)
	}
	return out
}

func (p *Publisher) createStatement() string {
	types := []string{"BIGINT NOT NULL", "BIGINT NOT NULL", "BIGINT NOT NULL", "DOUBLE PRECISION NOT NULL", "INTEGER NOT NULL", "VARCHAR(64) NOT NULL", "VARCHAR(255) NOT NULL"}
	defs := make([]string, len(columns))
	for i, c := range p.quoted() {
		defs[i] = c + " " + types[i]
	}
	defs = append(defs, fmt.Sprintf("CHECK (%s > 0)", source.QuoteIdent(p.driver, "frequency")))
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		source.QuoteTable(p.driver, p.table), strings.Join(defs, ", "))
}

func (p *Publisher) insertQueries(assignments []segment.Assignment) ([]string, [][]interface{}, error) {
	var (
		queries []string
		args    [][]interface{}
	)
	for start := 0; start < len(assignments); start += p.batchSize {
		end := min(start+p.batchSize, len(assignments))
		q := p.builder().Insert(source.QuoteTable(p.driver, p.table)).Columns(p.quoted()...)
		for _, a := range assignments[start:end] {
			q = q.Values(a.CustomerID, a.Recency, a.Frequency, a.Monetary, a.Cluster, string(a.Persona), a.Recommendation)
		}
		query, qargs, err := q.ToSql()
		if err != nil {
			return nil, nil, fmt.Errorf("build insert: %w", err)
		}
		queries = append(queries, query)
		args = append(args, qargs)
	}
	return queries, args, nil
}

// Publish replaces the table contents with assignments in one transaction.
// The table is created on first use. Readers see either the previous table
// or the new one.
func (p *Publisher) Publish(ctx context.Context, assignments []segment.Assignment) (err error) {
	start := time.Now()
	defer func() {
		if err == nil {
			publishLatency.Observe(time.Since(start).Seconds())
		}
	}()

	queries, args, err := p.insertQueries(assignments)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, p.createStatement()); err != nil {
		return fmt.Errorf("create %s: %w", p.table, err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				p.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()

	del, delArgs, err := p.builder().Delete(source.QuoteTable(p.driver, p.table)).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err = tx.ExecContext(ctx, del, delArgs...); err != nil {
		return fmt.Errorf("clear %s: %w", p.table, err)
	}
	for i, q := range queries {
		if _, err = tx.ExecContext(ctx, q, args[i]...); err != nil {
			return fmt.Errorf("insert batch %d: %w", i, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	p.logger.Info("published customer table",
		zap.String("table", p.table),
		zap.Int("rows", len(assignments)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Load reads the published table back, ordered by customer id.
func (p *Publisher) Load(ctx context.Context) ([]segment.Assignment, error) {
	query, args, err := p.builder().
		Select(p.quoted()...).
		From(source.QuoteTable(p.driver, p.table)).
		OrderBy(source.QuoteIdent(p.driver, "customer_id")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", p.table, err)
	}
	defer rows.Close()

	var out []segment.Assignment
	for rows.Next() {
		var (
			a       segment.Assignment
			persona string
		)
		if err := rows.Scan(&a.CustomerID, &a.Recency, &a.Frequency, &a.Monetary, &a.Cluster, &persona, &a.Recommendation); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		a.Persona = segment.Persona(persona)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return out, nil
}
