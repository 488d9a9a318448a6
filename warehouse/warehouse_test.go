package warehouse

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/persona/rfm"
	"github.com/TFMV/persona/segment"
	"github.com/TFMV/persona/source"
)

func sample(n int) []segment.Assignment {
	out := make([]segment.Assignment, n)
	for i := range out {
		p := segment.DefaultVocabulary[i%len(segment.DefaultVocabulary)]
		out[i] = segment.Assignment{
			Customer:       rfm.Customer{CustomerID: int64(13000 + i), Recency: int64(i), Frequency: int64(1 + i%7), Monetary: float64(i) * 10.5},
			Cluster:        i % 4,
			Persona:        p,
			Recommendation: p.Recommendation(),
		}
	}
	return out
}

func TestStatementsPostgres(t *testing.T) {
	p := New(nil, source.DriverPostgres, "analytics.customer_segments", nil)
	assert.Contains(t, p.createStatement(), `CREATE TABLE IF NOT EXISTS "analytics"."customer_segments" ("customer_id" BIGINT NOT NULL`)

	p.batchSize = 2
	queries, args, err := p.insertQueries(sample(3))
	require.NoError(t, err)
	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], `INSERT INTO "analytics"."customer_segments"`)
	assert.Contains(t, queries[0], "($1,$2,$3,$4,$5,$6,$7),($8,$9,$10,$11,$12,$13,$14)")
	assert.Len(t, args[0], 14)
	assert.Len(t, args[1], 7)
	assert.Equal(t, int64(13002), args[1][0])
}

func TestStatementsMySQL(t *testing.T) {
	p := New(nil, source.DriverMySQL, "", nil)
	assert.Contains(t, p.createStatement(), "`customer_segments`")

	queries, _, err := p.insertQueries(sample(1))
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], "(?,?,?,?,?,?,?)")

	queries, _, err = p.insertQueries(nil)
	require.NoError(t, err)
	assert.Empty(t, queries)
}

func openDuckDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open(source.DriverDuckDB, "")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPublishReplacesTable(t *testing.T) {
	ctx := context.Background()
	p := New(openDuckDB(t), source.DriverDuckDB, "", nil)
	p.batchSize = 16

	first := sample(40)
	require.NoError(t, p.Publish(ctx, first))
	got, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	second := sample(5)
	require.NoError(t, p.Publish(ctx, second))
	got, err = p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestPublishRollsBack(t *testing.T) {
	ctx := context.Background()
	p := New(openDuckDB(t), source.DriverDuckDB, "", nil)
	require.NoError(t, p.Publish(ctx, sample(3)))

	p.batchSize = 1
	bad := sample(2)
	bad[1].Frequency = 0
	assert.Error(t, p.Publish(ctx, bad), "a customer without invoices violates the table check")

	got, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample(3), got)
}
