package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"

	"github.com/TFMV/persona/db"
)

// RetailSchema is the column layout of the Online Retail II export.
var RetailSchema = arrow.NewSchema([]arrow.Field{
	{Name: "Invoice", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "StockCode", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "Description", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "Quantity", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "InvoiceDate", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "Price", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "Customer ID", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "Country", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

const (
	retailInvoice  = 0
	retailQuantity = 3
	retailDate     = 4
	retailPrice    = 5
	retailCustomer = 6
)

// DefaultTimeLayouts covers the date formats seen in the retail exports.
var DefaultTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"1/2/2006 15:04",
	"01/02/2006 15:04",
	time.RFC3339,
}

// CSVSource reads an Online Retail II style CSV file.
type CSVSource struct {
	Path        string
	Comma       rune
	ChunkSize   int
	TimeLayouts []string
	Mem         memory.Allocator
	Logger      *zap.Logger
}

// NewCSVSource returns a CSV source with default options.
func NewCSVSource(path string, logger *zap.Logger) *CSVSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVSource{
		Path:        path,
		Comma:       ',',
		ChunkSize:   10000,
		TimeLayouts: DefaultTimeLayouts,
		Mem:         db.Pool,
		Logger:      logger,
	}
}

// ReadAll opens the file and converts it to transaction batches.
func (s *CSVSource) ReadAll(ctx context.Context) ([]arrow.Record, error) {
	name := "csv:" + s.Path
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, wrap(name, err)
	}
	defer f.Close()

	recs, err := s.read(ctx, f)
	if err != nil {
		return nil, wrap(name, err)
	}
	return recs, nil
}

func (s *CSVSource) read(ctx context.Context, r io.Reader) ([]arrow.Record, error) {
	comma := s.Comma
	if comma == 0 {
		comma = ','
	}
	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = 10000
	}
	layouts := s.TimeLayouts
	if len(layouts) == 0 {
		layouts = DefaultTimeLayouts
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mem := s.Mem
	if mem == nil {
		mem = db.Pool
	}

	reader := csv.NewReader(r, RetailSchema,
		csv.WithHeader(true),
		csv.WithComma(comma),
		csv.WithChunk(chunk),
		csv.WithNullReader(true, ""),
		csv.WithAllocator(mem),
	)
	defer reader.Release()

	var (
		out       []arrow.Record
		skipped   int
		rowsTotal int
	)
	for reader.Next() {
		if err := ctx.Err(); err != nil {
			Release(out)
			return nil, err
		}
		raw := reader.Record()
		rec, bad := convertRetail(mem, raw, layouts)
		rowsTotal += int(raw.NumRows())
		skipped += bad
		out = append(out, rec)
	}
	if err := reader.Err(); err != nil {
		Release(out)
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if skipped > 0 {
		logger.Warn("skipped rows with unparseable invoice dates or missing prices",
			zap.Int("skipped", skipped), zap.Int("rows", rowsTotal))
	}
	return out, nil
}

// convertRetail maps one raw retail chunk onto db.TransactionSchema. Rows
// whose date cannot be parsed or whose price is empty are dropped and counted.
func convertRetail(mem memory.Allocator, raw arrow.Record, layouts []string) (arrow.Record, int) {
	invoices := raw.Column(retailInvoice).(*array.String)
	qty := raw.Column(retailQuantity).(*array.Int64)
	dates := raw.Column(retailDate).(*array.String)
	prices := raw.Column(retailPrice).(*array.Float64)
	customers := raw.Column(retailCustomer).(*array.Float64)

	tb := db.NewTransactionBuilder(mem)
	defer tb.Release()

	bad := 0
	for i := 0; i < int(raw.NumRows()); i++ {
		if dates.IsNull(i) || prices.IsNull(i) {
			bad++
			continue
		}
		ts, ok := parseTime(dates.Value(i), layouts)
		if !ok {
			bad++
			continue
		}
		tx := db.Transaction{Timestamp: ts}
		if !invoices.IsNull(i) {
			tx.InvoiceID = strings.TrimSpace(invoices.Value(i))
		}
		if !customers.IsNull(i) {
			tx.CustomerID = db.Customer(int64(customers.Value(i)))
		}
		if !qty.IsNull(i) {
			tx.Quantity = qty.Value(i)
		}
		tx.UnitPrice = prices.Value(i)
		tb.Append(tx)
	}
	return tb.NewRecord(), bad
}

func parseTime(v string, layouts []string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
