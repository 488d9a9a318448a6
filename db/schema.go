package db

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Pool is the Go memory allocator used by Arrow.
var Pool = memory.NewGoAllocator()

// Column positions in TransactionSchema.
const (
	ColInvoice = iota
	ColCustomer
	ColQuantity
	ColUnitPrice
	ColTimestamp
)

// TransactionSchema defines the schema for the transactions table.
// customer_id is nullable; a null marks a transaction without a known customer.
var TransactionSchema = arrow.NewSchema([]arrow.Field{
	{Name: "invoice_id", Type: arrow.BinaryTypes.String},
	{Name: "customer_id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "quantity", Type: arrow.PrimitiveTypes.Int64},
	{Name: "unit_price", Type: arrow.PrimitiveTypes.Float64},
	{Name: "timestamp", Type: arrow.FixedWidthTypes.Timestamp_s},
}, nil)

// ValidateRecord checks that a record batch carries the transaction columns
// in the expected order and with the expected types. Only customer_id may
// hold nulls, whatever nullability the batch's own schema declares.
func ValidateRecord(rec arrow.Record) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	got := rec.Schema()
	if got.NumFields() != TransactionSchema.NumFields() {
		return fmt.Errorf("expected %d columns, got %d", TransactionSchema.NumFields(), got.NumFields())
	}
	for i, want := range TransactionSchema.Fields() {
		f := got.Field(i)
		if f.Name != want.Name {
			return fmt.Errorf("column %d: expected %q, got %q", i, want.Name, f.Name)
		}
		if !arrow.TypeEqual(f.Type, want.Type) {
			return fmt.Errorf("column %q: expected type %s, got %s", f.Name, want.Type, f.Type)
		}
		if !want.Nullable {
			if n := rec.Column(i).NullN(); n > 0 {
				return fmt.Errorf("column %q: %d null values", f.Name, n)
			}
		}
	}
	return nil
}
