package db

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Transaction is one invoice line. A nil CustomerID means the customer is unknown.
type Transaction struct {
	InvoiceID  string
	CustomerID *int64
	Quantity   int64
	UnitPrice  float64
	Timestamp  time.Time
}

// Customer returns a pointer to id, for building Transaction literals.
func Customer(id int64) *int64 {
	return &id
}

// TransactionBuilder accumulates rows into a transaction record batch.
type TransactionBuilder struct {
	b         *array.RecordBuilder
	invoices  *array.StringBuilder
	customers *array.Int64Builder
	qty       *array.Int64Builder
	prices    *array.Float64Builder
	stamps    *array.TimestampBuilder
}

// NewTransactionBuilder creates a builder over TransactionSchema.
func NewTransactionBuilder(mem memory.Allocator) *TransactionBuilder {
	if mem == nil {
		mem = Pool
	}
	b := array.NewRecordBuilder(mem, TransactionSchema)
	return &TransactionBuilder{
		b:         b,
		invoices:  b.Field(ColInvoice).(*array.StringBuilder),
		customers: b.Field(ColCustomer).(*array.Int64Builder),
		qty:       b.Field(ColQuantity).(*array.Int64Builder),
		prices:    b.Field(ColUnitPrice).(*array.Float64Builder),
		stamps:    b.Field(ColTimestamp).(*array.TimestampBuilder),
	}
}

// Append adds one transaction row.
func (tb *TransactionBuilder) Append(tx Transaction) {
	tb.invoices.Append(tx.InvoiceID)
	if tx.CustomerID == nil {
		tb.customers.AppendNull()
	} else {
		tb.customers.Append(*tx.CustomerID)
	}
	tb.qty.Append(tx.Quantity)
	tb.prices.Append(tx.UnitPrice)
	tb.stamps.Append(arrow.Timestamp(tx.Timestamp.Unix()))
}

// Len returns the number of rows appended since the last NewRecord.
func (tb *TransactionBuilder) Len() int {
	return tb.invoices.Len()
}

// NewRecord finishes the current batch and resets the builder.
func (tb *TransactionBuilder) NewRecord() arrow.Record {
	return tb.b.NewRecord()
}

// Release frees the builder buffers.
func (tb *TransactionBuilder) Release() {
	tb.b.Release()
}

// NewRecord builds a single transaction batch from txs.
func NewRecord(mem memory.Allocator, txs []Transaction) arrow.Record {
	tb := NewTransactionBuilder(mem)
	defer tb.Release()
	for _, tx := range txs {
		tb.Append(tx)
	}
	return tb.NewRecord()
}
