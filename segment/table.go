package segment

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/persona/rfm"
)

// Column positions in TableSchema.
const (
	ColCustomer = iota
	ColRecency
	ColFrequency
	ColMonetary
	ColCluster
	ColPersona
	ColRecommendation
)

// TableSchema is the Arrow layout of the labeled customer table.
var TableSchema = arrow.NewSchema([]arrow.Field{
	{Name: "customer_id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "recency", Type: arrow.PrimitiveTypes.Int64},
	{Name: "frequency", Type: arrow.PrimitiveTypes.Int64},
	{Name: "monetary", Type: arrow.PrimitiveTypes.Float64},
	{Name: "cluster", Type: arrow.PrimitiveTypes.Int32},
	{Name: "persona", Type: arrow.BinaryTypes.String},
	{Name: "recommended_action", Type: arrow.BinaryTypes.String},
}, nil)

// ToRecord builds a record batch holding the assignments.
func ToRecord(mem memory.Allocator, assignments []Assignment) arrow.Record {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	b := array.NewRecordBuilder(mem, TableSchema)
	defer b.Release()

	ids := b.Field(ColCustomer).(*array.Int64Builder)
	recency := b.Field(ColRecency).(*array.Int64Builder)
	frequency := b.Field(ColFrequency).(*array.Int64Builder)
	monetary := b.Field(ColMonetary).(*array.Float64Builder)
	clusters := b.Field(ColCluster).(*array.Int32Builder)
	personas := b.Field(ColPersona).(*array.StringBuilder)
	actions := b.Field(ColRecommendation).(*array.StringBuilder)

	for _, a := range assignments {
		ids.Append(a.CustomerID)
		recency.Append(a.Recency)
		frequency.Append(a.Frequency)
		monetary.Append(a.Monetary)
		clusters.Append(int32(a.Cluster))
		personas.Append(string(a.Persona))
		actions.Append(a.Recommendation)
	}
	return b.NewRecord()
}

// ValidateRecord checks rec against TableSchema.
func ValidateRecord(rec arrow.Record) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	if !rec.Schema().Equal(TableSchema) {
		return fmt.Errorf("labeled table schema mismatch: got %s", rec.Schema())
	}
	return nil
}

// FromRecord reads assignments back out of a labeled table batch.
func FromRecord(rec arrow.Record) ([]Assignment, error) {
	if err := ValidateRecord(rec); err != nil {
		return nil, err
	}
	ids := rec.Column(ColCustomer).(*array.Int64)
	recency := rec.Column(ColRecency).(*array.Int64)
	frequency := rec.Column(ColFrequency).(*array.Int64)
	monetary := rec.Column(ColMonetary).(*array.Float64)
	clusters := rec.Column(ColCluster).(*array.Int32)
	personas := rec.Column(ColPersona).(*array.String)
	actions := rec.Column(ColRecommendation).(*array.String)

	out := make([]Assignment, rec.NumRows())
	for i := range out {
		if ids.IsNull(i) || clusters.IsNull(i) {
			return nil, fmt.Errorf("row %d: null customer or cluster", i)
		}
		out[i] = Assignment{
			Customer: rfm.Customer{
				CustomerID: ids.Value(i),
				Recency:    recency.Value(i),
				Frequency:  frequency.Value(i),
				Monetary:   monetary.Value(i),
			},
			Cluster:        int(clusters.Value(i)),
			Persona:        Persona(personas.Value(i)),
			Recommendation: actions.Value(i),
		}
	}
	return out, nil
}
