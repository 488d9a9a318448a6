// Package rfm turns a raw transaction log into one Recency/Frequency/Monetary
// record per customer.
package rfm

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"gonum.org/v1/gonum/mat"

	"github.com/TFMV/persona/db"
)

// ErrNoTransactions is returned when no transaction survives filtering.
var ErrNoTransactions = errors.New("no qualifying transactions")

// FeatureNames lists the feature columns in matrix order.
var FeatureNames = []string{"recency", "frequency", "monetary"}

const secondsPerDay = int64(24 * time.Hour / time.Second)

// Metrics is an RFM triple. Classifier input is expressed with it.
type Metrics struct {
	Recency   float64 `json:"recency"`
	Frequency float64 `json:"frequency"`
	Monetary  float64 `json:"monetary"`
}

// Vector returns the triple in FeatureNames order.
func (m Metrics) Vector() []float64 {
	return []float64{m.Recency, m.Frequency, m.Monetary}
}

// Customer is the aggregated RFM record of one customer.
type Customer struct {
	CustomerID int64   `json:"customer_id"`
	Recency    int64   `json:"recency"`   // whole days between the snapshot and the last purchase
	Frequency  int64   `json:"frequency"` // distinct invoices
	Monetary   float64 `json:"monetary"`  // sum of quantity x unit price
}

// Metrics returns the customer's triple as floats.
func (c Customer) Metrics() Metrics {
	return Metrics{
		Recency:   float64(c.Recency),
		Frequency: float64(c.Frequency),
		Monetary:  c.Monetary,
	}
}

// Summary reports what the aggregator kept and dropped.
type Summary struct {
	Rows                int64
	Kept                int64
	MissingCustomer     int64
	NonPositiveQuantity int64
	Customers           int
	Snapshot            time.Time
}

type accumulator struct {
	last     int64
	monetary float64
	invoices *roaring.Bitmap
}

// Aggregate computes one RFM record per customer from transaction batches
// shaped like db.TransactionSchema. Rows without a customer or with a
// non-positive quantity are dropped. The snapshot date is one day after the
// latest kept timestamp. Output is sorted by customer id.
func Aggregate(records []arrow.Record) ([]Customer, Summary, error) {
	var (
		summary  Summary
		maxTS    int64
		seen     bool
		dict     = make(map[string]uint32)
		byCustID = make(map[int64]*accumulator)
	)

	for n, rec := range records {
		if err := db.ValidateRecord(rec); err != nil {
			return nil, summary, fmt.Errorf("batch %d: %w", n, err)
		}
		invoices := rec.Column(db.ColInvoice).(*array.String)
		customers := rec.Column(db.ColCustomer).(*array.Int64)
		qty := rec.Column(db.ColQuantity).(*array.Int64)
		prices := rec.Column(db.ColUnitPrice).(*array.Float64)
		stamps := rec.Column(db.ColTimestamp).(*array.Timestamp)

		for i := 0; i < int(rec.NumRows()); i++ {
			summary.Rows++
			if customers.IsNull(i) {
				summary.MissingCustomer++
				continue
			}
			if qty.IsNull(i) || qty.Value(i) <= 0 {
				summary.NonPositiveQuantity++
				continue
			}
			summary.Kept++

			id := customers.Value(i)
			ts := int64(stamps.Value(i))
			total := float64(qty.Value(i)) * prices.Value(i)

			acc, ok := byCustID[id]
			if !ok {
				acc = &accumulator{last: ts, invoices: roaring.New()}
				byCustID[id] = acc
			}
			if ts > acc.last {
				acc.last = ts
			}
			acc.monetary += total
			acc.invoices.Add(intern(dict, invoices.Value(i)))

			if !seen || ts > maxTS {
				maxTS = ts
				seen = true
			}
		}
	}

	if summary.Kept == 0 {
		return nil, summary, ErrNoTransactions
	}

	snapshot := maxTS + secondsPerDay
	summary.Snapshot = time.Unix(snapshot, 0).UTC()

	out := make([]Customer, 0, len(byCustID))
	for id, acc := range byCustID {
		out = append(out, Customer{
			CustomerID: id,
			Recency:    (snapshot - acc.last) / secondsPerDay,
			Frequency:  int64(acc.invoices.GetCardinality()),
			Monetary:   acc.monetary,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerID < out[j].CustomerID })
	summary.Customers = len(out)
	return out, summary, nil
}

// intern maps an invoice id to a dense uint32 so it can live in a bitmap.
func intern(dict map[string]uint32, invoice string) uint32 {
	if id, ok := dict[invoice]; ok {
		return id
	}
	id := uint32(len(dict))
	dict[invoice] = id
	return id
}

// Matrix lays the customers out as an n x 3 feature matrix.
func Matrix(customers []Customer) *mat.Dense {
	data := make([]float64, 0, len(customers)*len(FeatureNames))
	for _, c := range customers {
		data = append(data, float64(c.Recency), float64(c.Frequency), c.Monetary)
	}
	if len(customers) == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(len(customers), len(FeatureNames), data)
}
