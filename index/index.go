package index

import (
	"encoding/binary"
	"sort"

	roaring "github.com/RoaringBitmap/roaring"
	bloom "github.com/bits-and-blooms/bloom/v3"
	murmur3 "github.com/spaolacci/murmur3"

	"github.com/TFMV/persona/segment"
)

// Settings tune the customer-id lookup structures.
type Settings struct {
	// BloomFilterFPRate is the desired false-positive rate of the customer
	// membership filter.
	BloomFilterFPRate float64
	// HashBuckets is the number of murmur3 buckets for customer ids. Zero
	// sizes it from the row count.
	HashBuckets int
}

// DefaultSettings are used for zero-valued fields.
var DefaultSettings = Settings{BloomFilterFPRate: 0.01}

// Segments indexes the rows of a labeled customer table. Row ids are
// positions in the slice it was built from. A built index is read-only and
// safe for concurrent use.
type Segments struct {
	rows int

	// persona / cluster -> rows
	personas map[segment.Persona]*roaring.Bitmap
	clusters map[int]*roaring.Bitmap

	// customer id lookup: bloom filter in front of murmur3 buckets
	filter  *bloom.BloomFilter
	buckets [][]uint32
	ids     []int64

	// rows ordered by monetary descending
	byMonetary []uint32
}

// Build indexes assignments.
func Build(assignments []segment.Assignment, settings Settings) *Segments {
	if settings.BloomFilterFPRate <= 0 || settings.BloomFilterFPRate >= 1 {
		settings.BloomFilterFPRate = DefaultSettings.BloomFilterFPRate
	}
	n := len(assignments)
	nb := settings.HashBuckets
	if nb <= 0 {
		nb = n/4 + 1
	}
	capacity := uint(n)
	if capacity == 0 {
		capacity = 1
	}

	s := &Segments{
		rows:       n,
		personas:   make(map[segment.Persona]*roaring.Bitmap),
		clusters:   make(map[int]*roaring.Bitmap),
		filter:     bloom.NewWithEstimates(capacity, settings.BloomFilterFPRate),
		buckets:    make([][]uint32, nb),
		ids:        make([]int64, n),
		byMonetary: make([]uint32, n),
	}
	for i, a := range assignments {
		row := uint32(i)
		bitmapFor(s.personas, a.Persona).Add(row)
		bitmapFor(s.clusters, a.Cluster).Add(row)

		key := idKey(a.CustomerID)
		s.filter.Add(key)
		b := s.bucket(key)
		s.buckets[b] = append(s.buckets[b], row)
		s.ids[i] = a.CustomerID
		s.byMonetary[i] = row
	}
	sort.SliceStable(s.byMonetary, func(i, j int) bool {
		return assignments[s.byMonetary[i]].Monetary > assignments[s.byMonetary[j]].Monetary
	})
	for _, bm := range s.personas {
		bm.RunOptimize()
	}
	return s
}

func bitmapFor[K comparable](m map[K]*roaring.Bitmap, k K) *roaring.Bitmap {
	bm, ok := m[k]
	if !ok {
		bm = roaring.New()
		m[k] = bm
	}
	return bm
}

func idKey(id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func (s *Segments) bucket(key []byte) int {
	return int(murmur3.Sum64(key) % uint64(len(s.buckets)))
}

// Len returns the number of indexed rows.
func (s *Segments) Len() int {
	return s.rows
}

// Persona returns the rows labeled with p, in row order.
func (s *Segments) Persona(p segment.Persona) []uint32 {
	bm, ok := s.personas[p]
	if !ok {
		return nil
	}
	return bm.ToArray()
}

// Cluster returns the rows assigned to cluster c, in row order.
func (s *Segments) Cluster(c int) []uint32 {
	bm, ok := s.clusters[c]
	if !ok {
		return nil
	}
	return bm.ToArray()
}

// Counts returns the number of rows per persona.
func (s *Segments) Counts() map[segment.Persona]uint64 {
	out := make(map[segment.Persona]uint64, len(s.personas))
	for p, bm := range s.personas {
		out[p] = bm.GetCardinality()
	}
	return out
}

// MayContain reports whether id might be indexed. False is definite.
func (s *Segments) MayContain(id int64) bool {
	return s.filter.Test(idKey(id))
}

// Customer returns the row of customer id.
func (s *Segments) Customer(id int64) (uint32, bool) {
	key := idKey(id)
	if !s.filter.Test(key) {
		return 0, false
	}
	for _, row := range s.buckets[s.bucket(key)] {
		if s.ids[row] == id {
			return row, true
		}
	}
	return 0, false
}

// Top returns up to n rows of persona p ordered by monetary value, highest
// first. An empty persona selects every row; n <= 0 returns all matches.
func (s *Segments) Top(p segment.Persona, n int) []uint32 {
	var filter *roaring.Bitmap
	if p != "" {
		var ok bool
		if filter, ok = s.personas[p]; !ok {
			return nil
		}
	}
	var out []uint32
	for _, row := range s.byMonetary {
		if filter != nil && !filter.Contains(row) {
			continue
		}
		out = append(out, row)
		if n > 0 && len(out) == n {
			break
		}
	}
	return out
}
