package segment

import (
	"math"
	"sort"
)

// PersonaSummary is one line of the per-persona overview.
type PersonaSummary struct {
	Persona        Persona `json:"persona"`
	Customers      int     `json:"customers"`
	Recency        float64 `json:"recency"`
	Frequency      float64 `json:"frequency"`
	Monetary       float64 `json:"monetary"`
	Recommendation string  `json:"recommendation"`
}

// Summarize reports customer count and mean R/F/M per persona, means
// rounded to cents, sorted by mean Monetary descending.
func Summarize(assignments []Assignment) []PersonaSummary {
	idx := make(map[Persona]int)
	var out []PersonaSummary
	for _, a := range assignments {
		i, ok := idx[a.Persona]
		if !ok {
			i = len(out)
			idx[a.Persona] = i
			out = append(out, PersonaSummary{Persona: a.Persona, Recommendation: a.Persona.Recommendation()})
		}
		s := &out[i]
		s.Customers++
		s.Recency += float64(a.Recency)
		s.Frequency += float64(a.Frequency)
		s.Monetary += a.Monetary
	}
	for i := range out {
		n := float64(out[i].Customers)
		out[i].Recency = round2(out[i].Recency / n)
		out[i].Frequency = round2(out[i].Frequency / n)
		out[i].Monetary = round2(out[i].Monetary / n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Monetary != out[j].Monetary {
			return out[i].Monetary > out[j].Monetary
		}
		return out[i].Persona < out[j].Persona
	})
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
