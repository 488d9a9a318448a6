package segment

import (
	"fmt"
	"sort"

	"github.com/TFMV/persona/rfm"
)

// Profile is the mean RFM profile of one cluster.
type Profile struct {
	Cluster   int     `json:"cluster"`
	Customers int     `json:"customers"`
	Recency   float64 `json:"recency"`
	Frequency float64 `json:"frequency"`
	Monetary  float64 `json:"monetary"`
}

// Assignment is one row of the labeled customer table.
type Assignment struct {
	rfm.Customer
	Cluster        int     `json:"cluster"`
	Persona        Persona `json:"persona"`
	Recommendation string  `json:"recommended_action"`
}

// Ranking maps cluster ids to personas for one fit.
type Ranking struct {
	// Order lists cluster ids from most to least valuable.
	Order     []int
	ByCluster map[int]Persona
}

// Persona returns the persona ranked for cluster.
func (r Ranking) Persona(cluster int) (Persona, bool) {
	p, ok := r.ByCluster[cluster]
	return p, ok
}

// Profiles computes the mean R/F/M of each of k clusters. labels[i] is the
// cluster of customers[i]. Clusters without members get a zero profile.
func Profiles(customers []rfm.Customer, labels []int, k int) ([]Profile, error) {
	if len(customers) != len(labels) {
		return nil, fmt.Errorf("profiles: %d customers but %d labels", len(customers), len(labels))
	}
	if k < 1 {
		return nil, fmt.Errorf("profiles: k must be positive, got %d", k)
	}
	out := make([]Profile, k)
	for c := range out {
		out[c].Cluster = c
	}
	for i, cust := range customers {
		c := labels[i]
		if c < 0 || c >= k {
			return nil, fmt.Errorf("profiles: customer %d has cluster %d outside [0,%d)", cust.CustomerID, c, k)
		}
		out[c].Customers++
		out[c].Recency += float64(cust.Recency)
		out[c].Frequency += float64(cust.Frequency)
		out[c].Monetary += cust.Monetary
	}
	for c := range out {
		if n := float64(out[c].Customers); n > 0 {
			out[c].Recency /= n
			out[c].Frequency /= n
			out[c].Monetary /= n
		}
	}
	return out, nil
}

// Rank orders clusters by mean Monetary, highest first, and names them from
// vocab in that order. Ties go to the lower cluster id; clusters without
// members rank last. More clusters than names fails with ErrUnmappedPersona.
func Rank(profiles []Profile, vocab Vocabulary) (Ranking, error) {
	if len(vocab) == 0 {
		vocab = DefaultVocabulary
	}
	if len(profiles) > len(vocab) {
		return Ranking{}, fmt.Errorf("%w: %d clusters, %d persona names", ErrUnmappedPersona, len(profiles), len(vocab))
	}

	ordered := append([]Profile(nil), profiles...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if (a.Customers == 0) != (b.Customers == 0) {
			return b.Customers == 0
		}
		if a.Monetary != b.Monetary {
			return a.Monetary > b.Monetary
		}
		return a.Cluster < b.Cluster
	})

	r := Ranking{
		Order:     make([]int, len(ordered)),
		ByCluster: make(map[int]Persona, len(ordered)),
	}
	for i, p := range ordered {
		r.Order[i] = p.Cluster
		r.ByCluster[p.Cluster] = vocab[i]
	}
	return r, nil
}

// Label profiles and ranks the clusters of one fit and returns the labeled
// customer table in the order of customers.
func Label(customers []rfm.Customer, labels []int, k int, vocab Vocabulary) ([]Assignment, Ranking, []Profile, error) {
	profiles, err := Profiles(customers, labels, k)
	if err != nil {
		return nil, Ranking{}, nil, err
	}
	ranking, err := Rank(profiles, vocab)
	if err != nil {
		return nil, Ranking{}, nil, err
	}
	out := make([]Assignment, len(customers))
	for i, c := range customers {
		p := ranking.ByCluster[labels[i]]
		out[i] = Assignment{
			Customer:       c,
			Cluster:        labels[i],
			Persona:        p,
			Recommendation: p.Recommendation(),
		}
	}
	return out, ranking, profiles, nil
}

// Relabel recomputes profiles and ranking from a stored table, using the
// clusters recorded in it.
func Relabel(assignments []Assignment, k int, vocab Vocabulary) ([]Profile, Ranking, error) {
	customers := make([]rfm.Customer, len(assignments))
	labels := make([]int, len(assignments))
	for i, a := range assignments {
		customers[i] = a.Customer
		labels[i] = a.Cluster
	}
	profiles, err := Profiles(customers, labels, k)
	if err != nil {
		return nil, Ranking{}, err
	}
	ranking, err := Rank(profiles, vocab)
	if err != nil {
		return nil, Ranking{}, err
	}
	return profiles, ranking, nil
}

// Filter returns the assignments labeled with persona.
func Filter(assignments []Assignment, persona Persona) []Assignment {
	var out []Assignment
	for _, a := range assignments {
		if a.Persona == persona {
			out = append(out, a)
		}
	}
	return out
}
