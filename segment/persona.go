// Package segment turns opaque cluster ids into ranked personas.
//
// Cluster ids produced by k-means carry no meaning and change between fits,
// so the persona of a cluster is always derived from the current data: the
// clusters are ordered by mean Monetary value and the ranked vocabulary is
// laid over that order.
package segment

import (
	"errors"
	"strings"
)

// Persona names a customer segment.
type Persona string

// The built-in personas, from most to least valuable.
const (
	Whales    Persona = "Whales"
	HighValue Persona = "High-value"
	Loyal     Persona = "loyal"
	Regular   Persona = "Regular"
	AtRisk    Persona = "at-risk"
)

// DefaultRecommendation is returned for personas without a dedicated action.
const DefaultRecommendation = "No recommendation available."

// ErrUnmappedPersona is returned when there are more clusters than persona
// names to give them.
var ErrUnmappedPersona = errors.New("cluster has no persona name")

// DefaultVocabulary is the ranked persona list, most valuable first.
var DefaultVocabulary = Vocabulary{Whales, HighValue, Loyal, Regular, AtRisk}

// Vocabulary is a ranked list of persona names, most valuable first.
type Vocabulary []Persona

// Names returns the persona names in rank order.
func (v Vocabulary) Names() []string {
	out := make([]string, len(v))
	for i, p := range v {
		out[i] = string(p)
	}
	return out
}

// ParseVocabulary builds a vocabulary from names, rejecting blanks and
// duplicates.
func ParseVocabulary(names []string) (Vocabulary, error) {
	if len(names) == 0 {
		return nil, errors.New("empty persona vocabulary")
	}
	seen := make(map[Persona]bool, len(names))
	v := make(Vocabulary, 0, len(names))
	for _, n := range names {
		p := Normalize(n)
		if p == "" {
			return nil, errors.New("blank persona name")
		}
		if seen[p] {
			return nil, errors.New("duplicate persona name " + string(p))
		}
		seen[p] = true
		v = append(v, p)
	}
	return v, nil
}

// Recommendation returns the action suggested for the persona.
func (p Persona) Recommendation() string {
	switch p {
	case Whales:
		return "Exclusive offers and premium services"
	case HighValue:
		return "Loyalty programs and personalized discounts"
	case Loyal:
		return "Engagement campaigns and rewards"
	case Regular:
		return "Send targeted promotions to increase engagement"
	case AtRisk:
		return "Re-engagement campaigns and special offers"
	default:
		return DefaultRecommendation
	}
}

func (p Persona) String() string {
	return string(p)
}

// Normalize maps user input onto a built-in persona when it matches one
// case-insensitively; any other name is returned trimmed.
func Normalize(name string) Persona {
	name = strings.TrimSpace(name)
	for _, p := range DefaultVocabulary {
		if strings.EqualFold(name, string(p)) {
			return p
		}
	}
	return Persona(name)
}

// Slug renders the persona for use in file names.
func (p Persona) Slug() string {
	s := strings.TrimSpace(string(p))
	return strings.NewReplacer(" ", "-", "/", "-", "\\", "-").Replace(s)
}

// Tier groups personas by value for display: "high" for Whales and
// High-value, "medium" for loyal and Regular, "low" otherwise.
func (p Persona) Tier() string {
	switch p {
	case Whales, HighValue:
		return "high"
	case Loyal, Regular:
		return "medium"
	default:
		return "low"
	}
}
