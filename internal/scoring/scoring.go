// Package scoring maps a contribution to a points value.
//
// Points are floor(base × quality × reputation × demand). Base points are
// sampled from a kind-specific range when the contribution is recorded and
// stored with the event, so scoring a stored event is a pure function of
// its four factors.
package scoring

import (
	"math"
	"math/rand/v2"
	"strings"
	"sync"
)

// Kind is the type of a contribution.
type Kind string

const (
	KindCreation  Kind = "creation"
	KindMajorEdit Kind = "major_edit"
	KindMinorEdit Kind = "minor_edit"
	KindReview    Kind = "review"
)

// ParseKind normalizes a kind name ("major-edit" and "major_edit" are the same).
// Unknown names are returned as-is and score with the fallback range.
func ParseKind(s string) Kind {
	return Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
}

// Known reports whether k is one of the built-in contribution kinds.
func (k Kind) Known() bool {
	switch k {
	case KindCreation, KindMajorEdit, KindMinorEdit, KindReview:
		return true
	}
	return false
}

// Multiplier bounds.
const (
	MinQuality    = 0.5
	MaxQuality    = 3.0
	MinReputation = 0.8
	MaxReputation = 1.5
	MinDemand     = 1.0
	MaxDemand     = 2.5

	DefaultMultiplier = 1.0
)

// Points returns floor(base × quality × reputation × demand).
// The floor is applied once to the full product.
func Points(base int, quality, reputation, demand float64) int64 {
	p := float64(base) * quality * reputation * demand
	if p <= 0 || math.IsNaN(p) {
		return 0
	}
	return int64(math.Floor(p))
}

// DemandMultiplier averages the demand multipliers of a contribution's topics.
// No topics means 1.0.
func DemandMultiplier(topicMultipliers []float64) float64 {
	if len(topicMultipliers) == 0 {
		return DefaultMultiplier
	}
	var sum float64
	for _, m := range topicMultipliers {
		sum += m
	}
	return sum / float64(len(topicMultipliers))
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Score is the full breakdown of a scored contribution.
type Score struct {
	Kind        Kind    `json:"kind"`
	BasePoints  int     `json:"basePoints"`
	Quality     float64 `json:"qualityMultiplier"`
	Reputation  float64 `json:"reputationMultiplier"`
	Demand      float64 `json:"demandMultiplier"`
	TotalPoints int64   `json:"totalPoints"`
}

// Scorer samples base points and quality using an injected random source.
// Safe for concurrent use.
type Scorer struct {
	policy Policy

	mu  sync.Mutex
	rng *rand.Rand
}

// NewScorer creates a scorer. Pass a seeded source (rand.NewPCG) for
// reproducible sampling; nil uses a randomly seeded source.
func NewScorer(policy Policy, src rand.Source) *Scorer {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Scorer{policy: policy, rng: rand.New(src)}
}

// Policy returns the base point policy in use.
func (s *Scorer) Policy() Policy {
	return s.policy
}

// BasePoints samples uniformly from the inclusive range for kind.
func (s *Scorer) BasePoints(kind Kind) int {
	r := s.policy.RangeFor(kind)
	if r.Max <= r.Min {
		return r.Min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.Min + s.rng.IntN(r.Max-r.Min+1)
}

// SampleQuality draws a quality multiplier uniformly from [MinQuality, MaxQuality].
func (s *Scorer) SampleQuality() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MinQuality + s.rng.Float64()*(MaxQuality-MinQuality)
}

// Score samples base points for kind and combines them with the supplied
// multipliers. A quality of zero is sampled; other values are clamped to
// the quality domain.
func (s *Scorer) Score(kind Kind, quality, reputation, demand float64) Score {
	if quality == 0 {
		quality = s.SampleQuality()
	} else {
		quality = Clamp(quality, MinQuality, MaxQuality)
	}
	base := s.BasePoints(kind)
	return Score{
		Kind:        kind,
		BasePoints:  base,
		Quality:     quality,
		Reputation:  reputation,
		Demand:      demand,
		TotalPoints: Points(base, quality, reputation, demand),
	}
}
