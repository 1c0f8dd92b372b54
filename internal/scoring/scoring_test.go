package scoring

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoints(t *testing.T) {
	tests := []struct {
		name       string
		base       int
		q, r, d    float64
		wantPoints int64
	}{
		{"all neutral", 100, 1, 1, 1, 100},
		{"floor once at end", 10, 1.5, 1.5, 1.5, 33},            // 33.75
		{"per-factor floor would differ", 7, 1.9, 1.3, 1.1, 19}, // 19.019
		{"max multipliers", 200, 3.0, 1.5, 2.5, 2250},
		{"min multipliers", 5, 0.5, 0.8, 1.0, 2},
		{"zero base", 0, 2, 1, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Points(tt.base, tt.q, tt.r, tt.d)
			if got != tt.wantPoints {
				t.Errorf("Points(%d, %v, %v, %v) = %d, want %d", tt.base, tt.q, tt.r, tt.d, got, tt.wantPoints)
			}
			// Pure: identical inputs, identical output.
			if again := Points(tt.base, tt.q, tt.r, tt.d); again != got {
				t.Errorf("Points not deterministic: %d then %d", got, again)
			}
		})
	}
}

func TestDemandMultiplier(t *testing.T) {
	assert.Equal(t, 1.0, DemandMultiplier(nil))
	assert.Equal(t, 1.0, DemandMultiplier([]float64{}))
	assert.Equal(t, 2.0, DemandMultiplier([]float64{2.0}))
	assert.InDelta(t, 1.75, DemandMultiplier([]float64{1.0, 2.5}), 1e-9)
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindMajorEdit, ParseKind("major-edit"))
	assert.Equal(t, KindMajorEdit, ParseKind(" Major_Edit "))
	assert.Equal(t, KindCreation, ParseKind("creation"))
	assert.False(t, ParseKind("translation").Known())
	assert.True(t, KindReview.Known())
}

func TestScorer_BasePointsWithinRange(t *testing.T) {
	s := NewScorer(DefaultPolicy(), rand.NewPCG(1, 2))
	for _, kind := range []Kind{KindCreation, KindMajorEdit, KindMinorEdit, KindReview, "translation"} {
		r := DefaultPolicy().RangeFor(kind)
		for i := 0; i < 500; i++ {
			b := s.BasePoints(kind)
			require.GreaterOrEqual(t, b, r.Min, "kind %s", kind)
			require.LessOrEqual(t, b, r.Max, "kind %s", kind)
		}
	}
}

func TestScorer_FallbackForUnknownKind(t *testing.T) {
	s := NewScorer(DefaultPolicy(), rand.NewPCG(7, 7))
	for i := 0; i < 100; i++ {
		b := s.BasePoints("translation")
		assert.True(t, b >= 10 && b <= 20, "fallback base %d out of [10,20]", b)
	}
}

func TestScorer_SeededIsReproducible(t *testing.T) {
	a := NewScorer(DefaultPolicy(), rand.NewPCG(42, 99))
	b := NewScorer(DefaultPolicy(), rand.NewPCG(42, 99))

	for i := 0; i < 50; i++ {
		sa := a.Score(KindCreation, 0, 1.2, 1.5)
		sb := b.Score(KindCreation, 0, 1.2, 1.5)
		require.Equal(t, sa, sb)
	}
}

func TestScorer_Score(t *testing.T) {
	s := NewScorer(DefaultPolicy(), rand.NewPCG(3, 4))

	sc := s.Score(KindReview, 2.0, 1.1, 1.5)
	assert.Equal(t, 2.0, sc.Quality)
	assert.Equal(t, Points(sc.BasePoints, 2.0, 1.1, 1.5), sc.TotalPoints)

	clamped := s.Score(KindReview, 9.0, 1.0, 1.0)
	assert.Equal(t, MaxQuality, clamped.Quality)

	sampled := s.Score(KindMinorEdit, 0, 1.0, 1.0)
	assert.GreaterOrEqual(t, sampled.Quality, MinQuality)
	assert.LessOrEqual(t, sampled.Quality, MaxQuality)
	assert.Equal(t, Points(sampled.BasePoints, sampled.Quality, 1.0, 1.0), sampled.TotalPoints)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(`
base_points:
  creation: {min: 100, max: 300}
  major-edit: {min: 30, max: 60}
fallback: {min: 1, max: 5}
`))
	require.NoError(t, err)
	assert.Equal(t, Range{Min: 100, Max: 300}, p.RangeFor(KindCreation))
	assert.Equal(t, Range{Min: 30, Max: 60}, p.RangeFor(KindMajorEdit))
	assert.Equal(t, Range{Min: 10, Max: 50}, p.RangeFor(KindReview), "unset kinds keep defaults")
	assert.Equal(t, Range{Min: 1, Max: 5}, p.RangeFor("other"))
}

func TestParsePolicy_Invalid(t *testing.T) {
	_, err := ParsePolicy([]byte("base_points:\n  review: {min: 50, max: 10}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max")

	_, err = ParsePolicy([]byte("fallback: {min: -1, max: 10}\n"))
	require.Error(t, err)

	_, err = ParsePolicy([]byte("base_points: [oops"))
	require.Error(t, err)
}

func TestLoadPolicy(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	_, err = LoadPolicy("/nonexistent/policy.yaml")
	require.Error(t, err)
}
