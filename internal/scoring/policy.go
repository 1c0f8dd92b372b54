package scoring

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Range is an inclusive base point range.
type Range struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Policy holds the base point ranges per contribution kind.
type Policy struct {
	BasePoints map[Kind]Range `yaml:"base_points" json:"basePoints"`
	Fallback   Range          `yaml:"fallback" json:"fallback"`
}

// DefaultPolicy returns the built-in ranges.
func DefaultPolicy() Policy {
	return Policy{
		BasePoints: map[Kind]Range{
			KindCreation:  {Min: 50, Max: 200},
			KindMajorEdit: {Min: 20, Max: 100},
			KindMinorEdit: {Min: 5, Max: 20},
			KindReview:    {Min: 10, Max: 50},
		},
		Fallback: Range{Min: 10, Max: 20},
	}
}

// RangeFor returns the range for kind, or the fallback for unknown kinds.
func (p Policy) RangeFor(kind Kind) Range {
	if r, ok := p.BasePoints[kind]; ok {
		return r
	}
	return p.Fallback
}

// Validate rejects negative or inverted ranges.
func (p Policy) Validate() error {
	check := func(name string, r Range) error {
		if r.Min < 0 || r.Max < 0 {
			return fmt.Errorf("policy %s: negative bound", name)
		}
		if r.Min > r.Max {
			return fmt.Errorf("policy %s: min %d exceeds max %d", name, r.Min, r.Max)
		}
		return nil
	}
	for kind, r := range p.BasePoints {
		if err := check(string(kind), r); err != nil {
			return err
		}
	}
	return check("fallback", p.Fallback)
}

// ParsePolicy decodes a YAML policy on top of the defaults. Kinds and the
// fallback not present in data keep their default ranges.
func ParsePolicy(data []byte) (Policy, error) {
	var doc struct {
		BasePoints map[string]Range `yaml:"base_points"`
		Fallback   *Range           `yaml:"fallback"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Policy{}, fmt.Errorf("decode reward policy: %w", err)
	}

	policy := DefaultPolicy()
	for name, r := range doc.BasePoints {
		policy.BasePoints[ParseKind(name)] = r
	}
	if doc.Fallback != nil {
		policy.Fallback = *doc.Fallback
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// LoadPolicy reads a YAML policy file. An empty path yields the defaults.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Policy{}, fmt.Errorf("reward policy file %s not found", path)
		}
		return Policy{}, fmt.Errorf("read reward policy: %w", err)
	}
	return ParsePolicy(data)
}
