// Package policy maps task risk levels to approval modes.
package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"plangate/internal/domain"
)

type Mode string

const (
	Auto   Mode = "auto"
	Manual Mode = "manual"
)

func (m Mode) Valid() bool {
	return m == Auto || m == Manual
}

// Policy is the risk -> approval mode mapping.
type Policy struct {
	Low    Mode `yaml:"low" json:"low"`
	Medium Mode `yaml:"medium" json:"medium"`
	High   Mode `yaml:"high" json:"high"`
}

// Default gates everything above LOW behind a human.
func Default() Policy {
	return Policy{Low: Auto, Medium: Manual, High: Manual}
}

// ModeFor returns the mode for risk. Unknown levels are treated as manual.
func (p Policy) ModeFor(risk domain.RiskLevel) Mode {
	switch risk {
	case domain.RiskLow:
		return p.Low
	case domain.RiskMedium:
		return p.Medium
	case domain.RiskHigh:
		return p.High
	}
	return Manual
}

func (p Policy) Validate() error {
	for name, m := range map[string]Mode{"low": p.Low, "medium": p.Medium, "high": p.High} {
		if !m.Valid() {
			return fmt.Errorf("policy.%s must be auto or manual, got %q", name, m)
		}
	}
	if p.High != Manual {
		return fmt.Errorf("policy.high must be manual")
	}
	return nil
}

// Parse reads a YAML policy document. Missing levels keep their defaults.
func Parse(data []byte) (Policy, error) {
	p := Default()
	if len(strings.TrimSpace(string(data))) == 0 {
		return p, fmt.Errorf("empty policy document")
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy: %w", err)
	}
	return p, p.Validate()
}

// Source supplies the current policy. Implementations must be safe for
// concurrent use.
type Source interface {
	Current() Policy
}

// Static is a fixed policy.
type Static Policy

func (s Static) Current() Policy { return Policy(s) }
