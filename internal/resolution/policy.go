package resolution

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"warden/internal/reason"
)

// PolicySnapshot pins which rules were active when a resolution was made.
type PolicySnapshot struct {
	Version     string   `yaml:"version" json:"version"`
	ActiveRules []string `yaml:"active_rules" json:"active_rules"`
}

// DefaultPolicy activates every built-in rule.
func DefaultPolicy() *PolicySnapshot {
	return &PolicySnapshot{
		Version:     "default",
		ActiveRules: []string{RuleServiceLocated, RuleAmbiguousEvidence, RuleServiceNotFound, RuleFallback},
	}
}

// Validate checks the snapshot's shape.
func (p *PolicySnapshot) Validate() error {
	if strings.TrimSpace(p.Version) == "" {
		return reason.New(reason.ResolutionPolicyInvalid, "policy snapshot has no version")
	}
	if len(p.ActiveRules) == 0 {
		return reason.New(reason.ResolutionPolicyInvalid, "policy %s activates no rules", p.Version)
	}
	seen := make(map[string]bool, len(p.ActiveRules))
	for _, id := range p.ActiveRules {
		if seen[id] {
			return reason.New(reason.ResolutionPolicyInvalid, "policy %s lists rule %q twice", p.Version, id)
		}
		seen[id] = true
	}
	return nil
}

// ParsePolicy decodes a YAML policy snapshot. Unknown keys are rejected.
func ParsePolicy(data []byte) (*PolicySnapshot, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p PolicySnapshot
	if err := dec.Decode(&p); err != nil {
		return nil, reason.Wrap(reason.ResolutionPolicyInvalid, err, "decode policy snapshot")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPolicy reads a policy snapshot from path.
func LoadPolicy(path string) (*PolicySnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy snapshot: %w", err)
	}
	return ParsePolicy(data)
}
