// Package contract loads declarative capability contracts: one YAML document
// per capability naming its risk level, its preconditions and the guarantees
// it makes. Loading fails closed on any deviation from the schema.
package contract

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"warden/internal/reason"
)

// RiskLevel grades a capability's blast radius.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Requires holds a contract's preconditions. Both fields are pointers so a
// missing key can be told apart from a false or empty value.
type Requires struct {
	OpsRequired *bool     `yaml:"ops_required" json:"ops_required"`
	Evidence    *[]string `yaml:"evidence" json:"evidence"`
}

// Contract is a validated capability contract.
type Contract struct {
	Capability string    `yaml:"capability" json:"capability"`
	RiskLevel  RiskLevel `yaml:"risk_level" json:"risk_level"`
	Requires   Requires  `yaml:"requires" json:"requires"`
	Guarantees []string  `yaml:"guarantees" json:"guarantees"`

	// Source is the file the contract was loaded from.
	Source string `yaml:"-" json:"source,omitempty"`
}

// OpsRequired reports whether the capability may only be reached via /ops.
func (c *Contract) OpsRequired() bool {
	return c.Requires.OpsRequired != nil && *c.Requires.OpsRequired
}

// RequiredEvidence returns the contract-declared evidence claims.
func (c *Contract) RequiredEvidence() []string {
	if c.Requires.Evidence == nil {
		return nil
	}
	return append([]string(nil), (*c.Requires.Evidence)...)
}

// Parse strictly decodes and validates a single contract document.
// Unknown keys, a bad risk level or a missing requires field are
// CAPABILITY_INVALID; an empty guarantees list is CAPABILITY_GUARANTEES.
func Parse(data []byte) (*Contract, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Contract
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, reason.New(reason.CapabilityInvalid, "empty contract document")
		}
		return nil, reason.Wrap(reason.CapabilityInvalid, err, "decode contract")
	}
	var extra interface{}
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, reason.New(reason.CapabilityInvalid, "contract file must hold exactly one document")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the schema invariants of an already-decoded contract.
func (c *Contract) Validate() error {
	if strings.TrimSpace(c.Capability) == "" {
		return reason.New(reason.CapabilityInvalid, "capability name is required")
	}
	switch c.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return reason.New(reason.CapabilityInvalid, "%s: risk_level %q not in {low, medium, high}", c.Capability, c.RiskLevel)
	}
	if c.Requires.OpsRequired == nil {
		return reason.New(reason.CapabilityInvalid, "%s: requires.ops_required is required", c.Capability)
	}
	if c.Requires.Evidence == nil {
		return reason.New(reason.CapabilityInvalid, "%s: requires.evidence is required", c.Capability)
	}
	for _, claim := range *c.Requires.Evidence {
		if strings.TrimSpace(claim) == "" {
			return reason.New(reason.CapabilityInvalid, "%s: requires.evidence contains an empty claim", c.Capability)
		}
	}
	if len(c.Guarantees) == 0 {
		return reason.New(reason.CapabilityGuarantees, "%s: guarantees must not be empty", c.Capability)
	}
	for _, g := range c.Guarantees {
		if strings.TrimSpace(g) == "" {
			return reason.New(reason.CapabilityGuarantees, "%s: guarantees contains an empty entry", c.Capability)
		}
	}
	return nil
}
