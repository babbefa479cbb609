package config

import (
	"fmt"
	"sort"
	"time"

	"warden/internal/evidence"
)

// EvidenceConfig configures evidence freshness.
type EvidenceConfig struct {
	// Default TTL per source type, as Go durations ("300s", "1h").
	// Source types left out keep the built-in default.
	TTL map[string]string `yaml:"ttl"`
}

// TTLs parses the configured TTLs over the built-in defaults.
func (c EvidenceConfig) TTLs() (map[evidence.SourceType]time.Duration, error) {
	out := evidence.DefaultTTLs()
	keys := make([]string, 0, len(c.TTL))
	for k := range c.TTL {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		st := evidence.SourceType(k)
		if _, known := out[st]; !known {
			return nil, fmt.Errorf("evidence.ttl: unknown source type %q", k)
		}
		d, err := parseDuration("evidence.ttl."+k, c.TTL[k])
		if err != nil {
			return nil, err
		}
		if d == 0 {
			return nil, fmt.Errorf("evidence.ttl.%s must be positive", k)
		}
		out[st] = d
	}
	return out, nil
}

// FailModeConfig configures the failure-mode cascade.
type FailModeConfig struct {
	// Token that must appear in user input before an irreversible action
	AckToken string `yaml:"ack_token"`

	// Host path prefixes no governed action may mutate. Empty keeps defaults.
	ProtectedPaths []string `yaml:"protected_paths,omitempty"`

	// Commands whose first operand names a remote host. Empty keeps defaults.
	RemoteCommands []string `yaml:"remote_commands,omitempty"`

	// Upper bound on evidence age, on top of each record's TTL. Empty means none.
	EvidenceMaxAge string `yaml:"evidence_max_age,omitempty"`
}

// GetEvidenceMaxAge returns the configured bound, zero when unset.
func (c FailModeConfig) GetEvidenceMaxAge() (time.Duration, error) {
	if c.EvidenceMaxAge == "" {
		return 0, nil
	}
	return parseDuration("failmode.evidence_max_age", c.EvidenceMaxAge)
}

// IntentConfig configures the ACI router.
type IntentConfig struct {
	// Minimum confidence for a non-ambiguous route
	Threshold float64 `yaml:"threshold"`
}

// ResolutionConfig configures the resolution engine.
type ResolutionConfig struct {
	// Optional policy snapshot YAML selecting the active rules
	PolicyPath string `yaml:"policy_path,omitempty"`
}

// SimulateConfig configures the counterfactual simulator.
type SimulateConfig struct {
	// Plan steps simulated at once
	Concurrency int `yaml:"concurrency"`
}
