package resolution

import (
	"strings"

	"warden/internal/canonical"
	"warden/internal/reason"
)

// ContractVersion is the outcome schema version callers must check before
// trusting an outcome's payload.
const ContractVersion = "resolution.v1"

// OutcomeType is the terminal classification of a task.
type OutcomeType string

const (
	Resolved           OutcomeType = "RESOLVED"
	Blocked            OutcomeType = "BLOCKED"
	Escalate           OutcomeType = "ESCALATE"
	FollowUpInspection OutcomeType = "FOLLOW_UP_INSPECTION"
)

// Valid reports whether t is one of the four outcome types.
func (t OutcomeType) Valid() bool {
	switch t {
	case Resolved, Blocked, Escalate, FollowUpInspection:
		return true
	}
	return false
}

// Terminal reports whether the outcome closes the task.
func (t OutcomeType) Terminal() bool {
	return t == Resolved || t == Blocked || t == Escalate
}

// Outcome is the single result of resolving a task.
type Outcome struct {
	ContractVersion string                 `json:"contract_version"`
	OutcomeType     OutcomeType            `json:"outcome_type"`
	TaskID          string                 `json:"task_id"`
	Message         string                 `json:"message"`
	NextStep        string                 `json:"next_step,omitempty"`
	RuleID          string                 `json:"rule_id"`
	Details         map[string]interface{} `json:"details"`
}

// Validate enforces the outcome contract. A nil outcome is
// RESOLUTION_OUTCOME_MISSING.
func (o *Outcome) Validate() error {
	if o == nil {
		return reason.New(reason.ResolutionOutcomeMissing, "rule returned no outcome")
	}
	if o.ContractVersion != ContractVersion {
		return reason.New(reason.ResolutionContractVersion, "outcome contract %q, want %q", o.ContractVersion, ContractVersion)
	}
	if !o.OutcomeType.Valid() {
		return reason.New(reason.ResolutionOutcomeInvalid, "invalid outcome_type %q", o.OutcomeType)
	}
	if strings.TrimSpace(o.RuleID) == "" {
		return reason.New(reason.ResolutionOutcomeInvalid, "outcome carries no rule_id")
	}
	if strings.TrimSpace(o.Message) == "" {
		return reason.New(reason.ResolutionOutcomeInvalid, "outcome carries no message")
	}
	return nil
}

// Canonical returns the outcome's canonical JSON bytes.
func (o *Outcome) Canonical() ([]byte, error) {
	return canonical.Marshal(o)
}

func newOutcome(t OutcomeType, ruleID, msg, next string, details map[string]interface{}) *Outcome {
	if details == nil {
		details = map[string]interface{}{}
	}
	return &Outcome{
		ContractVersion: ContractVersion,
		OutcomeType:     t,
		Message:         msg,
		NextStep:        next,
		RuleID:          ruleID,
		Details:         details,
	}
}
