package aci

import (
	"fmt"

	"warden/internal/logging"
	"warden/internal/reason"
)

// Success codes of the gatekeeper.
const (
	AdmissiblePhaseTransition = reason.AdmissiblePhaseTransition
	ConversationOnly          = reason.ConversationOnly
)

// Gate is the gatekeeper's decision for one intent at one phase.
type Gate struct {
	Admissible     bool        `json:"admissible"`
	ReasonCode     reason.Code `json:"reason_code"`
	Intent         Intent      `json:"intent"`
	Phase          int         `json:"phase"`
	NextPhase      int         `json:"next_phase,omitempty"`
	RequiredIntent Intent      `json:"required_intent,omitempty"`
	ArtifactType   string      `json:"artifact_type,omitempty"`
	PhaseClass     PhaseClass  `json:"phase_class,omitempty"`
	Detail         string      `json:"detail,omitempty"`
}

// Transition reports whether the gate admits a move to NextPhase, as opposed
// to a conversation-only turn.
func (g Gate) Transition() bool {
	return g.Admissible && g.ReasonCode == AdmissiblePhaseTransition
}

// PhaseGatekeeper decides whether intent may act at phase. Refusals are
// checked in a fixed order: forbidden, ambiguous, execution-seeking, then
// (for phase-bound intents) the ladder. Conversational and explanation turns
// are admitted without moving the phase.
func PhaseGatekeeper(intent Intent, phase int, ladder Ladder) Gate {
	g := gate(intent, phase, ladder)
	logging.Intent("gate %s at phase %d: admissible=%t %s", intent, phase, g.Admissible, g.ReasonCode)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditPhaseGated,
		Target:    fmt.Sprintf("phase:%d", phase),
		Action:    string(intent),
		Success:   g.Admissible,
		Code:      string(g.ReasonCode),
		Message:   g.Detail,
	})
	return g
}

func gate(intent Intent, phase int, ladder Ladder) Gate {
	g := Gate{Intent: intent, Phase: phase}
	switch intent {
	case IntentForbidden:
		g.ReasonCode = reason.ForbiddenIntentAuthorityLeakage
		g.Detail = "authority cannot be delegated to the system"
		return g
	case IntentAmbiguous:
		g.ReasonCode = reason.AmbiguousIntent
		g.Detail = "intent could not be determined"
		return g
	case IntentExecutionSeeking:
		g.ReasonCode = reason.ExecutionSeekingForbidden
		g.Detail = "the gatekeeper never authorizes execution"
		return g
	case IntentConversational, IntentExplanation:
		g.Admissible = true
		g.ReasonCode = ConversationOnly
		return g
	case IntentGovernanceIssuance, IntentPlanning, IntentInspection:
	default:
		g.ReasonCode = reason.AmbiguousIntent
		g.Detail = fmt.Sprintf("unknown intent %q", intent)
		return g
	}

	next, ok := ladder.Next(phase)
	if !ok {
		g.ReasonCode = reason.NoAdmissiblePhaseTransition
		g.Detail = fmt.Sprintf("phase %d has no successor on the ladder", phase)
		return g
	}
	g.NextPhase = next.Phase
	g.RequiredIntent = next.RequiredIntent
	g.ArtifactType = next.ArtifactType
	g.PhaseClass = next.Class
	if intent != next.RequiredIntent {
		g.ReasonCode = reason.IntentNotAdmissibleAtCurrentPhase
		g.Detail = fmt.Sprintf("phase %d requires %s, got %s", next.Phase, next.RequiredIntent, intent)
		return g
	}
	g.Admissible = true
	g.ReasonCode = AdmissiblePhaseTransition
	return g
}
