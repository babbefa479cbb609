package aci

import (
	"fmt"
	"sort"
)

// Ladder bounds.
const (
	FirstPhase = 27
	LastPhase  = 69
)

// PhaseClass is the coarse grouping of ladder phases.
type PhaseClass string

const (
	ClassCognitive            PhaseClass = "cognitive"
	ClassPlanningGovernance   PhaseClass = "planning_governance"
	ClassExecutionGovernance  PhaseClass = "execution_governance"
	ClassPreExecutionBoundary PhaseClass = "pre_execution_boundary"
	ClassReplanningGovernance PhaseClass = "replanning_governance"
	ClassReadinessEligibility PhaseClass = "readiness_eligibility"
	ClassHandoffBoundary      PhaseClass = "handoff_boundary"
)

// classBands maps inclusive phase ranges to their class and the intent
// required to enter a phase in that range.
var classBands = []struct {
	from, to int
	class    PhaseClass
	intent   Intent
}{
	{27, 33, ClassCognitive, IntentInspection},
	{34, 40, ClassPlanningGovernance, IntentPlanning},
	{41, 47, ClassExecutionGovernance, IntentGovernanceIssuance},
	{48, 53, ClassPreExecutionBoundary, IntentGovernanceIssuance},
	{54, 59, ClassReplanningGovernance, IntentPlanning},
	{60, 64, ClassReadinessEligibility, IntentGovernanceIssuance},
	{65, 69, ClassHandoffBoundary, IntentGovernanceIssuance},
}

// PhaseClassOf returns the class of phase in the fixed ladder.
func PhaseClassOf(phase int) (PhaseClass, bool) {
	for _, b := range classBands {
		if phase >= b.from && phase <= b.to {
			return b.class, true
		}
	}
	return "", false
}

// Rung is one phase of the ladder. RequiredIntent is the intent a turn must
// carry to move into this phase; ArtifactType is what entering it issues.
type Rung struct {
	Phase          int        `json:"phase" yaml:"phase"`
	Class          PhaseClass `json:"class" yaml:"class"`
	RequiredIntent Intent     `json:"required_intent" yaml:"required_intent"`
	ArtifactType   string     `json:"artifact_type" yaml:"artifact_type"`
}

// Ladder is an ordered set of rungs keyed by phase.
type Ladder struct {
	rungs map[int]Rung
}

// NewLadder builds a ladder from rungs. Phases must be unique.
func NewLadder(rungs []Rung) (Ladder, error) {
	l := Ladder{rungs: make(map[int]Rung, len(rungs))}
	for _, r := range rungs {
		if _, dup := l.rungs[r.Phase]; dup {
			return Ladder{}, fmt.Errorf("phase %d defined twice", r.Phase)
		}
		l.rungs[r.Phase] = r
	}
	return l, nil
}

// DefaultLadder is the fixed 27..69 governance ladder.
func DefaultLadder() Ladder {
	var rungs []Rung
	for _, b := range classBands {
		for p := b.from; p <= b.to; p++ {
			rungs = append(rungs, Rung{
				Phase:          p,
				Class:          b.class,
				RequiredIntent: b.intent,
				ArtifactType:   ArtifactTypeFor(b.class, p),
			})
		}
	}
	l, _ := NewLadder(rungs)
	return l
}

// ArtifactTypeFor names the artifact issued on entering phase.
func ArtifactTypeFor(class PhaseClass, phase int) string {
	return fmt.Sprintf("%s_artifact_p%d", class, phase)
}

// Rung returns the rung for phase.
func (l Ladder) Rung(phase int) (Rung, bool) {
	r, ok := l.rungs[phase]
	return r, ok
}

// Next returns the single admissible successor of phase.
func (l Ladder) Next(phase int) (Rung, bool) {
	if _, ok := l.rungs[phase]; !ok {
		return Rung{}, false
	}
	return l.Rung(phase + 1)
}

// AdmissibleTransitions lists the phases reachable from phase: zero or one.
func (l Ladder) AdmissibleTransitions(phase int) []int {
	if next, ok := l.Next(phase); ok {
		return []int{next.Phase}
	}
	return nil
}

// Rungs returns every rung in phase order.
func (l Ladder) Rungs() []Rung {
	out := make([]Rung, 0, len(l.rungs))
	for _, r := range l.rungs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phase < out[j].Phase })
	return out
}
