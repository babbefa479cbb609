package core

import (
	"context"

	"warden/internal/aci"
	"warden/internal/ledger"
	"warden/internal/logging"
	"warden/internal/reason"
)

// Turn is one user utterance at a governance phase. The issuance fields are
// used only when the turn is admitted as governance issuance.
type Turn struct {
	TraceID string
	Text    string
	Phase   int

	EnvironmentID    string
	IssuerIdentityID string
	// ContractName defaults to the next rung's artifact type.
	ContractName string
	// LineageRefs names the parents explicitly. When empty the runtime looks
	// for the single live artifact of the current phase.
	LineageRefs     []string
	LineageRequired bool
}

// TurnResult is what the runtime decided for a turn.
type TurnResult struct {
	Route aci.Route
	Gate  aci.Gate
	// Artifact is set when the turn issued a new ledger record.
	Artifact *ledger.Record
}

// Phase returns the phase after the turn: the gate's next phase when an
// artifact was issued or a non-issuance transition admitted, else the input.
func (t TurnResult) Phase() int {
	if t.Gate.Transition() {
		return t.Gate.NextPhase
	}
	return t.Gate.Phase
}

// HandleTurn routes t, gates the intent against the ladder and, for an
// admitted governance issuance, appends the next artifact. A gate refusal is
// reported in the result with a nil error; a ledger refusal is returned as
// the error alongside the route and gate.
func (r *Runtime) HandleTurn(ctx context.Context, t Turn) (TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return TurnResult{}, err
	}
	var res TurnResult
	res.Route = r.router.Route(t.Text, t.Phase, r.ladder.AdmissibleTransitions(t.Phase))
	res.Gate = aci.PhaseGatekeeper(res.Route.Intent, t.Phase, r.ladder)
	log := logging.Get(logging.CategoryRuntime).WithContext(map[string]interface{}{
		"trace": t.TraceID, "phase": t.Phase,
	})

	if !res.Gate.Transition() || res.Gate.RequiredIntent != aci.IntentGovernanceIssuance {
		log.Info("turn %s: %s", res.Gate.Intent, res.Gate.ReasonCode)
		return res, nil
	}

	refs, err := r.lineageFor(t)
	if err != nil {
		log.Warn("lineage refused: %v", err)
		return res, err
	}

	contractName := t.ContractName
	if contractName == "" {
		contractName = res.Gate.ArtifactType
	}
	rec, err := r.ledger.AppendIssuedArtifact(ledger.IssueRequest{
		PhaseID:          res.Gate.NextPhase,
		ContractName:     contractName,
		EnvironmentID:    t.EnvironmentID,
		IssuerIdentityID: t.IssuerIdentityID,
		LineageRefs:      refs,
		LineageRequired:  t.LineageRequired,
		ArtifactType:     res.Gate.ArtifactType,
	})
	if err != nil {
		return res, err
	}
	res.Artifact = &rec
	log.Info("issued %s at phase %d", rec.ArtifactID, rec.PhaseID)
	return res, nil
}

// lineageFor returns explicit refs as given. Otherwise the parent is the
// single live artifact of the current phase; none means a root issuance, and
// more than one is refused rather than guessed.
func (r *Runtime) lineageFor(t Turn) ([]string, error) {
	if len(t.LineageRefs) > 0 {
		return t.LineageRefs, nil
	}
	if _, onLadder := r.ladder.Rung(t.Phase); !onLadder || t.EnvironmentID == "" {
		return nil, nil
	}
	parent, err := r.ledger.ResolveLineage(t.EnvironmentID, t.Phase)
	switch {
	case err == nil:
		return []string{parent}, nil
	case reason.Is(err, reason.IssuanceUpstreamNotFound):
		return nil, nil
	default:
		return nil, err
	}
}
