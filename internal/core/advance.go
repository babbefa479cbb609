package core

import (
	"context"
	"fmt"
	"strings"

	"warden/internal/canonical"
	"warden/internal/causal"
	"warden/internal/evidence"
	"warden/internal/failmode"
	"warden/internal/journal"
	"warden/internal/logging"
	"warden/internal/reason"
	"warden/internal/resolution"
	"warden/internal/selector"
	"warden/internal/taskgraph"
)

// Observation is what read-only inspection gathered for the next task.
type Observation struct {
	// Service overrides the service named by the task's action target.
	Service    string
	Evidence   resolution.EvidenceBundle
	Inspection resolution.Inspection
}

// Advance reports one step of task advancement.
type Advance struct {
	Selection selector.Selection
	Outcome   *resolution.Outcome
	// Entry is the journal row written for the outcome.
	Entry *journal.Entry
	// Nodes are the causal nodes appended, in order.
	Nodes []causal.Node
	// Status is the selected task's status after the step.
	Status taskgraph.Status
}

// AdvanceTask loads the trace's graph, selects the next task, resolves it
// against obs, journals and traces the outcome, and saves the graph with the
// task's new status. A blocked selection is returned without error.
//
// Terminal outcomes end the task: RESOLVED marks it done, BLOCKED and
// ESCALATE mark it failed. FOLLOW_UP_INSPECTION leaves it ready.
func (r *Runtime) AdvanceTask(ctx context.Context, traceID string, rc failmode.RuntimeContext, obs Observation) (Advance, error) {
	if err := ctx.Err(); err != nil {
		return Advance{}, err
	}
	s, err := r.Session(traceID)
	if err != nil {
		return Advance{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryRuntime, "AdvanceTask")
	defer timer.Stop()

	rc.TraceID = traceID
	g, err := r.graphs.Load(traceID, taskgraph.WithClock(r.now))
	if err != nil {
		return Advance{}, err
	}
	if promoted := g.RefreshReadiness(); len(promoted) > 0 {
		logging.RuntimeDebug("[%s] promoted %v", traceID, promoted)
	}

	var adv Advance
	adv.Selection = selector.New(s.Evaluator).SelectNextTask(g, rc)
	audit := logging.AuditWithTrace(traceID)
	if adv.Selection.Status != selector.StatusSelected {
		audit.TaskBlocked(adv.Selection.Reasons)
		if err := r.graphs.Save(g); err != nil {
			return adv, err
		}
		return adv, nil
	}
	task := *adv.Selection.Task
	action := failmode.ParseAction(task.Action)
	audit.TaskSelected(task.TaskID, task.Action, string(adv.Selection.Method))

	service := obs.Service
	if service == "" {
		service = action.Target()
	}
	original := task.Description
	if original == "" {
		original = strings.Join(append([]string{action.Verb}, action.Args...), " ")
	}
	out, err := r.resolver.Resolve(resolution.Request{
		TaskID:          task.TaskID,
		Service:         service,
		OriginalRequest: original,
	}, obs.Evidence, obs.Inspection)
	if err != nil {
		return adv, err
	}
	adv.Outcome = out

	entry, err := r.journalOutcome(ctx, traceID, out, obs.Inspection)
	if err != nil {
		return adv, err
	}
	adv.Entry = &entry

	nodes, err := r.traceOutcome(s, task, action, service, adv.Selection, out, obs.Evidence)
	adv.Nodes = nodes
	if err != nil {
		return adv, err
	}

	switch out.OutcomeType {
	case resolution.Resolved:
		err = g.MarkDone(task.TaskID)
	case resolution.Blocked, resolution.Escalate:
		why := fmt.Sprintf("%s by %s: %s", out.OutcomeType, out.RuleID, out.Message)
		if out.NextStep != "" {
			why += " (next: " + out.NextStep + ")"
		}
		err = g.MarkFailed(task.TaskID, why)
	}
	if err != nil {
		return adv, err
	}
	if err := r.graphs.Save(g); err != nil {
		return adv, err
	}
	if t, ok := g.Task(task.TaskID); ok {
		adv.Status = t.Status
	}
	logging.Runtime("[%s] task %s: %s via %s -> %s", traceID, task.TaskID, out.OutcomeType, out.RuleID, adv.Status)
	return adv, nil
}

// journalOutcome records the inspections that ran and then either the one
// terminal resolution or the requested follow-up inspection.
func (r *Runtime) journalOutcome(ctx context.Context, traceID string, out *resolution.Outcome, insp resolution.Inspection) (journal.Entry, error) {
	payload, err := out.Canonical()
	if err != nil {
		return journal.Entry{}, err
	}
	for _, cmd := range insp.Commands {
		if _, err := r.journal.RecordInspection(ctx, journal.Entry{
			TraceID: traceID, TaskID: out.TaskID, Command: cmd,
		}); err != nil {
			return journal.Entry{}, err
		}
	}
	e := journal.Entry{
		TraceID:     traceID,
		TaskID:      out.TaskID,
		OutcomeType: string(out.OutcomeType),
		RuleID:      out.RuleID,
		Payload:     payload,
	}
	audit := logging.AuditWithTrace(traceID)
	if !out.OutcomeType.Terminal() {
		e.Command = out.NextStep
		return r.journal.RecordInspection(ctx, e)
	}
	rec, err := r.journal.RecordResolution(ctx, e)
	if err != nil {
		logging.RuntimeWarn("[%s] journal refused resolution of %s: %v", traceID, out.TaskID, err)
		audit.ResolutionRejected(out.TaskID, string(out.OutcomeType), string(reason.CodeOf(err)), err.Error())
		return journal.Entry{}, err
	}
	audit.ResolutionRecorded(out.TaskID, string(out.OutcomeType), out.RuleID)
	return rec, nil
}

// traceOutcome appends the causal record of one resolution:
//
//	EVIDENCE* --requires--> DECISION --caused_by--> OUTCOME | BLOCKER
//	OUTCOME --caused_by--> ACTION     (follow-up inspection only)
//
// Evidence nodes cover every claim the task rested on plus the observation
// itself, which is recorded into the evidence store first.
func (r *Runtime) traceOutcome(s *Session, task taskgraph.TaskNode, action failmode.Action, service string,
	sel selector.Selection, out *resolution.Outcome, bundle resolution.EvidenceBundle) ([]causal.Node, error) {
	var nodes []causal.Node
	add := func(n causal.NewNode) (causal.Node, error) {
		node, err := s.Trace.AddNode(n)
		if err == nil {
			nodes = append(nodes, node)
		}
		return node, err
	}

	claims := r.requiredClaims(action, task)
	if service != "" {
		raw, err := canonical.Marshal(bundle)
		if err != nil {
			return nodes, err
		}
		// Keyed by content so a later, different bundle is a new claim
		// rather than a conflict with this one.
		claim := fmt.Sprintf("service.%s.observed.%s", service, canonical.HashBytes(raw)[:12])
		if _, err := s.Evidence.Record(claim, evidence.SourceObservation, "inspection:"+task.TaskID, string(raw)); err != nil {
			return nodes, err
		}
		claims = append(claims, claim)
	}

	decision, err := add(causal.NewNode{
		TaskID:      task.TaskID,
		NodeType:    causal.NodeDecision,
		Description: fmt.Sprintf("selected %s (%s, capability %s)", task.TaskID, sel.Method, sel.Verdict.Capability),
	})
	if err != nil {
		return nodes, err
	}
	for _, claim := range claims {
		ev, err := add(causal.NewNode{
			TaskID:      task.TaskID,
			NodeType:    causal.NodeEvidence,
			Description: claim,
			Claim:       claim,
		})
		if err != nil {
			return nodes, err
		}
		if _, err := s.Trace.AddEdge(ev.NodeID, decision.NodeID, causal.Requires); err != nil {
			return nodes, err
		}
	}

	kind := causal.NodeOutcome
	if out.OutcomeType == resolution.Blocked {
		kind = causal.NodeBlocker
	}
	result, err := add(causal.NewNode{
		TaskID:      task.TaskID,
		NodeType:    kind,
		Description: fmt.Sprintf("%s via %s: %s", out.OutcomeType, out.RuleID, out.Message),
	})
	if err != nil {
		return nodes, err
	}
	if _, err := s.Trace.AddEdge(decision.NodeID, result.NodeID, causal.CausedBy); err != nil {
		return nodes, err
	}

	if out.OutcomeType == resolution.FollowUpInspection && out.NextStep != "" {
		next, err := add(causal.NewNode{
			TaskID:      task.TaskID,
			NodeType:    causal.NodeAction,
			Description: "follow up: " + out.NextStep,
		})
		if err != nil {
			return nodes, err
		}
		if _, err := s.Trace.AddEdge(result.NodeID, next.NodeID, causal.CausedBy); err != nil {
			return nodes, err
		}
	}
	return nodes, nil
}

func (r *Runtime) requiredClaims(action failmode.Action, task taskgraph.TaskNode) []string {
	capName, err := failmode.ResolveCapability(action)
	if err != nil {
		return nil
	}
	c, err := r.contracts.Resolve(capName)
	if err != nil {
		return nil
	}
	claims, err := failmode.RequiredClaims(action, task.RequiredEvidence, c)
	if err != nil {
		return nil
	}
	return claims
}
