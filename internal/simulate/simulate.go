// Package simulate previews what would happen if an action or plan were
// attempted, using the same checks the runtime applies, without writing to
// any store.
package simulate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"warden/internal/failmode"
	"warden/internal/logging"
	"warden/internal/reason"
)

// Verdict is the simulation's overall answer.
type Verdict string

const (
	Allowed Verdict = "allowed"
	Blocked Verdict = "blocked"
	Unknown Verdict = "unknown"
)

// PlanStep is one step of a proposed plan. DependsOn may only name steps
// that appear earlier in the plan.
type PlanStep struct {
	StepID           string   `json:"step_id" yaml:"step_id"`
	Action           string   `json:"action" yaml:"action"`
	RequiredEvidence []string `json:"required_evidence,omitempty" yaml:"required_evidence,omitempty"`
	DependsOn        []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Proposal is what to simulate. Any combination of fields may be set.
type Proposal struct {
	Action           string     `json:"action,omitempty" yaml:"action,omitempty"`
	RequiredEvidence []string   `json:"required_evidence,omitempty" yaml:"required_evidence,omitempty"`
	TaskID           string     `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	Steps            []PlanStep `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// Reason is one itemized finding.
type Reason struct {
	Subject string      `json:"subject"` // "action", "step:<id>", "plan" or "task:<id>"
	Code    reason.Code `json:"code"`
	Detail  string      `json:"detail"`
}

func (r Reason) String() string {
	return fmt.Sprintf("%s: %s: %s", r.Subject, r.Code, r.Detail)
}

// Result is the simulation outcome.
type Result struct {
	Verdict    Verdict  `json:"verdict"`
	Capability string   `json:"capability,omitempty"`
	Reasons    []Reason `json:"reasons"`
}

// ActionEvaluator is the failure-mode cascade, run to completion.
type ActionEvaluator interface {
	Findings(raw string, required []string, rc failmode.RuntimeContext) (string, []failmode.Verdict)
}

// ChainExplainer explains a task's causal chain.
type ChainExplainer interface {
	ExplainCausalChain(taskID string, now time.Time) ([]string, bool)
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithClock overrides the evaluation time.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// WithConcurrency bounds how many plan steps are evaluated at once.
func WithConcurrency(n int) Option {
	return func(s *Simulator) {
		if n > 0 {
			s.limit = n
		}
	}
}

// Simulator composes read-only views of the failure-mode evaluator and the
// causal trace.
type Simulator struct {
	evaluator ActionEvaluator
	trace     ChainExplainer

	now   func() time.Time
	limit int
}

// New creates a simulator. trace may be nil when no causal trace is loaded;
// proposals naming a task are then unknown.
func New(evaluator ActionEvaluator, trace ChainExplainer, opts ...Option) *Simulator {
	s := &Simulator{
		evaluator: evaluator,
		trace:     trace,
		now:       time.Now,
		limit:     4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Simulate evaluates p. Any blocking finding makes the result blocked; with
// none, any finding that leaves the outcome undecidable makes it unknown.
func (s *Simulator) Simulate(ctx context.Context, p Proposal, rc failmode.RuntimeContext) (Result, error) {
	timer := logging.StartTimer(logging.CategorySimulate, "Simulate")
	defer timer.Stop()

	var res Result
	var blocking, undecided []Reason

	if strings.TrimSpace(p.Action) == "" && len(p.Steps) == 0 && p.TaskID == "" {
		undecided = append(undecided, Reason{Subject: "proposal", Code: reason.CapabilityMissing, Detail: "nothing to simulate"})
	}

	if strings.TrimSpace(p.Action) != "" {
		capName, found := s.checkAction("action", p.Action, p.RequiredEvidence, rc)
		res.Capability = capName
		blocking = append(blocking, found...)
	}

	if len(p.Steps) > 0 {
		blocking = append(blocking, checkPlanOrder(p.Steps)...)
		found, err := s.checkSteps(ctx, p.Steps, rc)
		if err != nil {
			return Result{}, err
		}
		blocking = append(blocking, found...)
	}

	if p.TaskID != "" {
		if s.trace == nil {
			undecided = append(undecided, Reason{Subject: "task:" + p.TaskID, Code: reason.CausalChainIncomplete, Detail: "no causal trace loaded"})
		} else if _, ok := s.trace.ExplainCausalChain(p.TaskID, s.now()); !ok {
			undecided = append(undecided, Reason{Subject: "task:" + p.TaskID, Code: reason.CausalChainIncomplete,
				Detail: "causal chain is not fully connected or rests on invalid evidence"})
		}
	}

	switch {
	case len(blocking) > 0:
		res.Verdict = Blocked
	case len(undecided) > 0:
		res.Verdict = Unknown
	default:
		res.Verdict = Allowed
	}
	res.Reasons = append(blocking, undecided...)
	if res.Reasons == nil {
		res.Reasons = []Reason{}
	}
	logging.Simulate("[%s] simulated %q: %s (%d reasons)", rc.TraceID, p.Action, res.Verdict, len(res.Reasons))
	return res, nil
}

// checkAction itemizes every failing check of the cascade in cascade order:
// each failed evidence claim, then scope, irreversibility and authority.
func (s *Simulator) checkAction(subject, raw string, required []string, rc failmode.RuntimeContext) (string, []Reason) {
	if s.evaluator == nil {
		return "", []Reason{{Subject: subject, Code: reason.CapabilityMissing, Detail: "no evaluator configured"}}
	}
	capName, failed := s.evaluator.Findings(raw, required, rc)
	out := make([]Reason, 0, len(failed))
	for _, v := range failed {
		out = append(out, Reason{Subject: subject, Code: v.Code, Detail: v.Detail})
	}
	if len(out) > 0 {
		logging.SimulateDebug("[%s] %s %q: %d findings, first at %s", rc.TraceID, subject, raw, len(out), failed[0].Stage)
	}
	return capName, out
}

func (s *Simulator) checkSteps(ctx context.Context, steps []PlanStep, rc failmode.RuntimeContext) ([]Reason, error) {
	perStep := make([][]Reason, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for i, step := range steps {
		i, step := i, step
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, perStep[i] = s.checkAction("step:"+step.StepID, step.Action, step.RequiredEvidence, rc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []Reason
	for _, r := range perStep {
		out = append(out, r...)
	}
	return out, nil
}

// checkPlanOrder refuses unnamed or duplicate steps and dependencies on a
// step that does not come earlier in the plan.
func checkPlanOrder(steps []PlanStep) []Reason {
	var out []Reason
	position := make(map[string]int, len(steps))
	for i, st := range steps {
		if strings.TrimSpace(st.StepID) == "" {
			out = append(out, Reason{Subject: "plan", Code: reason.PlanOrderViolation, Detail: fmt.Sprintf("step %d has no step_id", i+1)})
			continue
		}
		if _, dup := position[st.StepID]; dup {
			out = append(out, Reason{Subject: "plan", Code: reason.PlanOrderViolation, Detail: fmt.Sprintf("step %s appears twice", st.StepID)})
			continue
		}
		position[st.StepID] = i
	}
	for i, st := range steps {
		deps := append([]string(nil), st.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			at, ok := position[dep]
			switch {
			case !ok:
				out = append(out, Reason{Subject: "step:" + st.StepID, Code: reason.PlanOrderViolation,
					Detail: fmt.Sprintf("depends on unknown step %s", dep)})
			case at >= i:
				out = append(out, Reason{Subject: "step:" + st.StepID, Code: reason.PlanOrderViolation,
					Detail: fmt.Sprintf("depends on %s which is not scheduled before it", dep)})
			}
		}
	}
	return out
}

