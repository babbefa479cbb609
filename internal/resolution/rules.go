package resolution

import (
	"fmt"
	"strings"
)

// Rule ids, in default priority order.
const (
	RuleServiceLocated    = "service_located"
	RuleAmbiguousEvidence = "ambiguous_evidence"
	RuleServiceNotFound   = "service_not_found"
	RuleFallback          = "fallback"
)

// Rule maps an input to an outcome. ok=false means the rule does not apply.
// A rule that applies must return a non-nil outcome.
type Rule interface {
	ID() string
	Apply(in Input) (out *Outcome, ok bool)
}

// ruleFunc adapts a plain function to Rule.
type ruleFunc struct {
	id string
	fn func(Input) (*Outcome, bool)
}

func (r ruleFunc) ID() string { return r.id }
func (r ruleFunc) Apply(in Input) (*Outcome, bool) { return r.fn(in) }

// NewRule wraps fn as a Rule named id.
func NewRule(id string, fn func(Input) (*Outcome, bool)) Rule {
	return ruleFunc{id: id, fn: fn}
}

// DefaultRules returns the built-in rules in priority order.
func DefaultRules() []Rule {
	return []Rule{
		NewRule(RuleServiceLocated, serviceLocated),
		NewRule(RuleAmbiguousEvidence, ambiguousEvidence),
		NewRule(RuleServiceNotFound, serviceNotFound),
		NewRule(RuleFallback, fallback),
	}
}

// serviceLocated: positive signals only, nothing contradicting them.
func serviceLocated(in Input) (*Outcome, bool) {
	s := classify(in.Request.Service, in.Evidence)
	if len(s.running) == 0 || len(s.inactive) > 0 {
		return nil, false
	}
	return newOutcome(Resolved, RuleServiceLocated,
		fmt.Sprintf("service %s located", in.Request.Service), "",
		map[string]interface{}{"signals": s.running}), true
}

// ambiguousEvidence: a stopped unit or container next to something live.
func ambiguousEvidence(in Input) (*Outcome, bool) {
	s := classify(in.Request.Service, in.Evidence)
	if len(s.inactive) == 0 || len(s.running)+len(s.live) == 0 {
		return nil, false
	}
	conflicting := append(append(append([]string{}, s.running...), s.live...), s.inactive...)
	return newOutcome(FollowUpInspection, RuleAmbiguousEvidence,
		fmt.Sprintf("evidence for %s is contradictory", in.Request.Service),
		fmt.Sprintf("/exec systemctl status %s --no-pager", in.Request.Service),
		map[string]interface{}{"signals": conflicting}), true
}

// serviceNotFound: inspection finished and nothing shows the service running.
func serviceNotFound(in Input) (*Outcome, bool) {
	if !in.Inspection.Completed {
		return nil, false
	}
	s := classify(in.Request.Service, in.Evidence)
	if len(s.running) > 0 || (len(s.inactive) > 0 && len(s.live) > 0) {
		return nil, false
	}
	details := map[string]interface{}{"inspected": len(in.Inspection.Commands)}
	if s.any() {
		details["signals"] = append(append([]string{}, s.inactive...), s.live...)
	}
	next := ""
	if req := strings.TrimSpace(in.Request.OriginalRequest); req != "" {
		next = "/ops " + req
	}
	return newOutcome(Blocked, RuleServiceNotFound,
		fmt.Sprintf("service %s not found running", in.Request.Service), next, details), true
}

// fallback always applies. Unfinished inspection asks for the next read-only
// command; a finished one nothing else matched escalates.
func fallback(in Input) (*Outcome, bool) {
	if in.Inspection.Completed {
		return newOutcome(Escalate, RuleFallback,
			fmt.Sprintf("no rule could classify %s", in.Request.Service), "", nil), true
	}
	next := nextInspection(in.Request.Service, in.Inspection.Commands)
	details := map[string]interface{}{"inspected": len(in.Inspection.Commands)}
	step := ""
	if next != "" {
		step = "/exec " + next
	}
	return newOutcome(FollowUpInspection, RuleFallback,
		fmt.Sprintf("inspection of %s incomplete", in.Request.Service), step, details), true
}

// InspectionPlan lists the read-only commands used to locate a service, in
// the order they are suggested.
func InspectionPlan(service string) []string {
	return []string{
		fmt.Sprintf("systemctl status %s --no-pager", service),
		"ss -ltnp",
		fmt.Sprintf("docker ps --all --filter name=%s", service),
		fmt.Sprintf("pgrep -a %s", service),
	}
}

func nextInspection(service string, done []string) string {
	ran := make(map[string]bool, len(done))
	for _, c := range done {
		ran[strings.TrimSpace(c)] = true
	}
	for _, c := range InspectionPlan(service) {
		if !ran[c] {
			return c
		}
	}
	return ""
}
