// Package resolution turns an inspection evidence bundle into exactly one
// outcome per task by running a fixed-priority rule cascade.
package resolution

import (
	"warden/internal/logging"
	"warden/internal/reason"
)

// Resolver runs rules in order; the first rule that applies decides.
type Resolver struct {
	rules []Rule
}

// NewResolver builds a resolver over rules, or DefaultRules when none given.
func NewResolver(rules ...Rule) *Resolver {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Resolver{rules: rules}
}

// RuleIDs lists the active rule ids in priority order.
func (r *Resolver) RuleIDs() []string {
	ids := make([]string, len(r.rules))
	for i, rule := range r.rules {
		ids[i] = rule.ID()
	}
	return ids
}

// WithPolicy returns a resolver restricted to the snapshot's active rules.
// Priority order is the resolver's, not the snapshot's.
func (r *Resolver) WithPolicy(p *PolicySnapshot) (*Resolver, error) {
	if p == nil {
		return r, nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	known := make(map[string]Rule, len(r.rules))
	for _, rule := range r.rules {
		known[rule.ID()] = rule
	}
	active := make(map[string]bool, len(p.ActiveRules))
	for _, id := range p.ActiveRules {
		if _, ok := known[id]; !ok {
			return nil, reason.New(reason.ResolutionPolicyInvalid, "policy %s names unknown rule %q", p.Version, id)
		}
		active[id] = true
	}
	var kept []Rule
	for _, rule := range r.rules {
		if active[rule.ID()] {
			kept = append(kept, rule)
		}
	}
	logging.ResolutionDebug("policy %s keeps %d of %d rules", p.Version, len(kept), len(r.rules))
	return &Resolver{rules: kept}, nil
}

// Resolve returns the outcome of the first applicable rule. A rule that
// applies with a nil or malformed outcome is an error, never replaced by a
// later rule. No applicable rule is RESOLUTION_OUTCOME_MISSING.
func (r *Resolver) Resolve(req Request, bundle EvidenceBundle, insp Inspection) (*Outcome, error) {
	in := Input{Request: req, Evidence: bundle, Inspection: insp}
	for _, rule := range r.rules {
		out, ok := rule.Apply(in)
		if !ok {
			continue
		}
		if err := out.Validate(); err != nil {
			logging.ResolutionError("[%s] rule %s produced a rejected outcome: %v", req.TaskID, rule.ID(), err)
			logging.Audit().Block(req.TaskID, "resolve", string(reason.CodeOf(err)), err.Error())
			return nil, err
		}
		if out.RuleID != rule.ID() {
			err := reason.New(reason.ResolutionOutcomeInvalid, "rule %s stamped outcome with rule_id %q", rule.ID(), out.RuleID)
			logging.ResolutionError("[%s] %v", req.TaskID, err)
			return nil, err
		}
		resolved := *out
		resolved.TaskID = req.TaskID
		logging.Resolution("[%s] %s via %s", req.TaskID, resolved.OutcomeType, resolved.RuleID)
		return &resolved, nil
	}
	err := reason.New(reason.ResolutionOutcomeMissing, "no rule applied to task %s", req.TaskID)
	logging.ResolutionError("%v", err)
	return nil, err
}
