// Package aci classifies operator utterances into intent classes and gates
// them against the governance phase ladder.
package aci

import (
	"math"
	"regexp"
	"strings"

	"warden/internal/logging"
	"warden/internal/reason"
)

// Intent is a routed intent class.
type Intent string

const (
	IntentForbidden          Intent = "FORBIDDEN"
	IntentExecutionSeeking   Intent = "EXECUTION_SEEKING"
	IntentGovernanceIssuance Intent = "GOVERNANCE_ISSUANCE"
	IntentPlanning           Intent = "PLANNING"
	IntentInspection         Intent = "INSPECTION"
	IntentExplanation        Intent = "EXPLANATION"
	IntentConversational     Intent = "CONVERSATIONAL"
	IntentAmbiguous          Intent = "AMBIGUOUS"
)

const (
	// DefaultThreshold is the minimum confidence for a non-ambiguous route.
	DefaultThreshold = 0.68

	forbiddenConfidence = 0.99
	matchBonus          = 0.01
	maxMatchBonus       = 0.04
	noTransitionPenalty = 0.25
)

// scored lists the classes that compete on pattern counts, in a fixed order
// used only for deterministic iteration.
var scored = []Intent{
	IntentExecutionSeeking,
	IntentGovernanceIssuance,
	IntentPlanning,
	IntentInspection,
	IntentExplanation,
	IntentConversational,
}

var baseConfidence = map[Intent]float64{
	IntentExecutionSeeking:   0.94,
	IntentGovernanceIssuance: 0.90,
	IntentPlanning:           0.86,
	IntentInspection:         0.82,
	IntentExplanation:        0.78,
	IntentConversational:     0.74,
}

// phaseBound intents need somewhere to go on the ladder.
var phaseBound = map[Intent]bool{
	IntentGovernanceIssuance: true,
	IntentPlanning:           true,
	IntentInspection:         true,
}

func words(ws ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(ws))
	for i, w := range ws {
		out[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
	}
	return out
}

var forbiddenPatterns = words(
	"you decide", "decide for me", "your call", "bypass", "ignore governance",
	"ignore the rules", "ignore the gate", "skip approval", "skip the approval",
	"without approval", "override the gate", "disable the gate", "auto-approve",
	"approve it yourself", "act on my behalf", "whatever you think",
)

var intentPatterns = map[Intent][]*regexp.Regexp{
	IntentExecutionSeeking: words(
		"run", "execute", "restart", "deploy", "apply", "delete", "remove", "kill",
		"install", "reboot", "rollout", "do it now", "go ahead", "make it so",
	),
	IntentGovernanceIssuance: words(
		"issue", "issuance", "artifact", "approve", "authorize", "sign off",
		"certify", "grant", "attest", "advance the phase", "next phase",
	),
	IntentPlanning: words(
		"plan", "planning", "roadmap", "steps", "sequence", "break down",
		"schedule", "milestone", "replan", "strategy",
	),
	IntentInspection: words(
		"inspect", "check", "status", "look at", "show me", "verify", "audit",
		"review", "examine", "list", "what is running",
	),
	IntentExplanation: words(
		"why", "explain", "how does", "what does", "rationale", "walk me through",
		"reasoning", "what happened",
	),
	IntentConversational: words(
		"hello", "hi", "hey", "thanks", "thank you", "good morning", "how are you",
		"ok", "cool", "bye",
	),
}

// Route is the router's decision. Candidate is the class that scored
// highest before any collapse to AMBIGUOUS.
type Route struct {
	Intent     Intent         `json:"intent"`
	Candidate  Intent         `json:"candidate,omitempty"`
	Confidence float64        `json:"confidence"`
	Matches    int            `json:"matches"`
	Phase      int            `json:"phase"`
	Scores     map[Intent]int `json:"scores,omitempty"`
	ReasonCode reason.Code    `json:"reason_code,omitempty"`
	Detail     string         `json:"detail,omitempty"`
}

// Router scores utterances. The zero value is not usable; use NewRouter.
type Router struct {
	threshold float64
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(t float64) RouterOption {
	return func(r *Router) {
		if t > 0 && t < 1 {
			r.threshold = t
		}
	}
}

// NewRouter creates a router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Threshold returns the router's confidence floor.
func (r *Router) Threshold() float64 { return r.threshold }

// RouteIntent routes text with the default threshold.
func RouteIntent(text string, phase int, admissibleTransitions []int) Route {
	return NewRouter().Route(text, phase, admissibleTransitions)
}

// Route classifies text at phase. Forbidden patterns short-circuit; then the
// unique highest pattern count wins, ties and zero scores are AMBIGUOUS.
// Phase-bound intents with no admissible transition are demoted, and any
// confidence below the threshold collapses to AMBIGUOUS.
func (r *Router) Route(text string, phase int, admissibleTransitions []int) Route {
	route := r.route(text, phase, admissibleTransitions)
	logging.IntentDebug("phase %d: %s (candidate %s, confidence %.2f, matches %d)",
		phase, route.Intent, route.Candidate, route.Confidence, route.Matches)
	logging.Audit().Log(logging.AuditEvent{
		EventType: logging.AuditIntentRouted,
		Target:    string(route.Intent),
		Action:    "route",
		Success:   route.Intent != IntentForbidden && route.Intent != IntentAmbiguous,
		Code:      string(route.ReasonCode),
		Message:   route.Detail,
		Fields:    map[string]interface{}{"phase": phase, "confidence": route.Confidence},
	})
	return route
}

func (r *Router) route(text string, phase int, admissible []int) Route {
	if n := countMatches(forbiddenPatterns, text); n > 0 {
		return Route{
			Intent: IntentForbidden, Candidate: IntentForbidden, Confidence: forbiddenConfidence,
			Matches: n, Phase: phase, ReasonCode: reason.ForbiddenIntentAuthorityLeakage,
			Detail: "utterance asks the system to take or bypass authority",
		}
	}

	scores := make(map[Intent]int, len(scored))
	best, bestScore, tied := IntentAmbiguous, 0, false
	for _, intent := range scored {
		n := countMatches(intentPatterns[intent], text)
		if n == 0 {
			continue
		}
		scores[intent] = n
		switch {
		case n > bestScore:
			best, bestScore, tied = intent, n, false
		case n == bestScore:
			tied = true
		}
	}

	if bestScore == 0 {
		return ambiguous(Route{Phase: phase, Scores: scores}, "no intent pattern matched")
	}
	if tied {
		return ambiguous(Route{Phase: phase, Scores: scores, Matches: bestScore}, "top intent score is tied")
	}

	bonus := math.Min(float64(bestScore-1)*matchBonus, maxMatchBonus)
	conf := baseConfidence[best] + bonus
	if phaseBound[best] && len(admissible) == 0 {
		conf -= noTransitionPenalty
	}
	conf = round2(conf)

	route := Route{Intent: best, Candidate: best, Confidence: conf, Matches: bestScore, Phase: phase, Scores: scores}
	if conf < r.threshold {
		return ambiguous(route, "confidence below threshold")
	}
	return route
}

func ambiguous(r Route, detail string) Route {
	r.Intent = IntentAmbiguous
	r.ReasonCode = reason.AmbiguousIntent
	r.Detail = detail
	return r
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	n := 0
	for _, p := range patterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
