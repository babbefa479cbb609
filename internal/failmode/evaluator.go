// Package failmode composes evidence, capability contracts and scope and
// authority heuristics into one fail-closed admissibility verdict.
//
// The cascade order is fixed and the first failure wins:
//
//  1. capability   CAPABILITY_MISSING / AMBIGUOUS / INVALID / GUARANTEES
//  2. evidence     EVIDENCE_MISSING / CONFLICT / STALE / SCOPE
//  3. scope        SCOPE_WILDCARD / SCOPE_RECURSIVE
//  4. irreversible IRREVERSIBLE_NO_ACK
//  5. authority    AUTHORITY_BOUNDARY
//
// A later stage must never mask an earlier, more specific refusal.
package failmode

import (
	"fmt"
	"path"
	"strings"
	"time"

	"warden/internal/contract"
	"warden/internal/evidence"
	"warden/internal/logging"
	"warden/internal/reason"
	"warden/internal/taskgraph"
)

// Pass is the verdict code of an admissible action.
const Pass reason.Code = "PASS"

// DefaultAckToken must appear in the user input before destructive commands run.
const DefaultAckToken = "ACK-IRREVERSIBLE"

// Stage names one step of the cascade.
type Stage string

const (
	StageCapability   Stage = "capability"
	StageEvidence     Stage = "evidence"
	StageScope        Stage = "scope"
	StageIrreversible Stage = "irreversible"
	StageAuthority    Stage = "authority"
	StageNone         Stage = ""
)

// RuntimeContext is the per-turn input to an evaluation.
type RuntimeContext struct {
	TraceID   string
	UserInput string
	// ViaOps is true when the request arrived through the /ops channel.
	ViaOps bool
	// EvidenceTTL, when positive, bounds how old a supporting record may be.
	EvidenceTTL time.Duration
}

// Verdict is the cascade result.
type Verdict struct {
	Code       reason.Code
	Stage      Stage
	Capability string
	Detail     string
}

// Passed reports whether the action is admissible.
func (v Verdict) Passed() bool { return v.Code == Pass }

// Err returns nil on pass, otherwise the coded refusal.
func (v Verdict) Err() error {
	if v.Passed() {
		return nil
	}
	return reason.New(v.Code, "%s", v.Detail)
}

func (v Verdict) String() string {
	if v.Passed() {
		return fmt.Sprintf("PASS (%s)", v.Capability)
	}
	return fmt.Sprintf("%s at %s: %s", v.Code, v.Stage, v.Detail)
}

// EvidenceSource is the slice of the evidence store the evaluator reads.
type EvidenceSource interface {
	EvaluateWithin(claim string, now time.Time, maxAge time.Duration) evidence.Evaluation
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the clock used for evidence freshness.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// WithAckToken replaces the irreversible-action acknowledgment token.
func WithAckToken(token string) Option {
	return func(e *Evaluator) {
		if strings.TrimSpace(token) != "" {
			e.ackToken = token
		}
	}
}

// WithProtectedPaths replaces the protected path list.
func WithProtectedPaths(paths []string) Option {
	return func(e *Evaluator) {
		if len(paths) > 0 {
			e.protected = append([]string(nil), paths...)
		}
	}
}

// WithRemoteCommands replaces the set of commands whose target is remote.
func WithRemoteCommands(cmds []string) Option {
	return func(e *Evaluator) {
		if len(cmds) == 0 {
			return
		}
		e.remote = make(map[string]bool, len(cmds))
		for _, c := range cmds {
			e.remote[strings.ToLower(c)] = true
		}
	}
}

// DefaultProtectedPaths are host paths no governed action may mutate.
func DefaultProtectedPaths() []string {
	return []string{
		"/", "/etc", "/boot", "/usr", "/bin", "/sbin", "/lib", "/lib64",
		"/var/lib", "/proc", "/sys", "/dev", "/root", "~/.ssh",
	}
}

// DefaultRemoteCommands are commands whose first operand names a remote host.
func DefaultRemoteCommands() []string {
	return []string{"ssh", "scp", "rsync", "curl", "wget"}
}

// Evaluator runs the failure-mode cascade.
type Evaluator struct {
	contracts contract.Resolver
	evidence  EvidenceSource

	now       func() time.Time
	ackToken  string
	protected []string
	remote    map[string]bool
}

// New creates an evaluator. A nil evidence source is replaced by an empty
// store so every evidence requirement fails closed as missing.
func New(contracts contract.Resolver, ev EvidenceSource, opts ...Option) *Evaluator {
	if ev == nil {
		ev = evidence.NewMemory("")
	}
	e := &Evaluator{
		contracts: contracts,
		evidence:  ev,
		now:       time.Now,
		ackToken:  DefaultAckToken,
		protected: DefaultProtectedPaths(),
	}
	WithRemoteCommands(DefaultRemoteCommands())(e)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the cascade for a task.
func (e *Evaluator) Evaluate(task taskgraph.TaskNode, rc RuntimeContext) Verdict {
	v := e.EvaluateAction(task.Action, task.RequiredEvidence, rc)
	if v.Passed() {
		logging.FailModeDebug("[%s] task %s: %s", rc.TraceID, task.TaskID, v)
		logging.AuditWithTrace(rc.TraceID).Allow(task.TaskID, task.Action, v.Capability)
	} else {
		logging.FailMode("[%s] task %s refused: %s", rc.TraceID, task.TaskID, v)
		logging.AuditWithTrace(rc.TraceID).Block(task.TaskID, task.Action, string(v.Code), v.Detail)
	}
	return v
}

// EvaluateAction runs the cascade for a bare action string plus any
// caller-declared evidence requirements.
func (e *Evaluator) EvaluateAction(raw string, required []string, rc RuntimeContext) Verdict {
	capName, failed := e.run(raw, required, rc, true)
	if len(failed) > 0 {
		return failed[0]
	}
	return Verdict{Code: Pass, Stage: StageNone, Capability: capName}
}

// Findings runs every stage independently and returns each failure in
// cascade order, one per failing claim or check. A capability failure ends
// the run because the later stages need the contract. No findings means the
// action passes; the first finding is always EvaluateAction's verdict.
func (e *Evaluator) Findings(raw string, required []string, rc RuntimeContext) (string, []Verdict) {
	return e.run(raw, required, rc, false)
}

func (e *Evaluator) run(raw string, required []string, rc RuntimeContext, firstOnly bool) (string, []Verdict) {
	a := ParseAction(raw)

	// 1. capability
	capName, err := ResolveCapability(a)
	if err != nil {
		return "", []Verdict{refuse(StageCapability, "", err)}
	}
	if e.contracts == nil {
		return capName, []Verdict{{Code: reason.CapabilityMissing, Stage: StageCapability, Capability: capName,
			Detail: "no contract source configured"}}
	}
	c, err := e.contracts.Resolve(capName)
	if err != nil {
		return capName, []Verdict{refuse(StageCapability, capName, err)}
	}

	var failed []Verdict
	fail := func(v Verdict) bool {
		v.Capability = capName
		failed = append(failed, v)
		return firstOnly
	}

	// 2. evidence
	claims, err := RequiredClaims(a, required, c)
	if err != nil && fail(refuse(StageEvidence, capName, err)) {
		return capName, failed
	}
	now := e.now()
	for _, claim := range claims {
		ev := e.evidence.EvaluateWithin(claim, now, rc.EvidenceTTL)
		if ev.OK() {
			continue
		}
		if ev.Status == evidence.StatusStale {
			logging.EvidenceWarn("[%s] claim %q is stale: %s", rc.TraceID, claim, ev.Detail)
		}
		if fail(Verdict{Code: ev.Status.Code(), Stage: StageEvidence,
			Detail: fmt.Sprintf("claim %q is %s: %s", claim, ev.Status, ev.Detail)}) {
			return capName, failed
		}
	}

	// 3. scope
	if a.Channel != ChannelOps {
		if op, ok := WildcardOperand(a); ok && fail(Verdict{Code: reason.ScopeWildcard, Stage: StageScope,
			Detail: fmt.Sprintf("operand %q contains a wildcard", op)}) {
			return capName, failed
		}
		if IsRecursiveRemove(a) && fail(Verdict{Code: reason.ScopeRecursive, Stage: StageScope,
			Detail: "rm with a recursive flag"}) {
			return capName, failed
		}
	}

	// 4. irreversible
	if IsDestructive(a) && !strings.Contains(rc.UserInput, e.ackToken) && fail(Verdict{Code: reason.IrreversibleNoAck,
		Stage: StageIrreversible, Detail: fmt.Sprintf("%s is irreversible; user input lacks %s", a.Verb, e.ackToken)}) {
		return capName, failed
	}

	// 5. authority
	if detail, ok := e.authorityBoundary(a, capName, c, rc); !ok {
		fail(Verdict{Code: reason.AuthorityBoundary, Stage: StageAuthority, Detail: detail})
	}
	return capName, failed
}

// RequiredClaims merges caller-declared and contract-declared evidence,
// substituting {target} with the action's target. Order is preserved and
// duplicates dropped.
func RequiredClaims(a Action, declared []string, c *contract.Contract) ([]string, error) {
	var all []string
	all = append(all, declared...)
	if c != nil {
		all = append(all, c.RequiredEvidence()...)
	}

	target := a.Target()
	seen := make(map[string]bool, len(all))
	out := make([]string, 0, len(all))
	for _, claim := range all {
		claim = strings.TrimSpace(claim)
		if claim == "" {
			continue
		}
		if strings.Contains(claim, "{target}") {
			if target == "" {
				return nil, reason.New(reason.EvidenceMissing, "claim %q needs a target but action %q has none", claim, a.Raw)
			}
			claim = strings.ReplaceAll(claim, "{target}", target)
		}
		if seen[claim] {
			continue
		}
		seen[claim] = true
		out = append(out, claim)
	}
	return out, nil
}

func (e *Evaluator) authorityBoundary(a Action, capName string, c *contract.Contract, rc RuntimeContext) (string, bool) {
	if c.OpsRequired() && !rc.ViaOps && a.Channel != ChannelOps {
		return fmt.Sprintf("%s requires the /ops channel", capName), false
	}
	if readOnlyCapabilities[capName] {
		return "", true
	}

	if a.Channel == ChannelOps {
		if ambiguousTarget(a.Target()) {
			return fmt.Sprintf("ops target %q is ambiguous", a.Target()), false
		}
		return "", true
	}

	if e.remote[a.Verb] {
		if ambiguousTarget(a.Target()) {
			return fmt.Sprintf("remote target %q is ambiguous", a.Target()), false
		}
	}
	for _, op := range a.Operands() {
		if p, ok := e.protectedPath(op); ok {
			return fmt.Sprintf("operand %q touches protected path %s", op, p), false
		}
	}
	return "", true
}

func (e *Evaluator) protectedPath(operand string) (string, bool) {
	if !strings.HasPrefix(operand, "/") && !strings.HasPrefix(operand, "~") {
		return "", false
	}
	clean := operand
	if strings.HasPrefix(operand, "/") {
		clean = path.Clean(operand)
	}
	for _, p := range e.protected {
		if p == "/" {
			if clean == "/" {
				return p, true
			}
			continue
		}
		if clean == p || strings.HasPrefix(clean, strings.TrimSuffix(p, "/")+"/") {
			return p, true
		}
	}
	return "", false
}

func ambiguousTarget(t string) bool {
	t = strings.TrimSpace(strings.ToLower(t))
	switch t {
	case "", "all", "any", "everything", "*":
		return true
	}
	return strings.ContainsAny(t, ","+wildcardGlyphs)
}

func refuse(stage Stage, capName string, err error) Verdict {
	code := reason.CodeOf(err)
	if code == "" {
		code = reason.CapabilityInvalid
	}
	return Verdict{Code: code, Stage: stage, Capability: capName, Detail: err.Error()}
}
