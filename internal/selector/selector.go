// Package selector makes the deterministic "what happens next" choice over a
// task graph.
package selector

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"warden/internal/failmode"
	"warden/internal/logging"
	"warden/internal/taskgraph"
)

// Status of a selection.
type Status string

const (
	StatusSelected Status = "selected"
	StatusBlocked  Status = "blocked"
)

// Method records which rule picked the task.
type Method string

const (
	MethodExplicitMention Method = "explicit_mention"
	MethodOldest          Method = "oldest_eligible"
)

// Selection is the selector's answer.
type Selection struct {
	Status  Status
	Task    *taskgraph.TaskNode
	Method  Method
	Verdict failmode.Verdict
	// Reasons holds one "<task_id>: <reason>" line per disqualified task,
	// sorted by task id then reason. Populated only when blocked.
	Reasons []string
}

// Evaluator is the failure-mode check the selector consults.
type Evaluator interface {
	Evaluate(task taskgraph.TaskNode, rc failmode.RuntimeContext) failmode.Verdict
}

// Graph is the part of the task graph the selector reads.
type Graph interface {
	Tasks() []taskgraph.TaskNode
	Task(id string) (taskgraph.TaskNode, bool)
	DependencyDepth(id string) int
}

// Selector picks the next task.
type Selector struct {
	evaluator Evaluator
}

// New creates a selector backed by evaluator.
func New(evaluator Evaluator) *Selector {
	return &Selector{evaluator: evaluator}
}

type candidate struct {
	task    taskgraph.TaskNode
	depth   int
	verdict failmode.Verdict
}

// SelectNextTask picks among the graph's tasks:
//
//  1. an eligible task whose id or description appears in rc.UserInput;
//  2. otherwise the oldest-created eligible task;
//  3. ties broken by ascending dependency depth, then task id.
//
// Eligible means ready, every dependency done, and a passing failure-mode
// verdict. With nothing eligible the selection is blocked and lists why each
// non-terminal task was disqualified.
func (s *Selector) SelectNextTask(g Graph, rc failmode.RuntimeContext) Selection {
	var eligible []candidate
	var reasons []disqualified

	for _, t := range g.Tasks() {
		if t.Status.Terminal() {
			continue
		}
		if t.Status != taskgraph.StatusReady {
			why := fmt.Sprintf("status is %s", t.Status)
			if t.BlockReason != "" {
				why += " (" + t.BlockReason + ")"
			}
			reasons = append(reasons, disqualified{t.TaskID, why})
			continue
		}
		if unmet := unmetDependencies(g, t); len(unmet) > 0 {
			reasons = append(reasons, disqualified{t.TaskID, "unmet dependencies " + strings.Join(unmet, ", ")})
			continue
		}
		v := s.evaluator.Evaluate(t, rc)
		if !v.Passed() {
			reasons = append(reasons, disqualified{t.TaskID, fmt.Sprintf("%s: %s", v.Code, v.Detail)})
			continue
		}
		eligible = append(eligible, candidate{task: t, depth: g.DependencyDepth(t.TaskID), verdict: v})
	}
	for _, d := range reasons {
		logging.SelectorDebug("[%s] passed over %s: %s", rc.TraceID, d.taskID, d.why)
	}

	if len(eligible) == 0 {
		lines := formatReasons(reasons)
		if len(lines) == 0 {
			lines = []string{"no open tasks"}
		}
		logging.Selector("[%s] no eligible task (%d disqualified)", rc.TraceID, len(reasons))
		return Selection{Status: StatusBlocked, Reasons: lines}
	}

	sort.SliceStable(eligible, func(i, j int) bool { return less(eligible[i], eligible[j]) })

	if mentioned := mentionedIn(eligible, rc.UserInput); mentioned != nil {
		logging.Selector("[%s] selected %s (explicit mention)", rc.TraceID, mentioned.task.TaskID)
		return selected(*mentioned, MethodExplicitMention)
	}
	logging.Selector("[%s] selected %s (oldest eligible)", rc.TraceID, eligible[0].task.TaskID)
	return selected(eligible[0], MethodOldest)
}

func selected(c candidate, m Method) Selection {
	t := c.task
	return Selection{Status: StatusSelected, Task: &t, Method: m, Verdict: c.verdict}
}

func less(a, b candidate) bool {
	if !a.task.CreatedAt.Equal(b.task.CreatedAt) {
		return a.task.CreatedAt.Before(b.task.CreatedAt)
	}
	if a.depth != b.depth {
		return a.depth < b.depth
	}
	return a.task.TaskID < b.task.TaskID
}

// mentionedIn returns the candidate whose id or description appears in
// input as a whole token run. The longest match wins so that "task-10" is
// not taken for "task-1"; equal lengths fall back to selection order.
func mentionedIn(cands []candidate, input string) *candidate {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var best *candidate
	bestLen := 0
	for i := range cands {
		t := cands[i].task
		n := 0
		if containsToken(input, t.TaskID) {
			n = len(t.TaskID)
		}
		if d := strings.TrimSpace(t.Description); len(d) > n && containsToken(input, d) {
			n = len(d)
		}
		if n > bestLen {
			best, bestLen = &cands[i], n
		}
	}
	return best
}

// containsToken reports whether needle occurs in s with no id character
// directly before or after it.
func containsToken(s, needle string) bool {
	if needle == "" {
		return false
	}
	for from := 0; from <= len(s)-len(needle); {
		i := strings.Index(s[from:], needle)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(needle)
		if (start == 0 || !idByte(s[start-1])) && (end == len(s) || !idByte(s[end])) {
			return true
		}
		from = start + 1
	}
	return false
}

func idByte(b byte) bool {
	r := rune(b)
	return b == '-' || b == '_' || (r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)))
}

func unmetDependencies(g Graph, t taskgraph.TaskNode) []string {
	var unmet []string
	for _, dep := range t.DependsOn {
		d, ok := g.Task(dep)
		if !ok || d.Status != taskgraph.StatusDone {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// disqualified is one task the selector passed over and why.
type disqualified struct {
	taskID string
	why    string
}

// formatReasons orders by task id then reason and renders "<id>: <reason>".
func formatReasons(ds []disqualified) []string {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].taskID != ds[j].taskID {
			return ds[i].taskID < ds[j].taskID
		}
		return ds[i].why < ds[j].why
	})
	lines := make([]string, 0, len(ds))
	for _, d := range ds {
		lines = append(lines, d.taskID+": "+d.why)
	}
	return lines
}
