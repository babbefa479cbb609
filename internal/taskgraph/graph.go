// Package taskgraph holds the per-trace dependency DAG of work items and
// enforces the task status state machine on every mutation.
//
//	pending --MarkReady--> ready --MarkDone--> done
//	   |                    |
//	   +--MarkBlocked--> blocked --Unblock--> ready | pending
//	any non-terminal --MarkFailed--> failed
//
// done and failed are terminal: no further mutation is accepted.
package taskgraph

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"warden/internal/logging"
	"warden/internal/reason"
)

// Status is a task's position in the state machine.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusBlocked Status = "blocked"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusBlocked, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// dependencyBlockPrefix marks block reasons derived from unmet dependencies,
// which RefreshReadiness may clear on its own.
const dependencyBlockPrefix = "waiting on dependencies: "

// TaskNode is a single work item.
type TaskNode struct {
	TaskID           string    `yaml:"task_id" json:"task_id"`
	ParentID         string    `yaml:"parent_id,omitempty" json:"parent_id,omitempty"`
	Description      string    `yaml:"description" json:"description"`
	Status           Status    `yaml:"status" json:"status"`
	DependsOn        []string  `yaml:"depends_on" json:"depends_on"`
	CreatedAt        time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt        time.Time `yaml:"updated_at" json:"updated_at"`
	BlockReason      string    `yaml:"block_reason,omitempty" json:"block_reason,omitempty"`
	FailReason       string    `yaml:"fail_reason,omitempty" json:"fail_reason,omitempty"`
	Action           string    `yaml:"action,omitempty" json:"action,omitempty"`
	RequiredEvidence []string  `yaml:"required_evidence,omitempty" json:"required_evidence,omitempty"`
}

func (t *TaskNode) clone() TaskNode {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.RequiredEvidence = append([]string(nil), t.RequiredEvidence...)
	return c
}

// Option configures a Graph.
type Option func(*Graph)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) { g.now = now }
}

// Graph owns the tasks of one trace.
type Graph struct {
	traceID string

	mu    sync.RWMutex
	tasks map[string]*TaskNode

	now func() time.Time
}

// New creates an empty graph for traceID.
func New(traceID string, opts ...Option) *Graph {
	g := &Graph{
		traceID: traceID,
		tasks:   make(map[string]*TaskNode),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// TraceID returns the trace this graph belongs to.
func (g *Graph) TraceID() string { return g.traceID }

// NewTask describes a task to add.
type NewTask struct {
	TaskID           string
	ParentID         string
	Description      string
	DependsOn        []string
	Action           string
	RequiredEvidence []string
}

// AddTask inserts a pending task. Dependencies and the parent must already
// exist, so insertion alone can never create a cycle.
func (g *Graph) AddTask(nt NewTask) (TaskNode, error) {
	id := strings.TrimSpace(nt.TaskID)
	if id == "" || strings.ContainsAny(id, " \t\n") {
		return TaskNode{}, reason.New(reason.TaskInvalidID, "invalid task id %q", nt.TaskID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[id]; exists {
		return TaskNode{}, reason.New(reason.TaskDuplicate, "task %s already exists", id)
	}
	if nt.ParentID != "" {
		if _, ok := g.tasks[nt.ParentID]; !ok {
			return TaskNode{}, reason.New(reason.TaskNotFound, "parent %s of %s not found", nt.ParentID, id)
		}
	}
	deps := dedupe(nt.DependsOn)
	for _, dep := range deps {
		if dep == id {
			return TaskNode{}, reason.New(reason.TaskDependencyCycle, "task %s cannot depend on itself", id)
		}
		if _, ok := g.tasks[dep]; !ok {
			return TaskNode{}, reason.New(reason.TaskDependencyMissing, "dependency %s of %s not found", dep, id)
		}
	}

	now := g.now().UTC()
	node := &TaskNode{
		TaskID:           id,
		ParentID:         nt.ParentID,
		Description:      nt.Description,
		Status:           StatusPending,
		DependsOn:        deps,
		CreatedAt:        now,
		UpdatedAt:        now,
		Action:           nt.Action,
		RequiredEvidence: append([]string(nil), nt.RequiredEvidence...),
	}
	g.tasks[id] = node
	logging.TasksDebug("[%s] added task %s (deps=%v)", g.traceID, id, deps)
	return node.clone(), nil
}

// AddDependency makes taskID depend on dependsOn. If the new dependency is
// not done the task is demoted to blocked immediately, unless it is already
// blocked for an explicit reason, which is kept.
func (g *Graph) AddDependency(taskID, dependsOn string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, err := g.mutable(taskID)
	if err != nil {
		return err
	}
	dep, ok := g.tasks[dependsOn]
	if !ok {
		return reason.New(reason.TaskDependencyMissing, "dependency %s of %s not found", dependsOn, taskID)
	}
	if taskID == dependsOn || g.reaches(dependsOn, taskID) {
		return reason.New(reason.TaskDependencyCycle, "%s -> %s would create a cycle", taskID, dependsOn)
	}
	for _, existing := range t.DependsOn {
		if existing == dependsOn {
			return nil
		}
	}

	t.DependsOn = append(t.DependsOn, dependsOn)
	sort.Strings(t.DependsOn)
	t.UpdatedAt = g.now().UTC()
	explicit := t.Status == StatusBlocked && !strings.HasPrefix(t.BlockReason, dependencyBlockPrefix)
	if dep.Status != StatusDone && !explicit {
		t.Status = StatusBlocked
		t.BlockReason = dependencyBlockPrefix + strings.Join(g.unmetDeps(t), ", ")
		logging.Tasks("[%s] %s blocked: %s", g.traceID, taskID, t.BlockReason)
	} else if explicit && dep.Status != StatusDone {
		logging.TasksWarn("[%s] %s stays blocked (%s); dependency %s is not done", g.traceID, taskID, t.BlockReason, dependsOn)
	}
	return nil
}

// MarkReady moves a task to ready. Every dependency must be done.
func (g *Graph) MarkReady(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, err := g.mutable(taskID)
	if err != nil {
		return err
	}
	if unmet := g.unmetDeps(t); len(unmet) > 0 {
		return reason.New(reason.TaskDependencyUnmet, "%s cannot be ready: unmet dependencies %s", taskID, strings.Join(unmet, ", "))
	}
	g.setStatus(t, StatusReady, "")
	return nil
}

// MarkBlocked blocks a task. An empty reason is accepted only when the task
// has an unmet dependency, which then becomes the reason.
func (g *Graph) MarkBlocked(taskID, why string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, err := g.mutable(taskID)
	if err != nil {
		return err
	}
	why = strings.TrimSpace(why)
	if why == "" {
		unmet := g.unmetDeps(t)
		if len(unmet) == 0 {
			return reason.New(reason.TaskBlockReasonRequired, "%s: blocking requires a reason or an unmet dependency", taskID)
		}
		why = dependencyBlockPrefix + strings.Join(unmet, ", ")
	}
	g.setStatus(t, StatusBlocked, why)
	return nil
}

// Unblock clears a block. The task becomes ready when its dependencies are
// done and pending otherwise.
func (g *Graph) Unblock(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, err := g.mutable(taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusBlocked {
		return reason.New(reason.TaskInvalidTransition, "%s is %s, not blocked", taskID, t.Status)
	}
	next := StatusPending
	if len(g.unmetDeps(t)) == 0 {
		next = StatusReady
	}
	g.setStatus(t, next, "")
	return nil
}

// MarkDone completes a ready task.
func (g *Graph) MarkDone(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, err := g.mutable(taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusReady {
		return reason.New(reason.TaskInvalidTransition, "%s is %s; only ready tasks can complete", taskID, t.Status)
	}
	if unmet := g.unmetDeps(t); len(unmet) > 0 {
		return reason.New(reason.TaskDependencyUnmet, "%s has unmet dependencies %s", taskID, strings.Join(unmet, ", "))
	}
	g.setStatus(t, StatusDone, "")
	return nil
}

// MarkFailed terminally fails a task.
func (g *Graph) MarkFailed(taskID, why string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, err := g.mutable(taskID)
	if err != nil {
		return err
	}
	g.setStatus(t, StatusFailed, "")
	t.FailReason = strings.TrimSpace(why)
	return nil
}

// RefreshReadiness promotes pending tasks, and tasks blocked only on
// dependencies, whose dependencies are now all done. It returns the promoted
// ids in sorted order.
func (g *Graph) RefreshReadiness() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var promoted []string
	for _, id := range g.sortedIDs() {
		t := g.tasks[id]
		eligible := t.Status == StatusPending ||
			(t.Status == StatusBlocked && strings.HasPrefix(t.BlockReason, dependencyBlockPrefix))
		if !eligible || len(g.unmetDeps(t)) > 0 {
			continue
		}
		g.setStatus(t, StatusReady, "")
		promoted = append(promoted, id)
	}
	if len(promoted) > 0 {
		logging.TasksDebug("[%s] promoted to ready: %v", g.traceID, promoted)
	}
	return promoted
}

// Task returns a copy of one task.
func (g *Graph) Task(taskID string) (TaskNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return TaskNode{}, false
	}
	return t.clone(), true
}

// Tasks returns copies of all tasks sorted by id.
func (g *Graph) Tasks() []TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]TaskNode, 0, len(g.tasks))
	for _, id := range g.sortedIDs() {
		out = append(out, g.tasks[id].clone())
	}
	return out
}

// UnmetDependencies lists the dependencies of taskID that are not done.
func (g *Graph) UnmetDependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[taskID]
	if !ok {
		return nil
	}
	return g.unmetDeps(t)
}

// DependencyDepth is 0 for a task without dependencies, otherwise one more
// than the deepest dependency. Unknown ids have depth -1.
func (g *Graph) DependencyDepth(taskID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.tasks[taskID]; !ok {
		return -1
	}
	return g.depth(taskID, make(map[string]int), make(map[string]bool))
}

// Validate checks every graph invariant: known statuses, existing
// dependencies, acyclicity, readiness and block reasons.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, id := range g.sortedIDs() {
		t := g.tasks[id]
		if t.TaskID != id {
			return reason.New(reason.TaskInvalidID, "task keyed %s carries id %s", id, t.TaskID)
		}
		if !t.Status.Valid() {
			return reason.New(reason.TaskInvalidStatus, "%s has unknown status %q", id, t.Status)
		}
		if t.ParentID != "" {
			if _, ok := g.tasks[t.ParentID]; !ok {
				return reason.New(reason.TaskNotFound, "parent %s of %s not found", t.ParentID, id)
			}
		}
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return reason.New(reason.TaskDependencyMissing, "dependency %s of %s not found", dep, id)
			}
		}
		unmet := g.unmetDeps(t)
		switch t.Status {
		case StatusReady, StatusDone:
			if len(unmet) > 0 {
				return reason.New(reason.TaskDependencyUnmet, "%s is %s with unmet dependencies %v", id, t.Status, unmet)
			}
		case StatusBlocked:
			if strings.TrimSpace(t.BlockReason) == "" && len(unmet) == 0 {
				return reason.New(reason.TaskBlockReasonRequired, "%s is blocked without reason", id)
			}
		}
	}

	// Kahn's algorithm: anything left over sits on a cycle.
	indegree := make(map[string]int, len(g.tasks))
	dependents := make(map[string][]string)
	for id, t := range g.tasks {
		indegree[id] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}
	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, d := range dependents[id] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if visited != len(g.tasks) {
		return reason.New(reason.TaskDependencyCycle, "dependency cycle among %d tasks", len(g.tasks)-visited)
	}
	return nil
}

// insert places a fully-formed node without transition checks. Used when
// loading a persisted graph, which is validated as a whole afterwards.
func (g *Graph) insert(t TaskNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.tasks[t.TaskID]; exists {
		return reason.New(reason.TaskDuplicate, "task %s appears twice", t.TaskID)
	}
	c := t.clone()
	g.tasks[t.TaskID] = &c
	return nil
}

func (g *Graph) mutable(taskID string) (*TaskNode, error) {
	t, ok := g.tasks[taskID]
	if !ok {
		return nil, reason.New(reason.TaskNotFound, "task %s not found", taskID)
	}
	if t.Status.Terminal() {
		return nil, reason.New(reason.TaskTerminal, "task %s is %s and immutable", taskID, t.Status)
	}
	return t, nil
}

func (g *Graph) setStatus(t *TaskNode, s Status, blockReason string) {
	prev := t.Status
	t.Status = s
	t.BlockReason = blockReason
	t.UpdatedAt = g.now().UTC()
	logging.TasksDebug("[%s] %s: %s -> %s", g.traceID, t.TaskID, prev, s)
}

func (g *Graph) unmetDeps(t *TaskNode) []string {
	var unmet []string
	for _, dep := range t.DependsOn {
		d, ok := g.tasks[dep]
		if !ok || d.Status != StatusDone {
			unmet = append(unmet, dep)
		}
	}
	sort.Strings(unmet)
	return unmet
}

// reaches reports whether to is reachable from from by following dependencies.
func (g *Graph) reaches(from, to string) bool {
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if t, ok := g.tasks[id]; ok {
			stack = append(stack, t.DependsOn...)
		}
	}
	return false
}

func (g *Graph) depth(id string, memo map[string]int, onPath map[string]bool) int {
	if d, ok := memo[id]; ok {
		return d
	}
	if onPath[id] {
		return 0
	}
	onPath[id] = true
	best := 0
	if t, ok := g.tasks[id]; ok {
		for _, dep := range t.DependsOn {
			if d := g.depth(dep, memo, onPath) + 1; d > best {
				best = d
			}
		}
	}
	onPath[id] = false
	memo[id] = best
	return best
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// String renders a short status line, used in CLI output and logs.
func (t TaskNode) String() string {
	if t.BlockReason != "" {
		return fmt.Sprintf("%s [%s: %s]", t.TaskID, t.Status, t.BlockReason)
	}
	return fmt.Sprintf("%s [%s]", t.TaskID, t.Status)
}
