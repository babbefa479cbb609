// Package causal keeps the append-only cause/effect graph of a trace and
// explains a task's history from it, or declines to.
package causal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/canonical"
	"warden/internal/evidence"
	"warden/internal/jsonl"
	"warden/internal/logging"
	"warden/internal/reason"
	"warden/internal/traceid"
)

const fileSuffix = ".causal.jsonl"

// EvidenceChecker reports whether an evidence claim is still valid.
// *evidence.Store satisfies it.
type EvidenceChecker interface {
	Evaluate(claim string, now time.Time) evidence.Evaluation
}

// Option configures a Trace.
type Option func(*Trace)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Trace) { t.now = now }
}

// WithIDGenerator overrides node and edge id generation.
func WithIDGenerator(gen func() string) Option {
	return func(t *Trace) { t.newID = gen }
}

// Trace is the causal graph of one trace id.
type Trace struct {
	traceID  string
	evidence EvidenceChecker

	mu      sync.RWMutex
	nodes   map[string]Node
	order   []string // node ids in append order
	edges   []Edge
	inbound map[string][]Edge
	file    *jsonl.File
	now     func() time.Time
	newID   func() string
}

func newTrace(traceID string, checker EvidenceChecker, opts []Option) *Trace {
	t := &Trace{
		traceID:  traceID,
		evidence: checker,
		nodes:    make(map[string]Node),
		inbound:  make(map[string][]Edge),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewMemory creates a trace that is not backed by a file.
func NewMemory(traceID string, checker EvidenceChecker, opts ...Option) *Trace {
	return newTrace(traceID, checker, opts)
}

// Open replays <dir>/<trace>.causal.jsonl and appends to it.
func Open(dir, traceID string, checker EvidenceChecker, opts ...Option) (*Trace, error) {
	path, err := traceid.Path(dir, traceID, fileSuffix)
	if err != nil {
		return nil, err
	}
	t := newTrace(traceID, checker, opts)
	err = jsonl.ReadLines(path, func(lineNo int, raw []byte) error {
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		switch {
		case l.RecordType == "node" && l.Node != nil:
			t.applyNode(*l.Node)
		case l.RecordType == "edge" && l.Edge != nil:
			t.applyEdge(*l.Edge)
		default:
			return reason.New(reason.CausalInvalid, "%s:%d: unknown record_type %q", path, lineNo, l.RecordType)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay causal trace: %w", err)
	}
	f, err := jsonl.Open(path)
	if err != nil {
		return nil, err
	}
	t.file = f
	logging.CausalDebug("opened causal trace %s: %d nodes, %d edges", traceID, len(t.nodes), len(t.edges))
	return t, nil
}

// TraceID returns the trace id.
func (t *Trace) TraceID() string { return t.traceID }

// Close releases the backing file, if any.
func (t *Trace) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}

// AddNode appends a node. EVIDENCE nodes must name the claim they rest on.
func (t *Trace) AddNode(n NewNode) (Node, error) {
	if strings.TrimSpace(n.TaskID) == "" {
		return Node{}, reason.New(reason.CausalInvalid, "node needs a task_id")
	}
	if !validNodeTypes[n.NodeType] {
		return Node{}, reason.New(reason.CausalInvalid, "unknown node type %q", n.NodeType)
	}
	if strings.TrimSpace(n.Description) == "" {
		return Node{}, reason.New(reason.CausalInvalid, "node needs a description")
	}
	if n.NodeType == NodeEvidence && strings.TrimSpace(n.Claim) == "" {
		return Node{}, reason.New(reason.CausalInvalid, "evidence node needs a claim")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	node := Node{
		NodeID:      t.newID(),
		TaskID:      n.TaskID,
		NodeType:    n.NodeType,
		Description: n.Description,
		Claim:       n.Claim,
		Timestamp:   t.now().UTC(),
	}
	if _, dup := t.nodes[node.NodeID]; dup {
		return Node{}, reason.New(reason.CausalDuplicate, "node id %s already used", node.NodeID)
	}
	if err := t.persist(line{RecordType: "node", Node: &node}); err != nil {
		return Node{}, err
	}
	t.applyNode(node)
	logging.CausalDebug("[%s] node %s %s for %s", t.traceID, node.NodeID, node.NodeType, node.TaskID)
	return node, nil
}

// AddEdge links cause to effect. Both nodes must exist, the edge must be new,
// and it must not close a cycle.
func (t *Trace) AddEdge(from, to string, rel Relationship) (Edge, error) {
	if !validRelationships[rel] {
		return Edge{}, reason.New(reason.CausalInvalid, "unknown relationship %q", rel)
	}
	if from == to {
		return Edge{}, reason.New(reason.CausalInvalid, "node %s cannot cause itself", from)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[from]; !ok {
		return Edge{}, reason.New(reason.CausalNodeNotFound, "node %s", from)
	}
	if _, ok := t.nodes[to]; !ok {
		return Edge{}, reason.New(reason.CausalNodeNotFound, "node %s", to)
	}
	for _, e := range t.inbound[to] {
		if e.From == from && e.Relationship == rel {
			return Edge{}, reason.New(reason.CausalDuplicate, "edge %s -%s-> %s exists", from, rel, to)
		}
	}
	if t.reachesLocked(to, from) {
		return Edge{}, reason.New(reason.CausalInvalid, "edge %s -> %s would close a cycle", from, to)
	}

	edge := Edge{EdgeID: t.newID(), From: from, To: to, Relationship: rel, Timestamp: t.now().UTC()}
	if err := t.persist(line{RecordType: "edge", Edge: &edge}); err != nil {
		return Edge{}, err
	}
	t.applyEdge(edge)
	return edge, nil
}

// Node returns a node by id.
func (t *Trace) Node(id string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// Nodes returns all nodes in append order.
func (t *Trace) Nodes() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.nodes[id])
	}
	return out
}

// Edges returns all edges in append order.
func (t *Trace) Edges() []Edge {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Edge(nil), t.edges...)
}

// TaskNodes returns the nodes recorded for taskID in append order.
func (t *Trace) TaskNodes(taskID string) []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Node
	for _, id := range t.order {
		if n := t.nodes[id]; n.TaskID == taskID {
			out = append(out, n)
		}
	}
	return out
}

// ExplainCausalChain returns the task's chain as ordered node descriptions.
// The chain is the task's nodes plus everything upstream of them. It is
// explained only when every non-EVIDENCE node in it has an inbound edge and
// every EVIDENCE node is still valid at now; otherwise (nil, false).
func (t *Trace) ExplainCausalChain(taskID string, now time.Time) ([]string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	chain := t.chainLocked(taskID)
	if len(chain) == 0 {
		logging.CausalDebug("[%s] no causal nodes for %s", t.traceID, taskID)
		return nil, false
	}

	indegree := make(map[string]int, len(chain))
	for id := range chain {
		n := t.nodes[id]
		for _, e := range t.inbound[id] {
			if chain[e.From] {
				indegree[id]++
			}
		}
		if n.NodeType != NodeEvidence && indegree[id] == 0 {
			logging.Causal("[%s] %s: %s node %s has no cause", t.traceID, taskID, n.NodeType, id)
			return nil, false
		}
		if n.NodeType == NodeEvidence && !t.evidenceValid(n.Claim, now) {
			logging.Causal("[%s] %s: evidence %q no longer valid", t.traceID, taskID, n.Claim)
			return nil, false
		}
	}

	outbound := make(map[string][]string, len(chain))
	for _, e := range t.edges {
		if chain[e.From] && chain[e.To] {
			outbound[e.From] = append(outbound[e.From], e.To)
		}
	}

	var ready []Node
	for id := range chain {
		if indegree[id] == 0 {
			ready = append(ready, t.nodes[id])
		}
	}
	out := make([]string, 0, len(chain))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return nodeLess(ready[i], ready[j]) })
		n := ready[0]
		ready = ready[1:]
		out = append(out, n.String())
		for _, next := range outbound[n.NodeID] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, t.nodes[next])
			}
		}
	}
	if len(out) != len(chain) {
		return nil, false
	}
	return out, true
}

func nodeLess(a, b Node) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.NodeID < b.NodeID
}

func (t *Trace) evidenceValid(claim string, now time.Time) bool {
	if t.evidence == nil {
		return false
	}
	return t.evidence.Evaluate(claim, now).OK()
}

// chainLocked collects the task's nodes and their transitive causes.
func (t *Trace) chainLocked(taskID string) map[string]bool {
	chain := make(map[string]bool)
	var stack []string
	for _, id := range t.order {
		if t.nodes[id].TaskID == taskID {
			chain[id] = true
			stack = append(stack, id)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range t.inbound[id] {
			if !chain[e.From] {
				chain[e.From] = true
				stack = append(stack, e.From)
			}
		}
	}
	return chain
}

// reachesLocked reports whether a path of edges leads from src to dst.
func (t *Trace) reachesLocked(src, dst string) bool {
	seen := map[string]bool{}
	stack := []string{dst}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == src {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, e := range t.inbound[id] {
			stack = append(stack, e.From)
		}
	}
	return false
}

func (t *Trace) persist(l line) error {
	if t.file == nil {
		return nil
	}
	raw, err := canonical.Marshal(l)
	if err != nil {
		return reason.Wrap(reason.CausalAppendFailed, err, "encode %s", l.RecordType)
	}
	if err := t.file.Append(raw); err != nil {
		logging.Get(logging.CategoryCausal).Error("[%s] append %s failed: %v", t.traceID, l.RecordType, err)
		return reason.Wrap(reason.CausalAppendFailed, err, "append %s", l.RecordType)
	}
	return nil
}

func (t *Trace) applyNode(n Node) {
	if _, ok := t.nodes[n.NodeID]; !ok {
		t.order = append(t.order, n.NodeID)
	}
	t.nodes[n.NodeID] = n
}

func (t *Trace) applyEdge(e Edge) {
	t.edges = append(t.edges, e)
	t.inbound[e.To] = append(t.inbound[e.To], e)
}
