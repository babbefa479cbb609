package causal

import (
	"fmt"
	"time"
)

// NodeType classifies a causal node.
type NodeType string

const (
	NodeEvidence NodeType = "EVIDENCE"
	NodeDecision NodeType = "DECISION"
	NodeAction   NodeType = "ACTION"
	NodeOutcome  NodeType = "OUTCOME"
	NodeBlocker  NodeType = "BLOCKER"
)

var validNodeTypes = map[NodeType]bool{
	NodeEvidence: true,
	NodeDecision: true,
	NodeAction:   true,
	NodeOutcome:  true,
	NodeBlocker:  true,
}

// Relationship labels an edge. An edge points from cause to effect: the
// effect is caused_by, requires or is blocked_by the cause.
type Relationship string

const (
	CausedBy  Relationship = "caused_by"
	Requires  Relationship = "requires"
	BlockedBy Relationship = "blocked_by"
)

var validRelationships = map[Relationship]bool{
	CausedBy:  true,
	Requires:  true,
	BlockedBy: true,
}

// Node is one fact in a task's causal history.
type Node struct {
	NodeID      string    `json:"node_id"`
	TaskID      string    `json:"task_id"`
	NodeType    NodeType  `json:"node_type"`
	Description string    `json:"description"`
	Claim       string    `json:"claim,omitempty"` // EVIDENCE only
	Timestamp   time.Time `json:"timestamp"`
}

func (n Node) String() string {
	return fmt.Sprintf("[%s] %s", n.NodeType, n.Description)
}

// Edge links a cause (From) to its effect (To).
type Edge struct {
	EdgeID       string       `json:"edge_id"`
	From         string       `json:"from"`
	To           string       `json:"to"`
	Relationship Relationship `json:"relationship"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NewNode is the input to AddNode.
type NewNode struct {
	TaskID      string
	NodeType    NodeType
	Description string
	Claim       string
}

// line is the on-disk NDJSON shape.
type line struct {
	RecordType string `json:"record_type"` // node | edge
	Node       *Node  `json:"node,omitempty"`
	Edge       *Edge  `json:"edge,omitempty"`
}
