package model

// OpType enumerates the atomic mutations the apply boundary understands.
type OpType string

const (
	OpCreateGraph OpType = "create_graph"
	OpCreateNode  OpType = "create_node"
	OpCreateEdge  OpType = "create_edge"
	OpMoveNode    OpType = "move_node"
	OpUpdateNode  OpType = "update_node"
)

// Operation is one atomic, fully-resolved mutation against a graph document.
// The applier needs no further interpretation: entity IDs are already
// assigned (or resolved to existing entities) by the executor.
type Operation struct {
	ID      string `json:"id"`
	Type    OpType `json:"type"`
	GraphID string `json:"graph_id"`

	// Entity fields. NodeID/EdgeID name the target entity; From/To are edge
	// endpoints; Label is the display name for creates and updates.
	NodeID string `json:"node_id,omitempty"`
	EdgeID string `json:"edge_id,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Label  string `json:"label,omitempty"`

	X float64 `json:"x,omitempty"`
	Y float64 `json:"y,omitempty"`

	Props map[string]string `json:"props,omitempty"`
}

// Patch is an identified, ordered bundle of Operations targeting one graph.
// BaseVersion, when non-empty, is the graph version the operations were
// generated against; the committer uses it for the optimistic-merge check.
type Patch struct {
	ID          string      `json:"id"`
	GraphID     string      `json:"graph_id"`
	Operations  []Operation `json:"operations"`
	BaseVersion string      `json:"base_version,omitempty"`
}

// ReviewItem wraps approved Patches awaiting commit, plus the goal context
// the committer needs for event logging and continuation.
type ReviewItem struct {
	ID       string   `json:"id"`
	GraphID  string   `json:"graph_id"`
	ThreadID string   `json:"thread_id"`
	GoalID   string   `json:"goal_id"`
	GoalName string   `json:"goal_name"`
	Summary  string   `json:"summary,omitempty"`
	Patches  []Patch  `json:"patches"`
	Meta     GoalMeta `json:"meta"`
}

// GraphSnapshot is the compact view of a graph the bridge exposes: enough
// for near-duplicate resolution, referential validation, merge checking, and
// the continuation prompt, without shipping the whole document.
type GraphSnapshot struct {
	GraphID   string    `json:"graph_id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	NodeCount int       `json:"node_count"`
	EdgeCount int       `json:"edge_count"`
	Nodes     []NodeRef `json:"nodes"`
}

// NodeRef is a node identity paired with its display label.
type NodeRef struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}
