package model

// Goal is a named intent plus its task DAG, scoped to one conversation
// thread. Goals are immutable after creation; re-planning produces a new
// Goal with a fresh ID.
type Goal struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Intent   string   `json:"intent,omitempty" yaml:"intent,omitempty"`
	ThreadID string   `json:"thread_id" yaml:"thread_id"`
	GraphID  string   `json:"graph_id" yaml:"graph_id"`
	Tasks    []Task   `json:"tasks" yaml:"tasks"`
	Metadata GoalMeta `json:"metadata" yaml:"metadata"`
}

// GoalMeta carries continuation-loop bookkeeping. Iteration starts at 1 for
// the first goal of a loop; ContinuationLoop marks goals whose commits should
// trigger the continuation controller.
type GoalMeta struct {
	Iteration        int  `json:"iteration" yaml:"iteration"`
	ContinuationLoop bool `json:"continuation_loop" yaml:"continuation_loop"`
}

// Task is one planned unit of work within a Goal. BlockedBy references task
// IDs within the same goal whose outputs this task needs.
type Task struct {
	ID        string            `json:"id" yaml:"id"`
	Tool      string            `json:"tool" yaml:"tool"`
	Args      map[string]string `json:"args" yaml:"args"`
	ThreadID  string            `json:"thread_id" yaml:"thread_id"`
	BlockedBy []string          `json:"blocked_by,omitempty" yaml:"blocked_by,omitempty"`
}

// Tool names the executor understands.
const (
	ToolCreateGraph = "create_graph"
	ToolCreateNode  = "create_node"
	ToolCreateEdge  = "create_edge"
	ToolMoveNode    = "move_node"
	ToolUpdateNode  = "update_node"
)
