package stage

import (
	"fmt"
	"hash/fnv"
	"strconv"

	"github.com/mkondo/graphflow/internal/model"
)

// Executor walks a goal's tasks in dependency order and produces the
// operation list. It is deterministic: the same goal against the same
// snapshot yields the same operations, including entity identifiers, which
// are derived from content rather than drawn from a random source.
type Executor struct {
	resolver *Resolver
}

func NewExecutor(cfg model.ExecutorConfig) *Executor {
	return &Executor{
		resolver: NewResolver(cfg.SimilarityThreshold),
	}
}

// Run produces the operations for goal against the given snapshot. The
// snapshot may be empty (new graph); it is never mutated.
func (e *Executor) Run(goal *model.Goal, snap *model.GraphSnapshot) ([]model.Operation, error) {
	ordered, err := OrderTasks(goal.Tasks)
	if err != nil {
		return nil, fmt.Errorf("order tasks: %w", err)
	}

	graphID := goal.GraphID
	// refs accumulates snapshot nodes plus nodes created earlier in this
	// batch, so later tasks resolve against both.
	var refs []model.NodeRef
	if snap != nil {
		refs = append(refs, snap.Nodes...)
	}
	byID := make(map[string]bool, len(refs))
	for _, ref := range refs {
		byID[ref.ID] = true
	}

	var ops []model.Operation
	for _, task := range ordered {
		switch task.Tool {
		case model.ToolCreateGraph:
			name := task.Args["name"]
			if name == "" {
				return nil, fmt.Errorf("task %s: create_graph requires name", task.ID)
			}
			newGraph := deterministicID("graph", goal.ThreadID, name)
			ops = append(ops, model.Operation{
				ID:      deterministicID("op", task.ID, "create_graph", name),
				Type:    model.OpCreateGraph,
				GraphID: newGraph,
				Label:   name,
			})
			if graphID == "" {
				graphID = newGraph
			}

		case model.ToolCreateNode:
			label := task.Args["label"]
			if label == "" {
				return nil, fmt.Errorf("task %s: create_node requires label", task.ID)
			}
			if _, ok := e.resolver.Resolve(label, refs); ok {
				// Near-duplicate of an existing entity: reuse, create nothing.
				continue
			}
			nodeID := deterministicID("node", graphID, label)
			ops = append(ops, model.Operation{
				ID:      deterministicID("op", task.ID, "create_node", label),
				Type:    model.OpCreateNode,
				GraphID: graphID,
				NodeID:  nodeID,
				Label:   label,
				X:       parseFloat(task.Args["x"]),
				Y:       parseFloat(task.Args["y"]),
				Props:   propsOf(task.Args),
			})
			refs = append(refs, model.NodeRef{ID: nodeID, Label: label})
			byID[nodeID] = true

		case model.ToolCreateEdge:
			from := e.endpoint(task.Args["from"], refs, byID)
			to := e.endpoint(task.Args["to"], refs, byID)
			if from == "" || to == "" {
				return nil, fmt.Errorf("task %s: create_edge requires from and to", task.ID)
			}
			ops = append(ops, model.Operation{
				ID:      deterministicID("op", task.ID, "create_edge", from, to),
				Type:    model.OpCreateEdge,
				GraphID: graphID,
				EdgeID:  deterministicID("edge", graphID, from, to, task.Args["label"]),
				From:    from,
				To:      to,
				Label:   task.Args["label"],
			})

		case model.ToolMoveNode:
			node := e.endpoint(task.Args["node"], refs, byID)
			if node == "" {
				return nil, fmt.Errorf("task %s: move_node requires node", task.ID)
			}
			ops = append(ops, model.Operation{
				ID:      deterministicID("op", task.ID, "move_node", node),
				Type:    model.OpMoveNode,
				GraphID: graphID,
				NodeID:  node,
				X:       parseFloat(task.Args["x"]),
				Y:       parseFloat(task.Args["y"]),
			})

		case model.ToolUpdateNode:
			node := e.endpoint(task.Args["node"], refs, byID)
			if node == "" {
				return nil, fmt.Errorf("task %s: update_node requires node", task.ID)
			}
			ops = append(ops, model.Operation{
				ID:      deterministicID("op", task.ID, "update_node", node),
				Type:    model.OpUpdateNode,
				GraphID: graphID,
				NodeID:  node,
				Label:   task.Args["label"],
				Props:   propsOf(task.Args),
			})

		default:
			return nil, fmt.Errorf("task %s: unknown tool %q", task.ID, task.Tool)
		}
	}
	return ops, nil
}

// endpoint resolves a task argument naming a node: a literal node ID passes
// through, a label is resolved against existing and batch-created nodes.
// An unresolvable reference is returned as-is for the auditor to reject.
func (e *Executor) endpoint(arg string, refs []model.NodeRef, byID map[string]bool) string {
	if arg == "" {
		return ""
	}
	if byID[arg] {
		return arg
	}
	if id, ok := e.resolver.Resolve(arg, refs); ok {
		return id
	}
	return arg
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// propsOf extracts free-form properties, dropping the argument keys the
// executor itself interprets.
func propsOf(args map[string]string) map[string]string {
	reserved := map[string]bool{
		"label": true, "name": true, "node": true,
		"from": true, "to": true, "x": true, "y": true,
	}
	var props map[string]string
	for k, v := range args {
		if reserved[k] {
			continue
		}
		if props == nil {
			props = make(map[string]string)
		}
		props[k] = v
	}
	return props
}

// deterministicID derives a stable identifier from its parts.
func deterministicID(kind string, parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s_%016x", kind, h.Sum64())
}
