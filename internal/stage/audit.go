package stage

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mkondo/graphflow/internal/model"
)

// RejectionError marks a goal the auditor refused. The reason is what lands
// in the event log; rejected goals produce no review item.
type RejectionError struct {
	GoalID string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("goal %s rejected: %s", e.GoalID, e.Reason)
}

// Auditor validates the operations produced for a goal and wraps approved
// ones into a Patch stamped with the snapshot version it was generated
// against.
type Auditor struct{}

func NewAuditor() *Auditor {
	return &Auditor{}
}

// Audit checks operation shape and referential integrity: every edge
// endpoint and move/update target must exist in the snapshot or be created
// earlier in the same batch. Returns a *RejectionError on failure.
func (a *Auditor) Audit(goal *model.Goal, ops []model.Operation, snap *model.GraphSnapshot) (*model.Patch, error) {
	if len(ops) == 0 {
		return nil, &RejectionError{GoalID: goal.ID, Reason: "no operations generated"}
	}

	known := make(map[string]bool)
	if snap != nil {
		for _, ref := range snap.Nodes {
			known[ref.ID] = true
		}
	}

	graphID := goal.GraphID
	for i, op := range ops {
		if op.Type == "" {
			return nil, &RejectionError{GoalID: goal.ID, Reason: fmt.Sprintf("operation %d has no type", i)}
		}
		if op.GraphID == "" {
			return nil, &RejectionError{GoalID: goal.ID, Reason: fmt.Sprintf("operation %d has no graph id", i)}
		}

		switch op.Type {
		case model.OpCreateGraph:
			if op.Label == "" {
				return nil, &RejectionError{GoalID: goal.ID, Reason: fmt.Sprintf("operation %d: create_graph without name", i)}
			}
			if graphID == "" {
				graphID = op.GraphID
			}
		case model.OpCreateNode:
			if op.NodeID == "" || op.Label == "" {
				return nil, &RejectionError{GoalID: goal.ID, Reason: fmt.Sprintf("operation %d: create_node without id or label", i)}
			}
			known[op.NodeID] = true
		case model.OpCreateEdge:
			if !known[op.From] {
				return nil, &RejectionError{GoalID: goal.ID, Reason: fmt.Sprintf("operation %d: edge endpoint %q does not exist", i, op.From)}
			}
			if !known[op.To] {
				return nil, &RejectionError{GoalID: goal.ID, Reason: fmt.Sprintf("operation %d: edge endpoint %q does not exist", i, op.To)}
			}
		case model.OpMoveNode, model.OpUpdateNode:
			if !known[op.NodeID] {
				return nil, &RejectionError{GoalID: goal.ID, Reason: fmt.Sprintf("operation %d: node %q does not exist", i, op.NodeID)}
			}
		default:
			return nil, &RejectionError{GoalID: goal.ID, Reason: fmt.Sprintf("operation %d: unknown type %q", i, op.Type)}
		}
	}

	patch := &model.Patch{
		ID:         uuid.NewString(),
		GraphID:    graphID,
		Operations: ops,
	}
	if snap != nil {
		patch.BaseVersion = snap.Version
	}
	return patch, nil
}
