package stage

import (
	"errors"
	"testing"

	"github.com/mkondo/graphflow/internal/model"
)

func TestAuditor_ApprovesValidBatch(t *testing.T) {
	a := NewAuditor()
	goal := &model.Goal{ID: "goal_0000000001_00000001", GraphID: "g1"}
	snap := &model.GraphSnapshot{GraphID: "g1", Version: "v7"}
	ops := []model.Operation{
		{ID: "op_1", Type: model.OpCreateNode, GraphID: "g1", NodeID: "node_a", Label: "Earth"},
		{ID: "op_2", Type: model.OpCreateEdge, GraphID: "g1", EdgeID: "edge_1", From: "node_a", To: "node_a"},
	}

	patch, err := a.Audit(goal, ops, snap)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if patch.ID == "" {
		t.Error("expected patch id")
	}
	if patch.GraphID != "g1" {
		t.Errorf("expected graph g1, got %s", patch.GraphID)
	}
	if patch.BaseVersion != "v7" {
		t.Errorf("expected base version v7, got %s", patch.BaseVersion)
	}
	if len(patch.Operations) != 2 {
		t.Errorf("expected 2 operations, got %d", len(patch.Operations))
	}
}

func TestAuditor_RejectsEmptyBatch(t *testing.T) {
	a := NewAuditor()
	goal := &model.Goal{ID: "goal_0000000001_00000002", GraphID: "g1"}

	_, err := a.Audit(goal, nil, nil)
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
}

func TestAuditor_RejectsDanglingEdgeEndpoint(t *testing.T) {
	a := NewAuditor()
	goal := &model.Goal{ID: "goal_0000000001_00000003", GraphID: "g1"}
	snap := &model.GraphSnapshot{GraphID: "g1", Nodes: []model.NodeRef{{ID: "node_a", Label: "Earth"}}}
	ops := []model.Operation{
		{ID: "op_1", Type: model.OpCreateEdge, GraphID: "g1", EdgeID: "edge_1", From: "node_a", To: "node_ghost"},
	}

	_, err := a.Audit(goal, ops, snap)
	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
}

func TestAuditor_AcceptsEndpointCreatedEarlierInBatch(t *testing.T) {
	a := NewAuditor()
	goal := &model.Goal{ID: "goal_0000000001_00000004", GraphID: "g1"}
	ops := []model.Operation{
		{ID: "op_1", Type: model.OpCreateNode, GraphID: "g1", NodeID: "node_a", Label: "Earth"},
		{ID: "op_2", Type: model.OpCreateNode, GraphID: "g1", NodeID: "node_b", Label: "Sun"},
		{ID: "op_3", Type: model.OpCreateEdge, GraphID: "g1", EdgeID: "edge_1", From: "node_a", To: "node_b"},
	}

	if _, err := a.Audit(goal, ops, nil); err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
}

func TestAuditor_RejectsMoveOfMissingNode(t *testing.T) {
	a := NewAuditor()
	goal := &model.Goal{ID: "goal_0000000001_00000005", GraphID: "g1"}
	ops := []model.Operation{
		{ID: "op_1", Type: model.OpMoveNode, GraphID: "g1", NodeID: "node_ghost", X: 1, Y: 1},
	}

	if _, err := a.Audit(goal, ops, nil); err == nil {
		t.Fatal("expected rejection for missing node")
	}
}

func TestAuditor_PatchIDsUnique(t *testing.T) {
	a := NewAuditor()
	goal := &model.Goal{ID: "goal_0000000001_00000006", GraphID: "g1"}
	ops := []model.Operation{
		{ID: "op_1", Type: model.OpCreateNode, GraphID: "g1", NodeID: "node_a", Label: "Earth"},
	}

	p1, err := a.Audit(goal, ops, nil)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	p2, err := a.Audit(goal, ops, nil)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	if p1.ID == p2.ID {
		t.Error("expected distinct patch identifiers")
	}
}
