package commit

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkondo/graphflow/internal/bridge"
	"github.com/mkondo/graphflow/internal/events"
	"github.com/mkondo/graphflow/internal/lock"
	"github.com/mkondo/graphflow/internal/model"
	"github.com/mkondo/graphflow/internal/queue"
)

type fakeApplier struct {
	mu       sync.Mutex
	requests []bridge.ApplyRequest
	err      error
}

func (f *fakeApplier) Apply(ctx context.Context, req bridge.ApplyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.err
}

func (f *fakeApplier) all() []bridge.ApplyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.ApplyRequest(nil), f.requests...)
}

type fakeSnapshots struct {
	version string
	err     error
}

func (f *fakeSnapshots) Snapshot(ctx context.Context, graphID string) (*model.GraphSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.GraphSnapshot{GraphID: graphID, Version: f.version}, nil
}

type fakeContinuer struct {
	mu    sync.Mutex
	calls []int
}

func (f *fakeContinuer) AfterCommit(ctx context.Context, graphID, threadID, lastAction string, iteration int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, iteration)
}

type harness struct {
	queues    *queue.Manager
	locks     *lock.Registry
	committer *Committer
	applier   *fakeApplier
	logPath   string
}

func newHarness(t *testing.T, applier *fakeApplier, snapshots SnapshotReader) *harness {
	t.Helper()
	dir := t.TempDir()
	queues := queue.NewManager(filepath.Join(dir, "journal"), nil, model.LogLevelError)
	t.Cleanup(func() { queues.Close() })

	logPath := filepath.Join(dir, "events.jsonl")
	eventLog, err := events.NewLog(logPath, 0)
	require.NoError(t, err)
	t.Cleanup(func() { eventLog.Close() })

	locks := lock.NewRegistry()
	committer := New(queues, locks, eventLog, applier, snapshots,
		model.QueueConfig{CoalesceWindowMs: 50, BatchMax: 64}, nil, model.LogLevelError)
	return &harness{queues: queues, locks: locks, committer: committer, applier: applier, logPath: logPath}
}

func enqueueReview(t *testing.T, h *harness, review model.ReviewItem) {
	t.Helper()
	payload, err := json.Marshal(review)
	require.NoError(t, err)
	_, err = h.queues.Enqueue(queue.ReviewQueue, queue.Item{Payload: payload}, review.GraphID)
	require.NoError(t, err)
}

func makeReview(id, graphID, patchID string, opsCount int) model.ReviewItem {
	ops := make([]model.Operation, 0, opsCount)
	for i := 0; i < opsCount; i++ {
		ops = append(ops, model.Operation{
			ID:      patchID + "-op",
			Type:    model.OpCreateNode,
			GraphID: graphID,
			NodeID:  "node_x",
			Label:   "X",
		})
	}
	return model.ReviewItem{
		ID:       id,
		GraphID:  graphID,
		ThreadID: "t1",
		GoalID:   "goal_0000000001_00000001",
		Patches:  []model.Patch{{ID: patchID, GraphID: graphID, Operations: ops}},
	}
}

func appliedEvents(t *testing.T, logPath string) []events.Record {
	t.Helper()
	records, err := events.ReadAll(logPath)
	require.NoError(t, err)
	var out []events.Record
	for _, rec := range records {
		if rec.Type == events.TypePatchApplied {
			out = append(out, rec)
		}
	}
	return out
}

func TestCommitter_AtMostOncePerPatch(t *testing.T) {
	applier := &fakeApplier{}
	h := newHarness(t, applier, &fakeSnapshots{version: "v1"})

	enqueueReview(t, h, makeReview("rev_0000000001_00000001", "g1", "patch-1", 1))
	h.committer.Tick(context.Background())

	// Redundant re-submission of the same patch identity.
	enqueueReview(t, h, makeReview("rev_0000000001_00000002", "g1", "patch-1", 1))
	h.committer.Tick(context.Background())

	applied := appliedEvents(t, h.logPath)
	require.Len(t, applied, 1, "exactly one PATCH_APPLIED for a patch id")
	assert.Equal(t, 1, applied[0].OpsCount)
	assert.Equal(t, []string{"patch-1"}, applied[0].PatchIDs)

	require.Len(t, applier.all(), 1, "no second delivery to the apply boundary")
	assert.Equal(t, 1, h.committer.AppliedCount())

	// The duplicate's lease was still acked.
	metrics, err := h.queues.Metrics(queue.ReviewQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, metrics.Depth)
	assert.Equal(t, 0, metrics.Inflight)
}

func TestCommitter_CoalescesSameGraphIntoOneCommit(t *testing.T) {
	applier := &fakeApplier{}
	h := newHarness(t, applier, &fakeSnapshots{version: "v1"})

	enqueueReview(t, h, makeReview("rev_0000000001_00000001", "g1", "patch-1", 2))

	go func() {
		time.Sleep(20 * time.Millisecond)
		review := makeReview("rev_0000000001_00000002", "g1", "patch-2", 3)
		payload, _ := json.Marshal(review)
		h.queues.Enqueue(queue.ReviewQueue, queue.Item{Payload: payload}, "g1")
	}()

	h.committer.Tick(context.Background())

	applied := appliedEvents(t, h.logPath)
	require.Len(t, applied, 1, "two patches inside the window coalesce into one commit")
	assert.Equal(t, 5, applied[0].OpsCount, "opsCount is the sum of both patches")
	require.Len(t, applier.all(), 1)
	assert.Len(t, applier.all()[0].Operations, 5)
}

func TestCommitter_ConflictRejectsWholeGroup(t *testing.T) {
	applier := &fakeApplier{}
	h := newHarness(t, applier, &fakeSnapshots{version: "v2"})

	review := makeReview("rev_0000000001_00000001", "g1", "patch-1", 1)
	review.Patches[0].BaseVersion = "v1" // stale against current v2
	enqueueReview(t, h, review)

	h.committer.Tick(context.Background())

	records, err := events.ReadAll(h.logPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, events.TypePatchRejected, records[0].Type)
	assert.Equal(t, "conflict", records[0].Reason)
	assert.Empty(t, applier.all(), "no operations reach the bridge on conflict")

	// Rejected work is acked, not retried.
	metrics, err := h.queues.Metrics(queue.ReviewQueue)
	require.NoError(t, err)
	assert.Equal(t, 0, metrics.Depth)
}

func TestCommitter_MatchingBaseVersionMerges(t *testing.T) {
	applier := &fakeApplier{}
	h := newHarness(t, applier, &fakeSnapshots{version: "v1"})

	review := makeReview("rev_0000000001_00000001", "g1", "patch-1", 1)
	review.Patches[0].BaseVersion = "v1"
	enqueueReview(t, h, review)

	h.committer.Tick(context.Background())

	require.Len(t, appliedEvents(t, h.logPath), 1)
	require.Len(t, applier.all(), 1)
}

func TestCommitter_SnapshotFailureDegradesToMergeable(t *testing.T) {
	applier := &fakeApplier{}
	h := newHarness(t, applier, &fakeSnapshots{err: errors.New("bridge down")})

	review := makeReview("rev_0000000001_00000001", "g1", "patch-1", 1)
	review.Patches[0].BaseVersion = "v1"
	enqueueReview(t, h, review)

	h.committer.Tick(context.Background())

	require.Len(t, appliedEvents(t, h.logPath), 1,
		"an unavailable bridge must not wedge the pipeline")
}

func TestCommitter_BusyLockSkipsGroupForLaterTick(t *testing.T) {
	applier := &fakeApplier{}
	h := newHarness(t, applier, &fakeSnapshots{version: "v1"})

	enqueueReview(t, h, makeReview("rev_0000000001_00000001", "g1", "patch-1", 1))

	require.True(t, h.locks.TryAcquire("g1"))
	h.committer.Tick(context.Background())
	assert.Empty(t, appliedEvents(t, h.logPath), "held lock skips the group")

	h.locks.Release("g1")
	h.committer.Tick(context.Background())
	assert.Len(t, appliedEvents(t, h.logPath), 1, "group retried on a later tick")
}

func TestCommitter_BridgeFailureStillCompletesCommit(t *testing.T) {
	applier := &fakeApplier{err: errors.New("ui offline")}
	h := newHarness(t, applier, &fakeSnapshots{version: "v1"})

	enqueueReview(t, h, makeReview("rev_0000000001_00000001", "g1", "patch-1", 2))
	h.committer.Tick(context.Background())

	records, err := events.ReadAll(h.logPath)
	require.NoError(t, err)

	var sawBridgeError, sawApplied bool
	for _, rec := range records {
		switch rec.Type {
		case events.TypeBridgeError:
			sawBridgeError = true
		case events.TypePatchApplied:
			sawApplied = true
		}
	}
	assert.True(t, sawBridgeError, "delivery failure is queryable via the event log")
	assert.True(t, sawApplied, "local bookkeeping completes despite delivery failure")
	assert.Equal(t, 1, h.committer.AppliedCount())
}

func TestCommitter_NewGraphRequestsFocus(t *testing.T) {
	applier := &fakeApplier{}
	h := newHarness(t, applier, &fakeSnapshots{version: "v1"})

	review := model.ReviewItem{
		ID:       "rev_0000000001_00000001",
		GraphID:  "graph_new",
		ThreadID: "t1",
		Patches: []model.Patch{{
			ID:      "patch-1",
			GraphID: "graph_new",
			Operations: []model.Operation{
				{ID: "op_1", Type: model.OpCreateGraph, GraphID: "graph_new", Label: "universe"},
				{ID: "op_2", Type: model.OpCreateNode, GraphID: "graph_new", NodeID: "node_a", Label: "Earth"},
			},
		}},
	}
	enqueueReview(t, h, review)

	h.committer.Tick(context.Background())

	reqs := applier.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"graph_new"}, reqs[0].Open)
}

func TestCommitter_ContinuationTriggeredAfterLoopCommit(t *testing.T) {
	applier := &fakeApplier{}
	h := newHarness(t, applier, &fakeSnapshots{version: "v1"})

	continuer := &fakeContinuer{}
	h.committer.SetContinuer(continuer)

	review := makeReview("rev_0000000001_00000001", "g1", "patch-1", 1)
	review.Meta = model.GoalMeta{Iteration: 2, ContinuationLoop: true}
	enqueueReview(t, h, review)

	h.committer.Tick(context.Background())

	require.Len(t, continuer.calls, 1)
	assert.Equal(t, 2, continuer.calls[0])
	assert.False(t, h.locks.Held("g1"), "continuation runs after the lock is released")
}

func TestCommitter_NonLoopCommitDoesNotTriggerContinuation(t *testing.T) {
	applier := &fakeApplier{}
	h := newHarness(t, applier, &fakeSnapshots{version: "v1"})

	continuer := &fakeContinuer{}
	h.committer.SetContinuer(continuer)

	enqueueReview(t, h, makeReview("rev_0000000001_00000001", "g1", "patch-1", 1))
	h.committer.Tick(context.Background())

	assert.Empty(t, continuer.calls)
}
