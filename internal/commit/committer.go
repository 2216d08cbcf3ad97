// Package commit implements the single writer of approved changes: it
// drains the review queue, serializes commits per graph, enforces at-most-
// once application per patch, and hands applied batches to the UI bridge.
package commit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mkondo/graphflow/internal/bridge"
	"github.com/mkondo/graphflow/internal/events"
	"github.com/mkondo/graphflow/internal/lock"
	"github.com/mkondo/graphflow/internal/model"
	"github.com/mkondo/graphflow/internal/queue"
)

// Applier is the external UI bridge's apply boundary.
type Applier interface {
	Apply(ctx context.Context, req bridge.ApplyRequest) error
}

// SnapshotReader supplies the current graph version for the mergeability
// check.
type SnapshotReader interface {
	Snapshot(ctx context.Context, graphID string) (*model.GraphSnapshot, error)
}

// Continuer is invoked after a successful commit of a continuation-loop
// goal, outside the resource lock.
type Continuer interface {
	AfterCommit(ctx context.Context, graphID, threadID, lastAction string, iteration int)
}

// Committer is the sole writer. One Tick is one pass of its state machine:
// pull a coalesced batch, group by graph, and commit each group under that
// graph's lock.
type Committer struct {
	queues    *queue.Manager
	locks     *lock.Registry
	eventLog  *events.Log
	applier   Applier
	snapshots SnapshotReader
	continuer Continuer

	window   time.Duration
	batchMax int

	mu   sync.Mutex
	seen map[string]bool // applied patch ids; grows for the process lifetime

	logger   *log.Logger
	logLevel model.LogLevel
}

func New(
	queues *queue.Manager,
	locks *lock.Registry,
	eventLog *events.Log,
	applier Applier,
	snapshots SnapshotReader,
	cfg model.QueueConfig,
	logger *log.Logger,
	logLevel model.LogLevel,
) *Committer {
	window := time.Duration(cfg.CoalesceWindowMs) * time.Millisecond
	if window <= 0 {
		window = queue.DefaultCoalesceWindow
	}
	batchMax := cfg.BatchMax
	if batchMax <= 0 {
		batchMax = 64
	}
	return &Committer{
		queues:    queues,
		locks:     locks,
		eventLog:  eventLog,
		applier:   applier,
		snapshots: snapshots,
		window:    window,
		batchMax:  batchMax,
		seen:      make(map[string]bool),
		logger:    logger,
		logLevel:  logLevel,
	}
}

// SetContinuer wires the continuation controller. Must be called before the
// first Tick; keeps the commit package free of a dependency on continuation
// wiring.
func (c *Committer) SetContinuer(ct Continuer) {
	c.continuer = ct
}

type reviewEntry struct {
	item   queue.Item
	review model.ReviewItem
}

// Tick runs one commit pass. It blocks for at most the coalescing window.
func (c *Committer) Tick(ctx context.Context) {
	batch, err := c.queues.PullBatch(ctx, queue.ReviewQueue, queue.BatchOptions{
		Window: c.window,
		Max:    c.batchMax,
	})
	if err != nil {
		c.log(model.LogLevelError, "pull review error=%v", err)
	}
	if len(batch) == 0 {
		return
	}

	// Group by target graph, preserving first-seen order.
	var order []string
	groups := make(map[string][]reviewEntry)
	for _, item := range batch {
		var review model.ReviewItem
		if err := json.Unmarshal(item.Payload, &review); err != nil {
			c.log(model.LogLevelError, "review decode id=%s error=%v", item.ID, err)
			c.queues.Ack(queue.ReviewQueue, item.LeaseID)
			continue
		}
		if _, ok := groups[review.GraphID]; !ok {
			order = append(order, review.GraphID)
		}
		groups[review.GraphID] = append(groups[review.GraphID], reviewEntry{item: item, review: review})
	}

	for _, graphID := range order {
		group := groups[graphID]

		if !c.locks.TryAcquire(graphID) {
			// Another cycle owns this graph: return the leases and retry on
			// a later tick.
			c.log(model.LogLevelDebug, "lock_busy graph=%s items=%d", graphID, len(group))
			for _, e := range group {
				c.queues.Nack(queue.ReviewQueue, e.item.LeaseID)
			}
			continue
		}

		followup := c.commitGroup(ctx, graphID, group)
		c.locks.Release(graphID)

		if followup != nil && c.continuer != nil {
			c.continuer.AfterCommit(ctx, graphID, followup.ThreadID, followup.Summary, followup.Meta.Iteration)
		}
	}
}

// commitGroup applies one resource group under its lock. Returns the review
// item that should drive continuation, or nil.
func (c *Committer) commitGroup(ctx context.Context, graphID string, group []reviewEntry) *model.ReviewItem {
	// Flatten, dropping patches already applied.
	var unseen []model.Patch
	var patchIDs []string
	for _, e := range group {
		for _, p := range e.review.Patches {
			if c.alreadySeen(p.ID) {
				c.log(model.LogLevelDebug, "patch_duplicate graph=%s patch=%s", graphID, p.ID)
				continue
			}
			unseen = append(unseen, p)
			patchIDs = append(patchIDs, p.ID)
		}
	}

	if len(unseen) == 0 {
		c.ackGroup(group)
		return nil
	}

	if !c.mergeable(ctx, graphID, unseen) {
		for _, e := range group {
			ids := make([]string, 0, len(e.review.Patches))
			for _, p := range e.review.Patches {
				ids = append(ids, p.ID)
			}
			c.appendEvent(&events.Record{
				Type:     events.TypePatchRejected,
				GraphID:  graphID,
				ThreadID: e.review.ThreadID,
				GoalID:   e.review.GoalID,
				Reason:   "conflict",
				PatchIDs: ids,
			})
		}
		// Rejected work is not retried automatically.
		c.ackGroup(group)
		c.log(model.LogLevelWarn, "group_rejected graph=%s patches=%d reason=conflict", graphID, len(unseen))
		return nil
	}

	var ops []model.Operation
	var open []string
	for _, p := range unseen {
		for _, op := range p.Operations {
			ops = append(ops, op)
			if op.Type == model.OpCreateGraph {
				// Newly created graphs get focused so downstream consumers
				// do not have to discover them.
				open = append(open, op.GraphID)
			}
		}
	}

	threadID := group[0].review.ThreadID
	if err := c.applier.Apply(ctx, bridge.ApplyRequest{
		GraphID:    graphID,
		ThreadID:   threadID,
		Operations: ops,
		Open:       open,
	}); err != nil {
		// Delivery failure only: the patches are recorded as applied and a
		// duplicate delivery on retry is preferable to blocking the queue
		// on an unavailable UI.
		c.log(model.LogLevelWarn, "bridge_apply graph=%s error=%v", graphID, err)
		c.appendEvent(&events.Record{
			Type:     events.TypeBridgeError,
			GraphID:  graphID,
			ThreadID: threadID,
			Reason:   err.Error(),
			PatchIDs: patchIDs,
		})
	}

	c.markSeen(patchIDs)

	c.appendEvent(&events.Record{
		Type:     events.TypePatchApplied,
		GraphID:  graphID,
		ThreadID: threadID,
		OpsCount: len(ops),
		PatchIDs: patchIDs,
	})
	c.ackGroup(group)
	c.log(model.LogLevelInfo, "commit graph=%s patches=%d ops=%d", graphID, len(unseen), len(ops))

	// Continuation: the loop entry with the highest iteration wins.
	var followup *model.ReviewItem
	for i := range group {
		review := group[i].review
		if !review.Meta.ContinuationLoop {
			continue
		}
		if followup == nil || review.Meta.Iteration > followup.Meta.Iteration {
			followup = &group[i].review
		}
	}
	return followup
}

// mergeable reports whether every unseen patch can merge against the current
// graph state. A patch with no base-version token always merges; otherwise
// the token must equal the graph's current version. A snapshot failure
// degrades to mergeable so an unavailable bridge cannot wedge the pipeline.
func (c *Committer) mergeable(ctx context.Context, graphID string, patches []model.Patch) bool {
	var current *model.GraphSnapshot
	fetched := false

	for _, p := range patches {
		if p.BaseVersion == "" {
			continue
		}
		if !fetched {
			fetched = true
			snap, err := c.snapshots.Snapshot(ctx, graphID)
			if err != nil {
				c.log(model.LogLevelWarn, "merge_check graph=%s degraded error=%v", graphID, err)
				return true
			}
			current = snap
		}
		if current == nil || current.Version == "" {
			continue
		}
		if p.BaseVersion != current.Version {
			c.log(model.LogLevelWarn, "merge_conflict graph=%s patch=%s base=%s current=%s",
				graphID, p.ID, p.BaseVersion, current.Version)
			return false
		}
	}
	return true
}

func (c *Committer) ackGroup(group []reviewEntry) {
	for _, e := range group {
		c.queues.Ack(queue.ReviewQueue, e.item.LeaseID)
	}
}

func (c *Committer) alreadySeen(patchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[patchID]
}

func (c *Committer) markSeen(patchIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range patchIDs {
		c.seen[id] = true
	}
}

// AppliedCount reports the size of the idempotency set.
func (c *Committer) AppliedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Committer) appendEvent(rec *events.Record) {
	if c.eventLog == nil {
		return
	}
	if err := c.eventLog.Append(rec); err != nil {
		c.log(model.LogLevelError, "event append type=%s error=%v", rec.Type, err)
	}
}

func (c *Committer) log(level model.LogLevel, format string, args ...any) {
	if c.logger == nil || level < c.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s committer: %s", time.Now().Format(time.RFC3339), level, msg)
}
