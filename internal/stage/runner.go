package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mkondo/graphflow/internal/bridge"
	"github.com/mkondo/graphflow/internal/events"
	"github.com/mkondo/graphflow/internal/model"
	"github.com/mkondo/graphflow/internal/queue"
)

// Planner is the external planning boundary the runner consumes.
type Planner interface {
	Plan(ctx context.Context, req bridge.PlanRequest) (*model.Goal, error)
}

// SnapshotReader reads the compact graph view the executor and auditor
// validate against.
type SnapshotReader interface {
	Snapshot(ctx context.Context, graphID string) (*model.GraphSnapshot, error)
}

// Runner drives goals through plan → execute → audit and enqueues approved
// patches on the review queue. It runs on the daemon tick alongside the
// committer.
type Runner struct {
	queues    *queue.Manager
	planner   Planner
	snapshots SnapshotReader
	executor  *Executor
	auditor   *Auditor
	eventLog  *events.Log
	batchMax  int
	logger    *log.Logger
	logLevel  model.LogLevel
}

func NewRunner(
	queues *queue.Manager,
	planner Planner,
	snapshots SnapshotReader,
	executor *Executor,
	eventLog *events.Log,
	batchMax int,
	logger *log.Logger,
	logLevel model.LogLevel,
) *Runner {
	if batchMax <= 0 {
		batchMax = 16
	}
	return &Runner{
		queues:    queues,
		planner:   planner,
		snapshots: snapshots,
		executor:  executor,
		auditor:   NewAuditor(),
		eventLog:  eventLog,
		batchMax:  batchMax,
		logger:    logger,
		logLevel:  logLevel,
	}
}

// Tick pulls available goals and processes each to a terminal outcome:
// a review item on the review queue, a rejection event, or a nack for
// transient failures.
func (r *Runner) Tick(ctx context.Context) {
	items, err := r.queues.Pull(queue.GoalQueue, queue.PullOptions{Max: r.batchMax})
	if err != nil {
		r.log(model.LogLevelError, "pull goals error=%v", err)
		return
	}

	for _, item := range items {
		r.processItem(ctx, item)
	}
}

func (r *Runner) processItem(ctx context.Context, item queue.Item) {
	var goal model.Goal
	if err := json.Unmarshal(item.Payload, &goal); err != nil {
		// Poison payload: ack so it cannot wedge the queue, record why.
		r.log(model.LogLevelError, "goal decode id=%s error=%v", item.ID, err)
		r.logRejection(&goal, item.PartitionKey, fmt.Sprintf("undecodable goal payload: %v", err))
		r.queues.Ack(queue.GoalQueue, item.LeaseID)
		return
	}

	// Read the resource state once; both planning and execution see the
	// same snapshot.
	var snap *model.GraphSnapshot
	if goal.GraphID != "" {
		var err error
		snap, err = r.snapshots.Snapshot(ctx, goal.GraphID)
		if err != nil {
			// Transient: the goal goes back to queued for a later tick.
			r.log(model.LogLevelWarn, "snapshot goal=%s graph=%s error=%v", goal.ID, goal.GraphID, err)
			r.queues.Nack(queue.GoalQueue, item.LeaseID)
			return
		}
	}

	// Goals that arrive as raw intent get planned into a task DAG first.
	if len(goal.Tasks) == 0 && goal.Intent != "" {
		planned, err := r.planner.Plan(ctx, bridge.PlanRequest{
			ThreadID: goal.ThreadID,
			Intent:   goal.Intent,
			Snapshot: snap,
		})
		if err != nil {
			r.log(model.LogLevelWarn, "plan goal=%s error=%v", goal.ID, err)
			r.queues.Nack(queue.GoalQueue, item.LeaseID)
			return
		}
		planned.ID = goal.ID
		planned.Intent = goal.Intent
		planned.Metadata = goal.Metadata
		if planned.GraphID == "" {
			planned.GraphID = goal.GraphID
		}
		if planned.Name == "" {
			planned.Name = goal.Name
		}
		goal = *planned
	}

	ops, err := r.executor.Run(&goal, snap)
	if err != nil {
		r.logRejection(&goal, goal.ThreadID, err.Error())
		r.queues.Ack(queue.GoalQueue, item.LeaseID)
		return
	}

	patch, err := r.auditor.Audit(&goal, ops, snap)
	if err != nil {
		var rej *RejectionError
		reason := err.Error()
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		r.logRejection(&goal, goal.ThreadID, reason)
		r.queues.Ack(queue.GoalQueue, item.LeaseID)
		return
	}

	reviewID, err := model.GenerateID(model.IDTypeReview)
	if err != nil {
		r.log(model.LogLevelError, "review id goal=%s error=%v", goal.ID, err)
		r.queues.Nack(queue.GoalQueue, item.LeaseID)
		return
	}

	review := model.ReviewItem{
		ID:       reviewID,
		GraphID:  patch.GraphID,
		ThreadID: goal.ThreadID,
		GoalID:   goal.ID,
		GoalName: goal.Name,
		Summary:  fmt.Sprintf("%s: %d operation(s) approved", goal.Name, len(patch.Operations)),
		Patches:  []model.Patch{*patch},
		Meta:     goal.Metadata,
	}
	payload, err := json.Marshal(review)
	if err != nil {
		r.log(model.LogLevelError, "review encode goal=%s error=%v", goal.ID, err)
		r.queues.Nack(queue.GoalQueue, item.LeaseID)
		return
	}

	// Review items partition by target graph so the committer's per-resource
	// grouping sees them in order.
	if _, err := r.queues.Enqueue(queue.ReviewQueue, queue.Item{Payload: payload}, patch.GraphID); err != nil {
		r.log(model.LogLevelError, "review enqueue goal=%s error=%v", goal.ID, err)
	}
	r.queues.Ack(queue.GoalQueue, item.LeaseID)
	r.log(model.LogLevelInfo, "goal_approved goal=%s patch=%s graph=%s ops=%d",
		goal.ID, patch.ID, patch.GraphID, len(patch.Operations))
}

func (r *Runner) logRejection(goal *model.Goal, threadID, reason string) {
	r.log(model.LogLevelWarn, "goal_rejected goal=%s reason=%s", goal.ID, reason)
	if r.eventLog == nil {
		return
	}
	rec := &events.Record{
		Type:     events.TypeGoalRejected,
		GraphID:  goal.GraphID,
		ThreadID: threadID,
		GoalID:   goal.ID,
		Reason:   reason,
	}
	if err := r.eventLog.Append(rec); err != nil {
		r.log(model.LogLevelError, "event append error=%v", err)
	}
}

func (r *Runner) log(level model.LogLevel, format string, args ...any) {
	if r.logger == nil || level < r.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	r.logger.Printf("%s %s stage: %s", time.Now().Format(time.RFC3339), level, msg)
}
