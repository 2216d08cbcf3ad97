// Package continuation runs the post-commit check-in loop: after each commit
// of a loop-flagged goal, ask the planner whether the thread needs another
// batch, and enqueue the next goal if so. A hard iteration cap bounds the
// loop regardless of what the planner answers.
package continuation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mkondo/graphflow/internal/bridge"
	"github.com/mkondo/graphflow/internal/model"
	"github.com/mkondo/graphflow/internal/queue"
)

// DefaultMaxIterations bounds a continuation loop. The cap is authoritative:
// it is enforced here, not trusted to the planner.
const DefaultMaxIterations = 5

// Planner answers the continuation question.
type Planner interface {
	Continue(ctx context.Context, req bridge.ContinuationRequest) (*bridge.ContinuationDecision, error)
}

// SnapshotReader fetches the current graph state for the planner's check-in.
type SnapshotReader interface {
	Snapshot(ctx context.Context, graphID string) (*model.GraphSnapshot, error)
}

// Controller decides, after each loop commit, whether to enqueue a follow-up
// goal. It implements the committer's Continuer hook.
type Controller struct {
	queues        *queue.Manager
	planner       Planner
	snapshots     SnapshotReader
	maxIterations int
	logger        *log.Logger
	logLevel      model.LogLevel
}

func New(
	queues *queue.Manager,
	planner Planner,
	snapshots SnapshotReader,
	cfg model.ContinuationConfig,
	logger *log.Logger,
	logLevel model.LogLevel,
) *Controller {
	max := cfg.MaxIterations
	if max <= 0 {
		max = DefaultMaxIterations
	}
	return &Controller{
		queues:        queues,
		planner:       planner,
		snapshots:     snapshots,
		maxIterations: max,
		logger:        logger,
		logLevel:      logLevel,
	}
}

// AfterCommit runs outside the committer's resource lock. iteration is the
// iteration number of the goal that just committed; the cap means iteration
// maxIterations is the last one that may run, so no follow-up is enqueued
// once it is reached.
func (c *Controller) AfterCommit(ctx context.Context, graphID, threadID, lastAction string, iteration int) {
	if iteration >= c.maxIterations {
		c.log(model.LogLevelInfo, "loop_complete thread=%s graph=%s iterations=%d reason=max_iterations",
			threadID, graphID, iteration)
		return
	}

	snap, err := c.snapshots.Snapshot(ctx, graphID)
	if err != nil {
		// Without current state the planner cannot judge progress; end the
		// loop rather than continue blind.
		c.log(model.LogLevelWarn, "loop_snapshot thread=%s graph=%s error=%v", threadID, graphID, err)
		return
	}

	decision, err := c.planner.Continue(ctx, bridge.ContinuationRequest{
		ThreadID:          threadID,
		LastActionSummary: lastAction,
		Snapshot:          snap,
		Iteration:         iteration,
	})
	if err != nil {
		c.log(model.LogLevelWarn, "loop_decision thread=%s graph=%s error=%v", threadID, graphID, err)
		return
	}

	switch decision.Decision {
	case bridge.DecisionContinue, bridge.DecisionRefine:
		if err := c.enqueueNext(threadID, graphID, decision.Spec, iteration+1); err != nil {
			c.log(model.LogLevelError, "loop_enqueue thread=%s graph=%s error=%v", threadID, graphID, err)
			return
		}
		c.log(model.LogLevelInfo, "loop_continue thread=%s graph=%s iteration=%d", threadID, graphID, iteration+1)
	case bridge.DecisionComplete:
		c.log(model.LogLevelInfo, "loop_complete thread=%s graph=%s iterations=%d summary=%q",
			threadID, graphID, iteration, decision.Summary)
	default:
		c.log(model.LogLevelWarn, "loop_decision thread=%s graph=%s unknown=%q", threadID, graphID, decision.Decision)
	}
}

func (c *Controller) enqueueNext(threadID, graphID, spec string, iteration int) error {
	goalID, err := model.GenerateID(model.IDTypeGoal)
	if err != nil {
		return fmt.Errorf("assign goal id: %w", err)
	}
	goal := model.Goal{
		ID:       goalID,
		Name:     fmt.Sprintf("continuation %d", iteration),
		Intent:   spec,
		ThreadID: threadID,
		GraphID:  graphID,
		Metadata: model.GoalMeta{
			Iteration:        iteration,
			ContinuationLoop: true,
		},
	}
	payload, err := json.Marshal(goal)
	if err != nil {
		return fmt.Errorf("marshal goal: %w", err)
	}
	_, err = c.queues.Enqueue(queue.GoalQueue, queue.Item{Payload: payload}, threadID)
	return err
}

func (c *Controller) log(level model.LogLevel, format string, args ...any) {
	if c.logger == nil || level < c.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.logger.Printf("%s %s continuation: %s", time.Now().Format(time.RFC3339), level, msg)
}
