package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mkondo/graphflow/internal/model"
	"github.com/mkondo/graphflow/internal/queue"
	"github.com/mkondo/graphflow/internal/stage"
	"github.com/mkondo/graphflow/internal/uds"
)

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle(uds.CmdGoalSubmit, d.handleGoalSubmit)
	d.server.Handle(uds.CmdStatus, d.handleStatus)
	d.server.Handle(uds.CmdMetrics, d.handleMetrics)

	d.server.Handle(uds.CmdShutdown, func(req *uds.Request) *uds.Response {
		d.log(model.LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleGoalSubmit(req *uds.Request) *uds.Response {
	var params uds.GoalSubmitParams
	if resp := uds.DecodeParams(req, &params); resp != nil {
		return resp
	}

	goal := params.Goal
	if err := prepareGoal(&goal); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	payload, err := json.Marshal(goal)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("marshal goal: %v", err))
	}
	itemID, err := d.queues.Enqueue(queue.GoalQueue, queue.Item{Payload: payload}, goal.ThreadID)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("enqueue goal: %v", err))
	}

	d.log(model.LogLevelInfo, "goal_submitted goal=%s thread=%s item=%s", goal.ID, goal.ThreadID, itemID)
	return uds.SuccessResponse(uds.GoalSubmitResult{GoalID: goal.ID, ItemID: itemID})
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(uds.StatusResult{
		Running:      true,
		PID:          os.Getpid(),
		UptimeSecs:   int64(time.Since(d.startedAt).Seconds()),
		Project:      d.config.Project.Name,
		AppliedCount: d.committer.AppliedCount(),
		RecentEvents: d.recent.list(),
	})
}

func (d *Daemon) handleMetrics(req *uds.Request) *uds.Response {
	names := d.queues.QueueNames()
	if len(names) == 0 {
		names = []string{queue.GoalQueue, queue.ReviewQueue}
	}

	result := uds.MetricsResult{}
	for _, name := range names {
		m, err := d.queues.Metrics(name)
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, fmt.Sprintf("metrics %s: %v", name, err))
		}
		result.Queues = append(result.Queues, m)
	}
	return uds.SuccessResponse(result)
}

// prepareGoal validates a submitted goal and fills generated fields. A goal
// needs a thread and either a natural-language intent or a concrete task
// list; task goals must use known tools.
func prepareGoal(goal *model.Goal) error {
	if goal.ThreadID == "" {
		return fmt.Errorf("goal missing thread_id")
	}
	if goal.Intent == "" && len(goal.Tasks) == 0 {
		return fmt.Errorf("goal needs an intent or tasks")
	}
	for _, task := range goal.Tasks {
		switch task.Tool {
		case model.ToolCreateGraph, model.ToolCreateNode, model.ToolCreateEdge,
			model.ToolMoveNode, model.ToolUpdateNode:
		default:
			return fmt.Errorf("task %s uses unknown tool %q", task.ID, task.Tool)
		}
	}
	if _, err := stage.OrderTasks(goal.Tasks); err != nil {
		return fmt.Errorf("task dependencies: %w", err)
	}
	if goal.ID == "" {
		id, err := model.GenerateID(model.IDTypeGoal)
		if err != nil {
			return fmt.Errorf("assign goal id: %w", err)
		}
		goal.ID = id
	}
	if goal.Metadata.ContinuationLoop && goal.Metadata.Iteration == 0 {
		goal.Metadata.Iteration = 1
	}
	return nil
}
