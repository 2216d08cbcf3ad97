package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mkondo/graphflow/internal/model"
)

// PlanRequest asks the planning service to turn natural-language intent
// plus the current resource summary into a task DAG.
type PlanRequest struct {
	ThreadID string               `json:"thread_id"`
	Intent   string               `json:"intent"`
	Snapshot *model.GraphSnapshot `json:"resource_snapshot,omitempty"`
}

// ContinuationRequest is the post-commit check-in: fresh snapshot, what was
// just done, and which iteration of the loop this is.
type ContinuationRequest struct {
	ThreadID          string               `json:"thread_id"`
	LastActionSummary string               `json:"last_action_summary"`
	Snapshot          *model.GraphSnapshot `json:"resource_snapshot"`
	Iteration         int                  `json:"iteration"`
}

// Decisions the planner may return on the continuation endpoint.
const (
	DecisionContinue = "continue"
	DecisionRefine   = "refine"
	DecisionComplete = "complete"
)

// ContinuationDecision is the planner's answer: continue with a new partial
// spec, or complete with a human-readable summary. "refine" is reserved and
// treated as continue.
type ContinuationDecision struct {
	Decision string `json:"decision"`
	Spec     string `json:"spec,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// PlannerClient talks to the external planning service.
type PlannerClient struct {
	baseURL string
	http    *http.Client
}

func NewPlannerClient(baseURL string, timeout time.Duration) *PlannerClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PlannerClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Plan returns a Goal for the given intent. The returned goal must carry a
// thread identifier; goals missing one are rejected here rather than deeper
// in the pipeline.
func (p *PlannerClient) Plan(ctx context.Context, req PlanRequest) (*model.Goal, error) {
	var goal model.Goal
	if err := p.post(ctx, "/plan", req, &goal); err != nil {
		return nil, err
	}
	if goal.ThreadID == "" {
		goal.ThreadID = req.ThreadID
	}
	if goal.ID == "" {
		id, err := model.GenerateID(model.IDTypeGoal)
		if err != nil {
			return nil, fmt.Errorf("assign goal id: %w", err)
		}
		goal.ID = id
	}
	return &goal, nil
}

// Continue asks whether the loop needs another batch.
func (p *PlannerClient) Continue(ctx context.Context, req ContinuationRequest) (*ContinuationDecision, error) {
	var decision ContinuationDecision
	if err := p.post(ctx, "/continue", req, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

func (p *PlannerClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal planner request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build planner request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("planner call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("planner call %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode planner response: %w", err)
	}
	return nil
}
