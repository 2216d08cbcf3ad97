// Package bridge holds the HTTP clients for the pipeline's external
// collaborators: the canvas UI's apply endpoint and the planning service.
// The bridge is the only place the pipeline reaches outside the process;
// everything here is consumed through small interfaces so tests can inject
// fakes.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mkondo/graphflow/internal/model"
)

// DefaultTimeout bounds every bridge call.
const DefaultTimeout = 10 * time.Second

// ApplyRequest is the payload shipped to the UI bridge's apply endpoint:
// an ordered operation list plus the target resource/thread context and an
// optional list of newly created graphs the UI should open.
type ApplyRequest struct {
	GraphID    string            `json:"graph_id"`
	ThreadID   string            `json:"thread_id"`
	Operations []model.Operation `json:"operations"`
	Open       []string          `json:"open,omitempty"`
}

// Client talks to the canvas UI bridge.
type Client struct {
	baseURL string
	http    *http.Client
	group   singleflight.Group
}

// NewClient creates a bridge client for baseURL. timeout <= 0 uses
// DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Apply sends an ordered operation batch to the live document. The caller
// treats failures as delivery failures only: local commit bookkeeping has
// already recorded the patches as applied.
func (c *Client) Apply(ctx context.Context, req ApplyRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal apply request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/apply", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build apply request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("apply call: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("apply call: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Snapshot reads the compact graph view used for near-duplicate resolution,
// merge checking, and the continuation prompt. Concurrent fetches for the
// same graph are collapsed into one request via singleflight.
func (c *Client) Snapshot(ctx context.Context, graphID string) (*model.GraphSnapshot, error) {
	v, err, _ := c.group.Do(graphID, func() (any, error) {
		return c.fetchSnapshot(ctx, graphID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.GraphSnapshot), nil
}

func (c *Client) fetchSnapshot(ctx context.Context, graphID string) (*model.GraphSnapshot, error) {
	url := fmt.Sprintf("%s/graphs/%s/snapshot", c.baseURL, graphID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("snapshot call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("snapshot call: unexpected status %d", resp.StatusCode)
	}

	var snap model.GraphSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
