// Package uds implements the Unix domain socket control protocol between the
// graphflow CLI and the daemon. Frames are length-prefixed JSON.
package uds

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/mkondo/graphflow/internal/events"
	"github.com/mkondo/graphflow/internal/model"
)

const ProtocolVersion = 1

// DefaultSocketName is the socket filename inside the project data directory.
const DefaultSocketName = "daemon.sock"

// Commands the daemon understands.
const (
	CmdPing       = "ping"
	CmdGoalSubmit = "goal_submit"
	CmdStatus     = "status"
	CmdMetrics    = "metrics"
	CmdShutdown   = "shutdown"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
)

// GoalSubmitParams carries a goal from the CLI. Either Intent or Tasks must
// be present; the daemon validates before enqueueing.
type GoalSubmitParams struct {
	Goal model.Goal `json:"goal"`
}

// GoalSubmitResult reports the queued item.
type GoalSubmitResult struct {
	GoalID string `json:"goal_id"`
	ItemID string `json:"item_id"`
}

// StatusResult is the daemon's self-report. RecentEvents holds the latest
// terminal pipeline events, oldest first.
type StatusResult struct {
	Running      bool            `json:"running"`
	PID          int             `json:"pid"`
	UptimeSecs   int64           `json:"uptime_secs"`
	Project      string          `json:"project"`
	AppliedCount int             `json:"applied_count"`
	RecentEvents []events.Record `json:"recent_events,omitempty"`
}

// MetricsResult lists per-queue counters.
type MetricsResult struct {
	Queues []model.QueueMetrics `json:"queues"`
}

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{
		ProtocolVersion: ProtocolVersion,
		Command:         command,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}
	return req, nil
}

// DecodeParams decodes a request's params into v. On failure it returns a
// validation error response the handler can hand straight back; nil means
// the decode succeeded.
func DecodeParams(req *Request, v any) *Response {
	if err := json.Unmarshal(req.Params, v); err != nil {
		return ErrorResponse(ErrCodeValidation, fmt.Sprintf("decode params: %v", err))
	}
	return nil
}

func SuccessResponse(data any) *Response {
	resp := &Response{Success: true}
	if data != nil {
		raw, _ := json.Marshal(data)
		resp.Data = raw
	}
	return resp
}

func ErrorResponse(code, message string) *Response {
	return &Response{
		Success: false,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// WriteFrame writes a length-prefixed JSON frame to the connection.
// Format: [4-byte BigEndian length][JSON payload]
func WriteFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	length := uint32(len(data))
	if err := binary.Write(conn, binary.BigEndian, length); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	// Use io.Copy to guarantee all bytes are written (handles short writes)
	if _, err := io.Copy(conn, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON frame from the connection.
func ReadFrame(conn net.Conn, v any) error {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}

	if length > 10*1024*1024 { // 10MB safety limit
		return fmt.Errorf("frame too large: %d bytes", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
