package uds

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/mkondo/graphflow/internal/model"
)

// Client is the CLI side of the control protocol. The typed methods cover
// the pipeline's commands; Send remains available for raw requests.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// CommandError is a daemon-reported failure, as opposed to a transport
// failure.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (c *Client) Send(req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf(
			"failed to connect to daemon at %s: %w\n"+
				"Is the daemon running? Start it with: graphflow daemon",
			c.socketPath, err,
		)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &resp, nil
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// call sends a command and decodes the success payload into out. A daemon
// error comes back as *CommandError.
func (c *Client) call(command string, params, out any) error {
	resp, err := c.SendCommand(command, params)
	if err != nil {
		return err
	}
	if !resp.Success {
		ce := &CommandError{Code: ErrCodeInternal, Message: "unknown error"}
		if resp.Error != nil {
			ce.Code = resp.Error.Code
			ce.Message = resp.Error.Message
		}
		return ce
	}
	if out != nil && resp.Data != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", command, err)
		}
	}
	return nil
}

func (c *Client) Ping() error {
	return c.call(CmdPing, nil, nil)
}

// SubmitGoal hands a goal to the daemon for validation and enqueueing.
func (c *Client) SubmitGoal(goal model.Goal) (*GoalSubmitResult, error) {
	var result GoalSubmitResult
	if err := c.call(CmdGoalSubmit, GoalSubmitParams{Goal: goal}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Status() (*StatusResult, error) {
	var result StatusResult
	if err := c.call(CmdStatus, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Metrics() (*MetricsResult, error) {
	var result MetricsResult
	if err := c.call(CmdMetrics, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Shutdown() error {
	return c.call(CmdShutdown, nil, nil)
}
