package daemon

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/registry"
	"github.com/Aman-CERP/vectorsync/internal/search"
)

// Client talks to a running server over its Unix socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new daemon client.
func NewClient(cfg Config) *Client {
	return &Client{
		socketPath: cfg.SocketPath,
		timeout:    cfg.Timeout,
	}
}

// Connect establishes a connection to the daemon.
func (c *Client) Connect() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return conn, nil
}

// IsRunning checks if the daemon is accepting connections.
func (c *Client) IsRunning() bool {
	conn, err := c.Connect()
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// call sends one request and decodes the result into out. A JSON-RPC error
// is returned as *Error.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	conn, err := c.Connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	// Set deadline from context or timeout
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}

	req := Request{JSONRPC: "2.0", Method: method, ID: uuid.NewString()}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		req.Params = raw
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("failed to receive response: %w", err)
	}
	if resp.ID != req.ID && resp.ID != "" {
		return fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("failed to decode result: %w", err)
		}
	}
	return nil
}

// Ping checks if the daemon is responsive.
func (c *Client) Ping(ctx context.Context) error {
	var res PingResult
	if err := c.call(ctx, MethodPing, nil, &res); err != nil {
		return err
	}
	if !res.Pong {
		return fmt.Errorf("ping failed: no pong")
	}
	return nil
}

// Status retrieves server status and one index, or all when name is empty.
func (c *Client) Status(ctx context.Context, name string) (*StatusResult, error) {
	var res StatusResult
	if err := c.call(ctx, MethodStatus, StatusParams{Name: name}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Health retrieves the health summary.
func (c *Client) Health(ctx context.Context) (*registry.Health, error) {
	var res registry.Health
	if err := c.call(ctx, MethodHealth, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Create creates an index and returns its initial status.
func (c *Client) Create(ctx context.Context, def model.IndexDefinition) (*registry.Status, error) {
	var res registry.Status
	if err := c.call(ctx, MethodCreate, CreateParams{Definition: def}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Drop removes an index.
func (c *Client) Drop(ctx context.Context, name string) error {
	params := DropParams{Name: name}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return c.call(ctx, MethodDrop, params, nil)
}

// Search runs a query. When the server gave up waiting for consistency the
// stale response is returned together with the error.
func (c *Client) Search(ctx context.Context, params SearchParams) (*search.Response, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	var res search.Response
	err := c.call(ctx, MethodSearch, params, &res)
	if err == nil {
		return &res, nil
	}
	var rpcErr *Error
	if stderrors.As(err, &rpcErr) && rpcErr.Code == ErrCodeQueryTimeout && len(rpcErr.Data) > 0 {
		var data ErrorData
		if json.Unmarshal(rpcErr.Data, &data) == nil && data.Response != nil {
			return data.Response, err
		}
	}
	return nil, err
}
