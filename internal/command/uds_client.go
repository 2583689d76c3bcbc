package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"firestige.xyz/edirelay/internal/redundancy"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	respIDStr := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respIDStr != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respIDStr)
	}

	return &Response{
		ID:     respIDStr,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

// call runs method and decodes a successful result into out.
func (c *UDSClient) call(ctx context.Context, method string, params, out interface{}) error {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s failed: %s", method, resp.Error.Message)
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// GetSettings returns the relay settings.
func (c *UDSClient) GetSettings(ctx context.Context) (SettingsResult, error) {
	var res SettingsResult
	err := c.call(ctx, MethodGetSettings, nil, &res)
	return res, err
}

// ListInputs returns the state of every source.
func (c *UDSClient) ListInputs(ctx context.Context) ([]redundancy.SourceStatus, error) {
	var res []redundancy.SourceStatus
	err := c.call(ctx, MethodListInputs, nil, &res)
	return res, err
}

// SetInput enables or disables the source host:port.
func (c *UDSClient) SetInput(ctx context.Context, source string, enabled bool) error {
	return c.call(ctx, MethodSetInput, SetInputParams{Source: source, Enabled: &enabled}, nil)
}

// Set runs one of the set_* methods with value.
func (c *UDSClient) Set(ctx context.Context, method string, value interface{}) error {
	return c.call(ctx, method, ValueParams{Value: value}, nil)
}

// Inhibit suppresses the output for d from now.
func (c *UDSClient) Inhibit(ctx context.Context, d time.Duration) (string, error) {
	ms := int(d / time.Millisecond)
	var res struct {
		InhibitUntil string `json:"inhibit_until"`
	}
	err := c.call(ctx, MethodInhibit, InhibitParams{DurationMs: &ms}, &res)
	return res.InhibitUntil, err
}

// Status returns the daemon status.
func (c *UDSClient) Status(ctx context.Context) (StatusResult, error) {
	var res StatusResult
	err := c.call(ctx, MethodDaemonStatus, nil, &res)
	return res, err
}

// ConfigReload asks the daemon to reload its configuration file.
func (c *UDSClient) ConfigReload(ctx context.Context) error {
	return c.call(ctx, MethodConfigReload, nil, nil)
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.call(ctx, MethodDaemonShutdown, nil, nil)
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}
