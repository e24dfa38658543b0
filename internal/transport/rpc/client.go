package rpc

import (
	"context"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// Client calls the orchestrator over JSON-RPC. Each call dials its own
// connection, so a Client is safe for concurrent use.
type Client struct {
	addr        string
	dialTimeout time.Duration
}

// NewClient accepts host:port or a URL whose host is used.
func NewClient(addr string) *Client {
	return &Client{
		addr:        resolveRPCAddr(addr),
		dialTimeout: 5 * time.Second,
	}
}

// StartTurn runs a turn and waits for it to settle.
func (c *Client) StartTurn(ctx context.Context, req domain.StartTurnRequest) (*domain.TurnResult, error) {
	var resp domain.TurnResult
	if err := c.call(ctx, "StartTurn", &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResendTurn edits the latest user message and runs the turn again.
func (c *Client) ResendTurn(ctx context.Context, req domain.ResendRequest) (*domain.TurnResult, error) {
	var resp domain.TurnResult
	if err := c.call(ctx, "ResendTurn", &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelRun cancels a running run.
func (c *Client) CancelRun(ctx context.Context, runID string) (*domain.Run, error) {
	var resp domain.Run
	if err := c.call(ctx, "CancelRun", &RunRequest{RunID: runID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun fetches a run with its steps.
func (c *Client) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var resp domain.Run
	if err := c.call(ctx, "GetRun", &RunRequest{RunID: runID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	if c.addr == "" {
		return errors.New("rpc address is empty")
	}
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.addr)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(ServiceName+"."+method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
