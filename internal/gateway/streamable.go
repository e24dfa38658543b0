package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

const streamableCloseTimeout = 5 * time.Second

// streamableConn talks to an MCP server over the streamable HTTP transport.
// Each request is a POST answered by JSON or by an event stream; the session
// id from initialize rides along on later requests.
type streamableConn struct {
	server string
	rpc    *transport.StreamableHTTP
	nextID atomic.Int64
}

func dialStreamable(ctx context.Context, server domain.ToolServer, client *http.Client, headers http.Header) (*streamableConn, error) {
	rpc, err := transport.NewStreamableHTTP(server.URL,
		transport.WithHTTPHeaders(headerMap(headers)),
		transport.WithHTTPBasicClient(newWatchedClient(client, nil)),
	)
	if err != nil {
		return nil, &domain.UnavailableError{Server: server.Name, Cause: err}
	}
	rpc.SetNotificationHandler(logNotifications(server.Name))
	if err := rpc.Start(ctx); err != nil {
		return nil, &domain.UnavailableError{Server: server.Name, Cause: err}
	}

	c := &streamableConn{server: server.Name, rpc: rpc}
	if err := handshake(ctx, c); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

// alive is always true: every request stands alone.
func (c *streamableConn) alive() bool { return true }

func (c *streamableConn) notify(ctx context.Context, method string) error {
	octx, outcome := withOutcome(ctx)
	if err := c.rpc.SendNotification(octx, newNotification(method)); err != nil {
		return httpFailure(ctx, c.server, outcome, err)
	}
	return nil
}

func (c *streamableConn) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	octx, outcome := withOutcome(ctx)
	resp, err := c.rpc.SendRequest(octx, newRequest(c.nextID.Add(1), method, params))
	if err != nil {
		return nil, httpFailure(ctx, c.server, outcome, err)
	}
	return resultOf(c.server, resp)
}

// close ends the server session with a DELETE.
func (c *streamableConn) close() {
	done := make(chan struct{})
	go func() {
		_ = c.rpc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(streamableCloseTimeout):
	}
}
