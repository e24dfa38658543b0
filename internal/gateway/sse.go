package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// sseConn is a pooled legacy MCP SSE connection: one GET stream delivers
// responses, requests are POSTed to the endpoint announced on the stream.
type sseConn struct {
	server string
	rpc    *transport.SSE
	nextID atomic.Int64

	dropOnce sync.Once
	dropped  chan struct{}
	dropErr  error
}

func dialSSE(ctx context.Context, server domain.ToolServer, client *http.Client, headers http.Header) (*sseConn, error) {
	c := &sseConn{server: server.Name, dropped: make(chan struct{})}
	rpc, err := transport.NewSSE(server.URL,
		transport.WithHeaders(headerMap(headers)),
		transport.WithHTTPClient(newWatchedClient(client, c.drop)),
	)
	if err != nil {
		return nil, &domain.UnavailableError{Server: server.Name, Cause: err}
	}
	c.rpc = rpc
	rpc.SetNotificationHandler(logNotifications(server.Name))

	// The stream outlives ctx, so it starts detached and is abandoned if
	// ctx ends first.
	streamCtx, outcome := withOutcome(context.Background())
	started := make(chan error, 1)
	go func() { started <- rpc.Start(streamCtx) }()
	select {
	case err = <-started:
	case <-ctx.Done():
		_ = rpc.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = rpc.Close()
		if remote := outcome.remote(server.Name); remote != nil {
			return nil, remote
		}
		return nil, &domain.UnavailableError{Server: server.Name, Cause: err}
	}

	if err := handshake(ctx, c); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

func (c *sseConn) drop(err error) {
	c.dropOnce.Do(func() {
		c.dropErr = err
		close(c.dropped)
		log.Debug().Err(err).Str("server", c.server).Msg("SSE stream ended")
	})
}

func (c *sseConn) alive() bool {
	select {
	case <-c.dropped:
		return false
	default:
		return true
	}
}

func (c *sseConn) notify(ctx context.Context, method string) error {
	octx, outcome := withOutcome(ctx)
	if err := c.rpc.SendNotification(octx, newNotification(method)); err != nil {
		return httpFailure(ctx, c.server, outcome, err)
	}
	return nil
}

func (c *sseConn) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if !c.alive() {
		return nil, &domain.TransportError{Server: c.server, Cause: c.dropErr}
	}
	octx, outcome := withOutcome(ctx)
	octx, cancel := context.WithCancel(octx)
	defer cancel()
	done := sendAsync(octx, c.rpc, newRequest(c.nextID.Add(1), method, params))

	select {
	case a := <-done:
		if a.err != nil {
			return nil, httpFailure(ctx, c.server, outcome, a.err)
		}
		return resultOf(c.server, a.resp)
	case <-c.dropped:
		return nil, &domain.TransportError{Server: c.server, Cause: c.dropErr}
	}
}

func (c *sseConn) close() {
	c.drop(errors.New("connection closed"))
	_ = c.rpc.Close()
}
