package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "turnorch"
	clientVersion   = "1.0"
)

func newRequest(id int64, method string, params interface{}) transport.JSONRPCRequest {
	return transport.JSONRPCRequest{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(id),
		Method:  method,
		Params:  params,
	}
}

func newNotification(method string) mcp.JSONRPCNotification {
	return mcp.JSONRPCNotification{
		JSONRPC:      mcp.JSONRPC_VERSION,
		Notification: mcp.Notification{Method: method},
	}
}

// resultOf turns a decoded response into its result or a ProtocolError.
func resultOf(server string, resp *transport.JSONRPCResponse) (json.RawMessage, error) {
	if resp == nil {
		return nil, &domain.ProtocolError{Server: server, Message: "empty response"}
	}
	if resp.Error != nil {
		return nil, &domain.ProtocolError{Server: server, Message: fmt.Sprintf("%d: %s", resp.Error.Code, resp.Error.Message)}
	}
	if len(resp.Result) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return resp.Result, nil
}

func initializeParams() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{"listChanged": true}},
		"clientInfo":      map[string]interface{}{"name": clientName, "version": clientVersion},
	}
}

// session is the request side of a conn, used for the initialize handshake.
type session interface {
	call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	notify(ctx context.Context, method string) error
}

func handshake(ctx context.Context, s session) error {
	if _, err := s.call(ctx, "initialize", initializeParams()); err != nil {
		return err
	}
	return s.notify(ctx, "notifications/initialized")
}

func logNotifications(server string) func(mcp.JSONRPCNotification) {
	return func(n mcp.JSONRPCNotification) {
		log.Debug().Str("server", server).Str("method", n.Method).Msg("MCP notification")
	}
}

// answer is the outcome of one SendRequest.
type answer struct {
	resp *transport.JSONRPCResponse
	err  error
}

// sendAsync runs SendRequest in the background so callers can also watch
// for the connection breaking underneath it. Cancel ctx to abandon it.
func sendAsync(ctx context.Context, rpc transport.Interface, req transport.JSONRPCRequest) <-chan answer {
	done := make(chan answer, 1)
	go func() {
		resp, err := rpc.SendRequest(ctx, req)
		done <- answer{resp: resp, err: err}
	}()
	return done
}

type listToolsResult struct {
	Tools      []domain.ToolSpec `json:"tools"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

type callToolResult struct {
	Content           []json.RawMessage `json:"content"`
	IsError           bool              `json:"isError"`
	StructuredContent json.RawMessage   `json:"structuredContent,omitempty"`
	Data              json.RawMessage   `json:"data,omitempty"`
}

// normalizedOutput is the transport-independent tool output.
type normalizedOutput struct {
	Content           []json.RawMessage `json:"content"`
	Text              string            `json:"text"`
	IsError           bool              `json:"isError"`
	StructuredContent json.RawMessage   `json:"structuredContent,omitempty"`
	Data              json.RawMessage   `json:"data,omitempty"`
}

type contentItem struct {
	Type string  `json:"type"`
	Text *string `json:"text,omitempty"`
}

func textOf(items []json.RawMessage) string {
	parts := make([]string, 0, len(items))
	for _, raw := range items {
		var item contentItem
		if err := json.Unmarshal(raw, &item); err == nil && item.Type == "text" && item.Text != nil {
			if *item.Text != "" {
				parts = append(parts, *item.Text)
			}
			continue
		}
		parts = append(parts, string(raw))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// normalizeCallResult maps an MCP tools/call result onto a ToolResult.
func normalizeCallResult(server string, raw json.RawMessage) domain.ToolResult {
	var res callToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return errorResult(&domain.ProtocolError{Server: server, Message: "malformed tools/call result: " + err.Error()})
	}
	return finishNormalized(normalizedOutput{
		Content:           res.Content,
		Text:              textOf(res.Content),
		IsError:           res.IsError,
		StructuredContent: res.StructuredContent,
		Data:              res.Data,
	})
}

func finishNormalized(out normalizedOutput) domain.ToolResult {
	if out.Content == nil {
		out.Content = []json.RawMessage{}
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return errorResult(err)
	}
	if out.IsError {
		msg := out.Text
		if msg == "" {
			msg = "tool reported an error"
		}
		return domain.ToolResult{Status: domain.ToolStatusError, Output: encoded, ErrorMessage: msg, ErrorKind: domain.ErrorKindTool}
	}
	return domain.ToolResult{Status: domain.ToolStatusOK, Output: encoded}
}

func errorResult(err error) domain.ToolResult {
	return domain.ToolResult{
		Status:       domain.ToolStatusError,
		ErrorMessage: err.Error(),
		ErrorKind:    domain.ErrorKind(err),
	}
}
