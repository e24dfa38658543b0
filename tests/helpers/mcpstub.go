package helpers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

const (
	// MCPStubEnv switches a test binary into stub MCP server mode.
	MCPStubEnv = "TURNORCH_MCP_STUB"
	// MCPStubCallsEnv names the file the stub appends one line to per
	// tools/call it receives.
	MCPStubCallsEnv = "TURNORCH_MCP_STUB_CALLS"
)

// RunMCPStubIfRequested serves the stub MCP protocol on stdin/stdout and
// exits when MCPStubEnv is set. Call it first thing in TestMain.
func RunMCPStubIfRequested() {
	if os.Getenv(MCPStubEnv) != "1" {
		return
	}
	runMCPStub()
	os.Exit(0)
}

// MCPStubServer returns a stdio server config that re-executes the current
// test binary as the stub.
func MCPStubServer(t *testing.T, name string) domain.ToolServer {
	t.Helper()
	t.Setenv(MCPStubEnv, "1")
	if os.Getenv(MCPStubCallsEnv) == "" {
		t.Setenv(MCPStubCallsEnv, filepath.Join(t.TempDir(), "tool-calls.log"))
	}
	return domain.ToolServer{
		Name:             name,
		Transport:        domain.TransportStdio,
		Command:          os.Args[0],
		EnabledByDefault: true,
	}
}

// MCPStubToolCalls returns the tool names of every tools/call the stubs of
// the current test received, in arrival order.
func MCPStubToolCalls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(os.Getenv(MCPStubCallsEnv))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read stub call log: %v", err)
	}
	return strings.Fields(string(data))
}

func recordStubCall(name string) {
	path := os.Getenv(MCPStubCallsEnv)
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, name)
}

type stubRequest struct {
	ID     *json.RawMessage `json:"id"`
	Method string           `json:"method"`
	Params struct {
		Name      string                 `json:"name"`
		Cursor    string                 `json:"cursor"`
		Arguments map[string]interface{} `json:"arguments"`
	} `json:"params"`
}

var stubPages = [][]map[string]interface{}{
	{
		{
			"name":        "echo",
			"description": "Echo the text back.",
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
				"required":   []string{"text"},
			},
		},
		{"name": "list_directory", "description": "List the stub workspace."},
		{"name": "slow", "title": "Sleeps for ms milliseconds"},
	},
	{
		{"name": "crash"},
		{"name": "garbage"},
		{"name": "fail"},
		{"name": "env"},
	},
}

func runMCPStub() {
	out := bufio.NewWriter(os.Stdout)
	write := func(v interface{}) {
		data, _ := json.Marshal(v)
		out.Write(data)
		out.WriteByte('\n')
		out.Flush()
	}
	reply := func(id *json.RawMessage, result interface{}) {
		// An unrelated notification precedes every answer.
		write(map[string]interface{}{"jsonrpc": "2.0", "method": "notifications/message", "params": map[string]string{"level": "info"}})
		write(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
	}
	text := func(s string, isError bool) map[string]interface{} {
		return map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": s}},
			"isError": isError,
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var req stubRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		switch req.Method {
		case "initialize":
			reply(req.ID, map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
				"serverInfo":      map[string]string{"name": "stub", "version": "0"},
			})
		case "tools/list":
			page, next := 0, "page-2"
			if req.Params.Cursor == "page-2" {
				page, next = 1, ""
			}
			result := map[string]interface{}{"tools": stubPages[page]}
			if next != "" {
				result["nextCursor"] = next
			}
			reply(req.ID, result)
		case "tools/call":
			recordStubCall(req.Params.Name)
			args := req.Params.Arguments
			switch req.Params.Name {
			case "echo":
				reply(req.ID, text(fmt.Sprint(args["text"]), false))
			case "list_directory":
				reply(req.ID, map[string]interface{}{
					"content":           []map[string]string{{"type": "text", "text": "README.md\nmain.go"}},
					"structuredContent": map[string]interface{}{"entries": []string{"README.md", "main.go"}},
				})
			case "slow":
				ms, _ := args["ms"].(float64)
				time.Sleep(time.Duration(ms) * time.Millisecond)
				reply(req.ID, text("done", false))
			case "crash":
				os.Exit(3)
			case "garbage":
				out.WriteString("this is not json\n")
				out.Flush()
			case "flood":
				size, _ := args["bytes"].(float64)
				reply(req.ID, text(strings.Repeat("x", int(size)), false))
			case "fail":
				reply(req.ID, text("stub failure", true))
			case "env":
				key, _ := args["key"].(string)
				reply(req.ID, text(os.Getenv(key), false))
			default:
				write(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "error": map[string]interface{}{"code": -32602, "message": "unknown tool " + strings.TrimSpace(req.Params.Name)}})
			}
		default:
			write(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "error": map[string]interface{}{"code": -32601, "message": "method not found"}})
		}
	}
}
