package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
	"github.com/xiaot623/gogo/turnorch/internal/tools"
)

func newBuiltinGateway(t *testing.T, allowed ...string) (*Gateway, domain.ToolServer) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("# notes"), 0o600))

	reg := tools.NewRegistry()
	_, err := tools.RegisterFilesystem(reg, root)
	require.NoError(t, err)

	server := domain.ToolServer{Name: tools.FilesystemServer, Transport: domain.TransportBuiltin, AllowedTools: allowed}
	gw := New(Options{Servers: []domain.ToolServer{server}, Builtin: reg})
	t.Cleanup(gw.Close)
	return gw, server
}

func TestBuiltinInvokeIsDeterministic(t *testing.T) {
	gw, server := newBuiltinGateway(t)
	ctx := context.Background()
	args := json.RawMessage(`{"path":"."}`)

	first := gw.Invoke(ctx, server, "list_directory", args, time.Second)
	second := gw.Invoke(ctx, server, "list_directory", args, time.Second)
	require.True(t, first.OK(), first.ErrorMessage)
	assert.Equal(t, string(first.Output), string(second.Output))

	out := decodeOutput(t, first)
	assert.Equal(t, "Directory listing for .:\nnotes.md", out.Text)
	assert.JSONEq(t, `{"entries":["notes.md"],"path":"."}`, string(out.Data))
	require.Len(t, out.Content, 1)
}

func TestBuiltinErrors(t *testing.T) {
	gw, server := newBuiltinGateway(t)
	ctx := context.Background()

	res := gw.Invoke(ctx, server, "read_file", json.RawMessage(`{}`), time.Second)
	assert.Equal(t, domain.ErrorKindValidation, res.ErrorKind)

	res = gw.Invoke(ctx, server, "read_file", json.RawMessage(`{"path":"missing.txt"}`), time.Second)
	assert.Equal(t, domain.ErrorKindTool, res.ErrorKind)
	assert.Contains(t, res.ErrorMessage, "file not found")

	res = gw.Invoke(ctx, server, "read_file", json.RawMessage(`{"path":"../../etc/passwd"}`), time.Second)
	assert.Equal(t, domain.ErrorKindValidation, res.ErrorKind)

	res = gw.Invoke(ctx, server, "delete_everything", nil, time.Second)
	assert.Equal(t, domain.ErrorKindNotFound, res.ErrorKind)

	res = gw.Invoke(ctx, server, "read_file", json.RawMessage(`"notes.md"`), time.Second)
	assert.Equal(t, domain.ErrorKindValidation, res.ErrorKind)
}

func TestAllowedToolsGlobs(t *testing.T) {
	gw, server := newBuiltinGateway(t, "list_*")
	ctx := context.Background()

	specs, err := gw.ListTools(ctx, server)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "list_directory", specs[0].Name)

	res := gw.Invoke(ctx, server, "read_file", json.RawMessage(`{"path":"notes.md"}`), time.Second)
	assert.Equal(t, domain.ErrorKindBlocked, res.ErrorKind)
}

func TestDefinitions(t *testing.T) {
	gw, _ := newBuiltinGateway(t)

	defs := gw.Definitions(context.Background(), []string{"unknown", tools.FilesystemServer})
	require.Len(t, defs, 2)
	assert.Equal(t, "filesystem-tools__list_directory", defs[0].Name)
	assert.Equal(t, "List entries in a workspace-relative directory (max 50 entries). (via filesystem-tools)", defs[0].Description)
	assert.Equal(t, "list_directory", defs[0].Tool)
	assert.Equal(t, tools.FilesystemServer, defs[0].Server)

	server, tool, ok := domain.DecodeToolName(defs[1].Name)
	require.True(t, ok)
	assert.Equal(t, tools.FilesystemServer, server)
	assert.Equal(t, "read_file", tool)
}

func TestDefinitionFallbacks(t *testing.T) {
	def := definitionFor("srv", domain.ToolSpec{Name: "t", Title: "A title"})
	assert.Equal(t, "A title (via srv)", def.Description)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(def.Parameters))

	def = definitionFor("srv", domain.ToolSpec{Name: "t"})
	assert.Equal(t, "Tool 't' exposed by srv (via srv)", def.Description)
}

func TestNormalizeCallResult(t *testing.T) {
	res := normalizeCallResult("srv", json.RawMessage(`{"content":[{"type":"text","text":"one"},{"type":"image","data":"x"},{"type":"text","text":""}],"isError":false}`))
	require.True(t, res.OK())
	var out normalizedOutput
	require.NoError(t, json.Unmarshal(res.Output, &out))
	assert.Equal(t, "one\n{\"type\":\"image\",\"data\":\"x\"}", out.Text)

	res = normalizeCallResult("srv", json.RawMessage(`{"isError":true}`))
	assert.Equal(t, domain.ErrorKindTool, res.ErrorKind)
	assert.Equal(t, "tool reported an error", res.ErrorMessage)

	res = normalizeCallResult("srv", json.RawMessage(`[1,2]`))
	assert.Equal(t, domain.ErrorKindProtocol, res.ErrorKind)
}
