package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

func newFilesystem(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("bravo"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	reg := NewRegistry()
	_, err := RegisterFilesystem(reg, root)
	require.NoError(t, err)
	return reg, root
}

func TestListTools(t *testing.T) {
	reg, _ := newFilesystem(t)

	specs, err := reg.ListTools(FilesystemServer)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "list_directory", specs[0].Name)
	assert.Equal(t, "read_file", specs[1].Name)

	var schema map[string]interface{}
	require.NoError(t, json.Unmarshal(specs[1].InputSchema, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []interface{}{"path"}, schema["required"])
	assert.NotContains(t, schema, "$schema")

	_, err = reg.ListTools("nope")
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestListDirectory(t *testing.T) {
	reg, _ := newFilesystem(t)
	ctx := context.Background()

	res, err := reg.Execute(ctx, FilesystemServer, "list_directory", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "Directory listing for .:\na.txt\nb.txt\nsub", res.Text)

	res, err = reg.Execute(ctx, FilesystemServer, "list_directory", json.RawMessage(`{"path":"sub"}`))
	require.NoError(t, err)
	assert.Contains(t, res.Text, "<empty directory>")

	_, err = reg.Execute(ctx, FilesystemServer, "list_directory", json.RawMessage(`{"path":"missing"}`))
	assert.Error(t, err)
}

func TestListDirectoryCapsEntries(t *testing.T) {
	reg, root := newFilesystem(t)
	dir := filepath.Join(root, "many")
	require.NoError(t, os.Mkdir(dir, 0o755))
	for i := 0; i < 60; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%02d", i)), nil, 0o600))
	}

	res, err := reg.Execute(context.Background(), FilesystemServer, "list_directory", json.RawMessage(`{"path":"many"}`))
	require.NoError(t, err)
	data := res.Data.(map[string]interface{})
	entries := data["entries"].([]string)
	assert.Len(t, entries, 50)
	assert.Equal(t, "f00", entries[0])
	assert.Equal(t, "f49", entries[49])
}

func TestReadFile(t *testing.T) {
	reg, root := newFilesystem(t)
	ctx := context.Background()

	res, err := reg.Execute(ctx, FilesystemServer, "read_file", json.RawMessage(`{"path":"a.txt"}`))
	require.NoError(t, err)
	assert.Equal(t, "File preview for a.txt:\nalpha", res.Text)

	big := strings.Repeat("é", 6000)
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(big), 0o600))
	res, err = reg.Execute(ctx, FilesystemServer, "read_file", json.RawMessage(`{"path":"big.txt"}`))
	require.NoError(t, err)
	content := res.Data.(map[string]interface{})["content"].(string)
	assert.Equal(t, 5000, len([]rune(content)))

	_, err = reg.Execute(ctx, FilesystemServer, "read_file", json.RawMessage(`{}`))
	var ve *domain.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestWorkspaceEscapeIsRejected(t *testing.T) {
	reg, _ := newFilesystem(t)
	ctx := context.Background()

	for _, path := range []string{"../", "../../etc/passwd", "/etc/passwd", "sub/../../x"} {
		_, err := reg.Execute(ctx, FilesystemServer, "read_file", json.RawMessage(fmt.Sprintf(`{"path":%q}`, path)))
		var ve *domain.ValidationError
		require.ErrorAs(t, err, &ve, path)
		assert.Equal(t, "path escapes workspace root", ve.Message)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, json.RawMessage) (*Result, error) { return &Result{}, nil }
	require.NoError(t, reg.Register("s", Tool{Spec: domain.ToolSpec{Name: "t"}, Exec: noop}))
	assert.Error(t, reg.Register("s", Tool{Spec: domain.ToolSpec{Name: "t"}, Exec: noop}))
	assert.Error(t, reg.Register("", Tool{Spec: domain.ToolSpec{Name: "t"}, Exec: noop}))
	assert.Error(t, reg.Register("s", Tool{Spec: domain.ToolSpec{Name: "u"}}))
	assert.True(t, reg.HasServer("s"))

	_, err := reg.Execute(context.Background(), "s", "missing", nil)
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}
