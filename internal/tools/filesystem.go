package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// FilesystemServer is the name of the builtin workspace file server.
const FilesystemServer = "filesystem-tools"

const (
	maxDirectoryEntries = 50
	maxFileChars        = 5000
)

// ListDirectoryArgs are the arguments of list_directory.
type ListDirectoryArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Relative directory path; defaults to '.'"`
}

// ReadFileArgs are the arguments of read_file.
type ReadFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=Relative file path"`
}

// Filesystem serves read-only access to a workspace directory.
type Filesystem struct {
	root string
}

// RegisterFilesystem adds list_directory and read_file under FilesystemServer.
func RegisterFilesystem(r *Registry, workspaceRoot string) (*Filesystem, error) {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve workspace root")
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	fs := &Filesystem{root: root}

	err = r.Register(FilesystemServer, Tool{
		Spec: domain.ToolSpec{
			Name:        "list_directory",
			Description: "List entries in a workspace-relative directory (max 50 entries).",
			InputSchema: SchemaFor(&ListDirectoryArgs{}),
		},
		Exec: fs.listDirectory,
	})
	if err != nil {
		return nil, err
	}
	err = r.Register(FilesystemServer, Tool{
		Spec: domain.ToolSpec{
			Name:        "read_file",
			Description: "Read up to 5000 characters from a workspace-relative file.",
			InputSchema: SchemaFor(&ReadFileArgs{}),
		},
		Exec: fs.readFile,
	})
	if err != nil {
		return nil, err
	}
	return fs, nil
}

// Root returns the resolved workspace root.
func (f *Filesystem) Root() string { return f.root }

func (f *Filesystem) resolve(rel string) (string, error) {
	target := rel
	if !filepath.IsAbs(target) {
		target = filepath.Join(f.root, rel)
	}
	target = filepath.Clean(target)
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		target = resolved
	}
	inside, err := filepath.Rel(f.root, target)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", &domain.ValidationError{Message: "path escapes workspace root"}
	}
	return target, nil
}

func (f *Filesystem) listDirectory(_ context.Context, raw json.RawMessage) (*Result, error) {
	var args ListDirectoryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &domain.ValidationError{Message: "invalid arguments: " + err.Error()}
	}
	if args.Path == "" {
		args.Path = "."
	}
	target, err := f.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return nil, errors.Errorf("directory not found: %s", args.Path)
	}
	dirEntries, err := os.ReadDir(target)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read directory %s", args.Path)
	}
	entries := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		entries = append(entries, e.Name())
	}
	sort.Strings(entries)
	if len(entries) > maxDirectoryEntries {
		entries = entries[:maxDirectoryEntries]
	}

	listing := strings.Join(entries, "\n")
	if listing == "" {
		listing = "<empty directory>"
	}
	return &Result{
		Text: "Directory listing for " + args.Path + ":\n" + listing,
		Data: map[string]interface{}{"entries": entries, "path": args.Path},
	}, nil
}

func (f *Filesystem) readFile(_ context.Context, raw json.RawMessage) (*Result, error) {
	var args ReadFileArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &domain.ValidationError{Message: "invalid arguments: " + err.Error()}
	}
	if args.Path == "" {
		return nil, &domain.ValidationError{Message: "'path' is required"}
	}
	target, err := f.resolve(args.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		return nil, errors.Errorf("file not found: %s", args.Path)
	}
	content, err := os.ReadFile(target)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", args.Path)
	}

	preview := strings.ToValidUTF8(string(content), "")
	if runes := []rune(preview); len(runes) > maxFileChars {
		preview = string(runes[:maxFileChars])
	}
	return &Result{
		Text: "File preview for " + args.Path + ":\n" + preview,
		Data: map[string]interface{}{"path": args.Path, "content": preview},
	}, nil
}
