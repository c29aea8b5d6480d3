package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadFileTool reads a file relative to the working directory.
type ReadFileTool struct {
	workdir string
}

// NewReadFileTool creates a ReadFileTool sandboxed to workdir.
func NewReadFileTool(workdir string) *ReadFileTool {
	return &ReadFileTool{workdir: workdir}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a draft, asset or brief from the workspace." }

// Execute returns {"path", "content", "bytes"}.
func (t *ReadFileTool) Execute(_ context.Context, params map[string]any) (any, error) {
	var p struct {
		Path string `json:"path" validate:"required"`
	}
	if err := decodeParams(t.Name(), params, &p); err != nil {
		return nil, err
	}
	safe, err := safePath(t.workdir, p.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(safe)
	if err != nil {
		return nil, fmt.Errorf("read_file: %w", err)
	}
	return map[string]any{"path": p.Path, "content": string(data), "bytes": len(data)}, nil
}

// WriteFileTool writes content to a file relative to the working directory.
type WriteFileTool struct {
	workdir string
}

// NewWriteFileTool creates a WriteFileTool sandboxed to workdir.
func NewWriteFileTool(workdir string) *WriteFileTool {
	return &WriteFileTool{workdir: workdir}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write generated content to the workspace." }

// Execute writes params.content to params.path, appending when params.append
// is true, and returns {"path", "bytes"}.
func (t *WriteFileTool) Execute(_ context.Context, params map[string]any) (any, error) {
	var p struct {
		Path    string `json:"path" validate:"required"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := decodeParams(t.Name(), params, &p); err != nil {
		return nil, err
	}
	safe, err := safePath(t.workdir, p.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(safe), 0o755); err != nil {
		return nil, fmt.Errorf("write_file: mkdir: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if p.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(safe, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	n, err := f.WriteString(p.Content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("write_file: %w", err)
	}
	return map[string]any{"path": p.Path, "bytes": n}, nil
}

// safePath resolves a path under workdir and rejects path traversal attempts.
func safePath(workdir, rel string) (string, error) {
	abs := filepath.Clean(filepath.Join(workdir, rel))
	wdClean := filepath.Clean(workdir)
	if abs != wdClean && !strings.HasPrefix(abs, wdClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q resolves outside workdir", rel)
	}
	return abs, nil
}
