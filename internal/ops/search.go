package ops

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opline/opline/internal/domain/action"
	"github.com/opline/opline/internal/domain/token"
)

// maxFileBytes bounds how much of a single file the handlers will read.
const maxFileBytes = 1 << 20

type searchOps struct {
	root string
}

// analyze scans the workspace for a substring pattern.
func (s *searchOps) analyze(_ context.Context, params map[string]any) (*action.Output, error) {
	pattern, _ := params["pattern"].(string)
	ext, _ := params["ext"].(string)

	var matches []any
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); name == ".git" || name == "node_modules" || name == ".opline" {
				return filepath.SkipDir
			}
			return nil
		}
		if ext != "" && !strings.HasSuffix(path, ext) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileBytes {
			return nil
		}
		data, err := os.ReadFile(path) //nolint:gosec // G304: walking the configured workspace
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(s.root, path)
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, pattern) {
				matches = append(matches, map[string]any{
					"file": rel,
					"line": float64(i + 1),
					"text": strings.TrimSpace(line),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}

	return &action.Output{
		Payload: map[string]any{
			"pattern": pattern,
			"count":   float64(len(matches)),
			"matches": matches,
		},
		NextActions: []token.NextAction{
			{ID: "trace", Label: "List matching lines in one file"},
			{ID: "extract", Label: "Read one file"},
		},
	}, nil
}

// trace lists the matching lines of a single file.
func (s *searchOps) trace(_ context.Context, params map[string]any) (*action.Output, error) {
	pattern, _ := params["pattern"].(string)
	file, _ := params["file"].(string)

	data, err := s.read(file)
	if err != nil {
		return nil, err
	}

	var lines []any
	for i, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, pattern) {
			lines = append(lines, map[string]any{"line": float64(i + 1), "text": strings.TrimSpace(line)})
		}
	}

	return &action.Output{
		Payload: map[string]any{"file": file, "lines": lines},
		NextActions: []token.NextAction{
			{ID: "extract", Label: "Read one file"},
		},
	}, nil
}

// extract returns the content of a single file.
func (s *searchOps) extract(_ context.Context, params map[string]any) (*action.Output, error) {
	file, _ := params["file"].(string)

	data, err := s.read(file)
	if err != nil {
		return nil, err
	}

	return &action.Output{
		Payload: map[string]any{"file": file, "content": string(data)},
	}, nil
}

// read resolves a workspace-relative path, refusing escapes above the root.
func (s *searchOps) read(file string) ([]byte, error) {
	path := filepath.Join(s.root, filepath.Clean("/"+file))
	data, err := os.ReadFile(path) //nolint:gosec // G304: constrained to the workspace root
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("read %s: file exceeds %d bytes", file, maxFileBytes)
	}
	return data, nil
}
