package ops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opline/opline/internal/domain/action"
	"github.com/opline/opline/internal/domain/token"
)

// editOps implements preview/apply replacements. The preview's context
// digest is the hash of the target file, so an apply token minted from a
// preview is detected as stale if the file changed in between.
type editOps struct {
	root string
}

func (e *editOps) preview(_ context.Context, params map[string]any) (*action.Output, error) {
	file, find, replace, err := editParams(params)
	if err != nil {
		return nil, err
	}
	data, err := e.read(file)
	if err != nil {
		return nil, err
	}

	content := string(data)
	count := strings.Count(content, find)

	var changed []any
	for i, line := range strings.Split(content, "\n") {
		if strings.Contains(line, find) {
			changed = append(changed, map[string]any{
				"line":   float64(i + 1),
				"before": strings.TrimSpace(line),
				"after":  strings.TrimSpace(strings.ReplaceAll(line, find, replace)),
			})
		}
	}

	return &action.Output{
		Payload: map[string]any{
			"file":         file,
			"replacements": float64(count),
			"changes":      changed,
		},
		ContextDigest: token.Digest(data),
		NextActions: []token.NextAction{
			{ID: "apply", Label: "Apply the replacement", Guarded: true},
		},
	}, nil
}

// Execute is the guarded apply: it rewrites the file in place.
func (e *editOps) Execute(_ context.Context, params map[string]any) (*action.Output, error) {
	file, find, replace, err := editParams(params)
	if err != nil {
		return nil, err
	}
	path := e.path(file)
	data, err := e.read(file)
	if err != nil {
		return nil, err
	}

	content := strings.ReplaceAll(string(data), find, replace)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { //nolint:gosec
		return nil, fmt.Errorf("write %s: %w", file, err)
	}

	return &action.Output{
		Payload: map[string]any{
			"file":         file,
			"replacements": float64(strings.Count(string(data), find)),
			"applied":      true,
		},
		ContextDigest: token.Digest([]byte(content)),
	}, nil
}

// CurrentDigest re-derives the hash of the target file for staleness checks.
func (e *editOps) CurrentDigest(_ context.Context, params map[string]any) (string, error) {
	file, _ := params["file"].(string)
	if file == "" {
		return "", nil
	}
	data, err := e.read(file)
	if err != nil {
		return "", err
	}
	return token.Digest(data), nil
}

func (e *editOps) path(file string) string {
	return filepath.Join(e.root, filepath.Clean("/"+file))
}

func (e *editOps) read(file string) ([]byte, error) {
	data, err := os.ReadFile(e.path(file)) //nolint:gosec // G304: constrained to the workspace root
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("read %s: file exceeds %d bytes", file, maxFileBytes)
	}
	return data, nil
}

func editParams(params map[string]any) (file, find, replace string, err error) {
	file, _ = params["file"].(string)
	find, _ = params["find"].(string)
	replace, _ = params["replace"].(string)
	if file == "" || find == "" {
		return "", "", "", fmt.Errorf("file and find are required")
	}
	return file, find, replace, nil
}
