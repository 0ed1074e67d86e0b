// Package ops registers the built-in search and edit operation handlers.
// They are ordinary registry entries; the protocol core treats them as
// black boxes, and hosts may register entirely different command sets.
package ops

import (
	"github.com/opline/opline/internal/domain/action"
)

// Register adds the built-in handlers for a workspace rooted at root.
func Register(reg *action.Registry, root string) error {
	search := &searchOps{root: root}
	edit := &editOps{root: root}

	regs := []struct {
		d action.Descriptor
		h action.Handler
	}{
		{
			action.Descriptor{
				Command: "search", Action: "analyze", Label: "Find pattern matches",
				Parameters: []action.ParamSpec{
					{Name: "pattern", Type: "string", Description: "Substring to search for", Required: true},
					{Name: "ext", Type: "string", Description: "Restrict to files with this extension"},
				},
			},
			action.HandlerFunc(search.analyze),
		},
		{
			action.Descriptor{
				Command: "search", Action: "trace", Label: "List matching lines in one file",
				Parameters: []action.ParamSpec{
					{Name: "pattern", Type: "string", Required: true},
					{Name: "file", Type: "string", Required: true},
				},
			},
			action.HandlerFunc(search.trace),
		},
		{
			action.Descriptor{
				Command: "search", Action: "extract", Label: "Read one file",
				Parameters: []action.ParamSpec{
					{Name: "file", Type: "string", Required: true},
				},
			},
			action.HandlerFunc(search.extract),
		},
		{
			action.Descriptor{
				Command: "edit", Action: "preview", Label: "Preview a replacement",
				Parameters: []action.ParamSpec{
					{Name: "file", Type: "string", Required: true},
					{Name: "find", Type: "string", Required: true},
					{Name: "replace", Type: "string", Required: true},
				},
			},
			action.HandlerFunc(edit.preview),
		},
		{
			action.Descriptor{
				Command: "edit", Action: "apply", Label: "Apply a replacement",
				Guarded: true,
				Parameters: []action.ParamSpec{
					{Name: "file", Type: "string", Required: true},
					{Name: "find", Type: "string", Required: true},
					{Name: "replace", Type: "string", Required: true},
				},
			},
			edit, // edit implements Handler (apply) and DigestProvider
		},
	}

	for _, r := range regs {
		if err := reg.Register(r.d, r.h); err != nil {
			return err
		}
	}
	return nil
}
