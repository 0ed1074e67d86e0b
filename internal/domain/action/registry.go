package action

import (
	"fmt"
	"sort"

	"github.com/opline/opline/internal/domain"
)

// Registry is the authoritative catalog of registered actions. It is
// populated at process start and read-only afterwards; a token's advisory
// next-action menu is always intersected with it at consume time.
type Registry struct {
	entries map[string]entry
}

type entry struct {
	descriptor Descriptor
	handler    Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a descriptor and its handler. Duplicate (command, action)
// pairs are a programming error.
func (r *Registry) Register(d Descriptor, h Handler) error {
	if d.Command == "" || d.Action == "" {
		return fmt.Errorf("register %q/%q: command and action are required", d.Command, d.Action)
	}
	if h == nil {
		return fmt.Errorf("register %s/%s: handler is required", d.Command, d.Action)
	}
	k := key(d.Command, d.Action)
	if _, exists := r.entries[k]; exists {
		return fmt.Errorf("register %s/%s: already registered", d.Command, d.Action)
	}
	r.entries[k] = entry{descriptor: d, handler: h}
	return nil
}

// Describe returns the descriptor for (command, action).
func (r *Registry) Describe(command, actionID string) (*Descriptor, error) {
	e, ok := r.entries[key(command, actionID)]
	if !ok {
		return nil, fmt.Errorf("action %s/%s: %w", command, actionID, domain.ErrNotFound)
	}
	d := e.descriptor
	return &d, nil
}

// Handler returns the handler for (command, action).
func (r *Registry) Handler(command, actionID string) (Handler, error) {
	e, ok := r.entries[key(command, actionID)]
	if !ok {
		return nil, fmt.Errorf("action %s/%s: %w", command, actionID, domain.ErrNotFound)
	}
	return e.handler, nil
}

// List returns all descriptors, sorted by command then action.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.descriptor)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Command != out[j].Command {
			return out[i].Command < out[j].Command
		}
		return out[i].Action < out[j].Action
	})
	return out
}

func key(command, actionID string) string {
	return command + "/" + actionID
}
