// Package action defines the static catalog of operations the continuation
// protocol may invoke, and the handler contract they are invoked through.
package action

import (
	"context"
	"fmt"

	"github.com/opline/opline/internal/domain/token"
)

// ConfirmParam is the parameter a caller must set to true before a guarded
// action will run. Its absence is ConfirmationRequired, never an implicit no.
const ConfirmParam = "confirm"

// ParamSpec describes one parameter an action accepts.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string" | "number" | "bool" | "array" | "object"
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Descriptor is the static metadata for one (command, action) pair.
// Guarded actions mutate external state and require explicit confirmation.
type Descriptor struct {
	Command    string      `json:"command"`
	Action     string      `json:"action"`
	Label      string      `json:"label"`
	Guarded    bool        `json:"guarded,omitempty"`
	Parameters []ParamSpec `json:"parameters,omitempty"`
}

// Output is what a handler returns: a result payload, the digest of the live
// resource the result was derived from, and the follow-up actions it permits.
type Output struct {
	Payload       map[string]any
	ContextDigest string
	NextActions   []token.NextAction
}

// Handler executes one operation with validated parameters. Handlers are
// black boxes to the protocol; they never see tokens.
type Handler interface {
	Execute(ctx context.Context, params map[string]any) (*Output, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any) (*Output, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, params map[string]any) (*Output, error) {
	return f(ctx, params)
}

// DigestProvider is an optional handler capability: re-deriving the current
// digest of the resource a token referenced, for staleness detection.
type DigestProvider interface {
	CurrentDigest(ctx context.Context, params map[string]any) (string, error)
}

// ValidateParams checks params against the descriptor's schema: required
// parameters must be present and declared types must match.
func ValidateParams(d *Descriptor, params map[string]any) error {
	for _, spec := range d.Parameters {
		v, ok := params[spec.Name]
		if !ok {
			if spec.Required {
				return fmt.Errorf("parameter %q is required", spec.Name)
			}
			continue
		}
		if !typeMatches(spec.Type, v) {
			return fmt.Errorf("parameter %q must be a %s", spec.Name, spec.Type)
		}
	}
	return nil
}

func typeMatches(declared string, v any) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}
