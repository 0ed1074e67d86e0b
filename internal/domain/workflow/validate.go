package workflow

import (
	"fmt"
	"strings"
)

// Validate checks a definition structurally before any step executes:
// ids unique, references resolvable, type-specific fields present, and no
// implicit step-to-step cycles. A deliberate loop step is fine (bounded by
// its collection); a conditional or fall-through edge that re-enters an
// earlier step is a definition error. Checkpoint option targets may point
// backwards: that routing is explicit and decided by a caller.
//
// All problems are reported in one pass as a single diagnosis.
func Validate(def *Definition) error {
	var problems []string
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if def.Name == "" {
		report("workflow name is required")
	}
	if len(def.Steps) == 0 {
		report("workflow has no steps")
	}

	seen := make(map[string]bool)
	var collectIDs func(steps []Step)
	collectIDs = func(steps []Step) {
		for i := range steps {
			s := &steps[i]
			if s.ID == "" {
				report("step %d has no id", i)
				continue
			}
			if seen[s.ID] {
				report("duplicate step id %q", s.ID)
			}
			seen[s.ID] = true
			if s.Type == StepLoop {
				collectIDs(s.Steps)
			}
		}
	}
	collectIDs(def.Steps)

	topLevel := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		topLevel[def.Steps[i].ID] = true
	}

	checkRef := func(stepID, field, ref string) {
		if ref != "" && !topLevel[ref] {
			report("step %q: %s references unknown step %q", stepID, field, ref)
		}
	}

	var checkStep func(s *Step, nested bool)
	checkStep = func(s *Step, nested bool) {
		switch s.Type {
		case StepOperation:
			if s.Command == "" || s.Action == "" {
				report("operation step %q needs command and action", s.ID)
			}
			switch s.OnError {
			case "", OnErrorAbort, OnErrorContinue, OnErrorRetry, OnErrorCheckpoint:
			default:
				report("step %q: unknown on_error policy %q", s.ID, s.OnError)
			}
		case StepCheckpoint:
			if nested {
				report("checkpoint step %q may not appear inside a loop", s.ID)
			}
			if len(s.Options) == 0 {
				report("checkpoint step %q has no options", s.ID)
			}
			optSeen := make(map[string]bool)
			for _, o := range s.Options {
				if o.ID == "" {
					report("checkpoint step %q has an option without id", s.ID)
					continue
				}
				if optSeen[o.ID] {
					report("checkpoint step %q: duplicate option id %q", s.ID, o.ID)
				}
				optSeen[o.ID] = true
				if !o.Abort {
					checkRef(s.ID, "option "+o.ID, o.Target)
				}
			}
		case StepConditional:
			if nested {
				report("conditional step %q may not appear inside a loop", s.ID)
			}
			if s.If == "" {
				report("conditional step %q needs an if expression", s.ID)
			}
			if s.Then == "" {
				report("conditional step %q needs a then target", s.ID)
			}
			checkRef(s.ID, "then", s.Then)
			checkRef(s.ID, "else", s.Else)
		case StepLoop:
			if nested {
				report("loop step %q may not be nested inside another loop", s.ID)
			}
			if s.Items == "" {
				report("loop step %q needs an items reference", s.ID)
			}
			if len(s.Steps) == 0 {
				report("loop step %q has no body steps", s.ID)
			}
			for i := range s.Steps {
				checkStep(&s.Steps[i], true)
			}
		default:
			report("step %q has unknown type %q", s.ID, s.Type)
		}
	}
	for i := range def.Steps {
		checkStep(&def.Steps[i], false)
	}

	if len(problems) == 0 {
		if cycle := findCycle(def); cycle != "" {
			report("implicit cycle through %s", cycle)
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid workflow %q: %s", def.Name, strings.Join(problems, "; "))
	}
	return nil
}

// findCycle walks the implicit control-flow graph (fall-through and
// conditional edges only) and returns a description of the first cycle.
func findCycle(def *Definition) string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make([]int, len(def.Steps))

	edges := func(i int) []int {
		s := &def.Steps[i]
		if s.Type == StepConditional {
			out := []int{def.StepIndex(s.Then)}
			if s.Else != "" {
				out = append(out, def.StepIndex(s.Else))
			} else if i+1 < len(def.Steps) {
				out = append(out, i+1)
			}
			return out
		}
		// Checkpoint option targets are excluded: that routing is explicit.
		if i+1 < len(def.Steps) {
			return []int{i + 1}
		}
		return nil
	}

	var visit func(i int) string
	visit = func(i int) string {
		if i < 0 {
			return ""
		}
		switch state[i] {
		case inStack:
			return fmt.Sprintf("step %q", def.Steps[i].ID)
		case done:
			return ""
		}
		state[i] = inStack
		for _, next := range edges(i) {
			if c := visit(next); c != "" {
				return c
			}
		}
		state[i] = done
		return ""
	}

	for i := range def.Steps {
		if state[i] == unvisited {
			if c := visit(i); c != "" {
				return c
			}
		}
	}
	return ""
}
