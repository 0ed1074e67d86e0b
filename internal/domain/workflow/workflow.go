// Package workflow defines declarative workflow definitions and the durable
// manifest that records one in-flight execution of them.
package workflow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// StepType enumerates the step kinds the engine interprets.
type StepType string

const (
	StepOperation   StepType = "operation"
	StepCheckpoint  StepType = "checkpoint"
	StepConditional StepType = "conditional"
	StepLoop        StepType = "loop"
)

// ErrorPolicy decides what an operation step does when its handler fails.
type ErrorPolicy string

const (
	OnErrorAbort      ErrorPolicy = "abort"
	OnErrorContinue   ErrorPolicy = "continue"
	OnErrorRetry      ErrorPolicy = "retry"
	OnErrorCheckpoint ErrorPolicy = "checkpoint"
)

// Option is one labelled choice offered at a checkpoint.
//
// Target names the step to resume from; empty means the step after the
// checkpoint. AutoApprove is a condition over the variable bindings; when it
// evaluates true the engine takes this option without pausing.
type Option struct {
	ID          string `yaml:"id" json:"id"`
	Label       string `yaml:"label,omitempty" json:"label,omitempty"`
	Target      string `yaml:"target,omitempty" json:"target,omitempty"`
	Abort       bool   `yaml:"abort,omitempty" json:"abort,omitempty"`
	AutoApprove string `yaml:"auto_approve,omitempty" json:"auto_approve,omitempty"`
}

// Step is one unit of a workflow definition. Fields are type-specific; see
// Validate for which combinations are legal.
type Step struct {
	ID   string   `yaml:"id" json:"id"`
	Type StepType `yaml:"type" json:"type"`

	// operation
	Command string         `yaml:"command,omitempty" json:"command,omitempty"`
	Action  string         `yaml:"action,omitempty" json:"action,omitempty"`
	Params  map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	OnError ErrorPolicy    `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	// checkpoint
	Prompt  string   `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Options []Option `yaml:"options,omitempty" json:"options,omitempty"`

	// conditional
	If   string `yaml:"if,omitempty" json:"if,omitempty"`
	Then string `yaml:"then,omitempty" json:"then,omitempty"`
	Else string `yaml:"else,omitempty" json:"else,omitempty"`

	// loop
	Items string `yaml:"items,omitempty" json:"items,omitempty"`
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// Definition is a parsed, validated workflow document.
type Definition struct {
	Name       string         `yaml:"name" json:"name"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Steps      []Step         `yaml:"steps" json:"steps"`
}

// Parse unmarshals a YAML workflow document and validates it structurally.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// StepIndex returns the index of the step with the given id, or -1.
func (d *Definition) StepIndex(id string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusAwaitingCheckpoint Status = "awaiting-checkpoint"
	StatusCompleted          Status = "completed"
	StatusAborted            Status = "aborted"
	StatusFailed             Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusFailed
}

// CompletedStep is the immutable record of one executed step or decision.
type CompletedStep struct {
	StepID     string `json:"step_id"`
	Status     string `json:"status"` // "completed" | "failed" | "skipped" | "decided"
	OptionID   string `json:"option_id,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Waiting describes the checkpoint a suspended workflow is paused at. The
// options recorded here are the only ones a decision may legally choose.
type Waiting struct {
	StepID  string   `json:"step_id"`
	Prompt  string   `json:"prompt,omitempty"`
	Options []Option `json:"options"`
}

// Cursor tracks the engine's position inside the definition.
type Cursor struct {
	Index  int    `json:"index"`
	StepID string `json:"step_id,omitempty"`
}

// Manifest is the durable, resumable state of one workflow instance.
//
// Bindings only ever grows: results of executed steps are immutable.
// Version is bumped on every save so a resume from a stale manifest is
// detected by the store instead of silently racing.
type Manifest struct {
	WorkflowID     string          `json:"workflow_id"`
	Definition     Definition      `json:"definition"`
	Status         Status          `json:"status"`
	Cursor         Cursor          `json:"cursor"`
	CompletedSteps []CompletedStep `json:"completed_steps,omitempty"`
	Bindings       map[string]any  `json:"bindings,omitempty"`
	Waiting        *Waiting        `json:"waiting,omitempty"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Expired reports whether the manifest is past its retention window.
func (m *Manifest) Expired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// Decision is a caller's answer at a checkpoint.
type Decision struct {
	WorkflowID       string    `json:"workflow_id"`
	CheckpointStepID string    `json:"checkpoint_step_id"`
	ChosenOptionID   string    `json:"chosen_option_id"`
	Timestamp        time.Time `json:"timestamp"`
}
