package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opline/opline/internal/config"
	"github.com/opline/opline/internal/domain"
	"github.com/opline/opline/internal/domain/workflow"
	"github.com/opline/opline/internal/port/checkpoint"
)

// EventSink receives workflow progress events for live observers.
// Implemented by the ws hub; nil disables broadcasting.
type EventSink interface {
	WorkflowEvent(ctx context.Context, eventType string, payload any)
}

// Event types broadcast through the EventSink.
const (
	EventWorkflowStarted    = "workflow.started"
	EventWorkflowStep       = "workflow.step"
	EventWorkflowCheckpoint = "workflow.checkpoint"
	EventWorkflowFinished   = "workflow.finished"
)

// StepEvent is the payload for workflow.step events.
type StepEvent struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
	Status     string `json:"status"`
}

// EngineService interprets workflow definitions against the resolver,
// suspending at checkpoints and persisting state through the checkpoint
// store. Steps run sequentially; the only suspension is a persisted
// awaiting-checkpoint manifest, never a blocked goroutine.
type EngineService struct {
	resolver *ResolverService
	store    checkpoint.Store
	cfg      config.Workflow
	defs     *ristretto.Cache[string, *workflow.Definition]
	metrics  MetricsRecorder
	sink     EventSink
	log      *slog.Logger
}

// NewEngineService creates a workflow engine. metrics and sink may be nil.
func NewEngineService(resolver *ResolverService, store checkpoint.Store, cfg config.Workflow, metrics MetricsRecorder, sink EventSink, log *slog.Logger) (*EngineService, error) {
	defs, err := ristretto.NewCache(&ristretto.Config[string, *workflow.Definition]{
		NumCounters: 1_000,
		MaxCost:     100,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("definition cache: %w", err)
	}
	return &EngineService{
		resolver: resolver,
		store:    store,
		cfg:      cfg,
		defs:     defs,
		metrics:  metrics,
		sink:     sink,
		log:      log,
	}, nil
}

// Close releases the definition cache.
func (s *EngineService) Close() {
	s.defs.Close()
}

// ParseDefinition parses a YAML definition, caching the parsed form by
// content digest. Definitions are immutable once parsed; manifests embed a
// copy, so a cache hit never aliases in-flight workflow state.
func (s *EngineService) ParseDefinition(data []byte) (*workflow.Definition, error) {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if def, ok := s.defs.Get(key); ok {
		return def, nil
	}
	def, err := workflow.Parse(data)
	if err != nil {
		return nil, err
	}
	s.defs.Set(key, def, 1)
	return def, nil
}

// Start validates the definition, creates a manifest, and runs until the
// workflow completes, fails, or suspends at a checkpoint.
func (s *EngineService) Start(ctx context.Context, def *workflow.Definition, params map[string]any) (*workflow.Manifest, error) {
	if err := workflow.Validate(def); err != nil {
		return nil, err
	}

	bound := make(map[string]any, len(def.Parameters)+len(params))
	for k, v := range def.Parameters {
		bound[k] = v
	}
	for k, v := range params {
		bound[k] = v
	}

	now := time.Now().UTC()
	m := &workflow.Manifest{
		WorkflowID: uuid.NewString(),
		Definition: *def,
		Status:     workflow.StatusPending,
		Bindings:   map[string]any{"params": bound},
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.Retention),
	}
	if err := s.store.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("persist new workflow: %w", err)
	}

	s.log.Info("workflow started", "workflow_id", m.WorkflowID, "name", def.Name)
	s.emit(ctx, EventWorkflowStarted, StepEvent{WorkflowID: m.WorkflowID, Status: string(workflow.StatusRunning)})

	return s.run(ctx, m)
}

// Resume applies a checkpoint decision to a suspended workflow. Decisions
// are validated against the options persisted for that exact checkpoint
// step; replaying an already-applied decision is idempotent and returns the
// current manifest without re-executing anything.
func (s *EngineService) Resume(ctx context.Context, d workflow.Decision) (*workflow.Manifest, error) {
	m, err := s.store.Load(ctx, d.WorkflowID)
	if err != nil {
		return nil, err
	}

	if m.Status != workflow.StatusAwaitingCheckpoint || m.Waiting == nil {
		if decidedAlready(m, d) {
			return m, nil
		}
		return nil, fmt.Errorf("workflow %s is %s, not awaiting a checkpoint: %w",
			d.WorkflowID, m.Status, domain.ErrConflict)
	}
	if m.Waiting.StepID != d.CheckpointStepID {
		if decidedAlready(m, d) {
			return m, nil
		}
		return nil, fmt.Errorf("decision targets step %q but workflow waits at %q: %w",
			d.CheckpointStepID, m.Waiting.StepID, domain.ErrConflict)
	}

	var chosen *workflow.Option
	for i := range m.Waiting.Options {
		if m.Waiting.Options[i].ID == d.ChosenOptionID {
			chosen = &m.Waiting.Options[i]
			break
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("option %q is not offered at checkpoint %q", d.ChosenOptionID, d.CheckpointStepID)
	}

	m.CompletedSteps = append(m.CompletedSteps, workflow.CompletedStep{
		StepID:   d.CheckpointStepID,
		Status:   "decided",
		OptionID: d.ChosenOptionID,
	})
	m.Waiting = nil

	s.log.Info("checkpoint decided", "workflow_id", m.WorkflowID, "step", d.CheckpointStepID, "option", d.ChosenOptionID)

	if chosen.Abort {
		m.Status = workflow.StatusAborted
		if err := s.store.Save(ctx, m); err != nil {
			return nil, err
		}
		s.emit(ctx, EventWorkflowFinished, StepEvent{WorkflowID: m.WorkflowID, Status: string(m.Status)})
		return m, nil
	}

	if err := s.jump(m, chosen.Target); err != nil {
		return nil, err
	}
	return s.run(ctx, m)
}

// Get loads one manifest.
func (s *EngineService) Get(ctx context.Context, workflowID string) (*workflow.Manifest, error) {
	return s.store.Load(ctx, workflowID)
}

// List enumerates in-flight manifests.
func (s *EngineService) List(ctx context.Context, f checkpoint.Filter) ([]*workflow.Manifest, error) {
	return s.store.List(ctx, f)
}

// Delete removes one manifest.
func (s *EngineService) Delete(ctx context.Context, workflowID string) error {
	return s.store.Delete(ctx, workflowID)
}

// Sweep discards manifests past their retention window.
func (s *EngineService) Sweep(ctx context.Context) (int, error) {
	return s.store.Sweep(ctx)
}

// run drives the cursor forward until a terminal state or a checkpoint wait.
// The manifest is persisted after every completed step.
func (s *EngineService) run(ctx context.Context, m *workflow.Manifest) (*workflow.Manifest, error) {
	m.Status = workflow.StatusRunning

	for m.Cursor.Index < len(m.Definition.Steps) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		step := &m.Definition.Steps[m.Cursor.Index]
		m.Cursor.StepID = step.ID
		s.stepMetric(ctx, string(step.Type))

		var err error
		switch step.Type {
		case workflow.StepOperation:
			var suspended bool
			suspended, err = s.runOperation(ctx, m, step)
			if err == nil && suspended {
				return m, nil
			}
		case workflow.StepConditional:
			err = s.runConditional(m, step)
		case workflow.StepLoop:
			err = s.runLoop(ctx, m, step)
		case workflow.StepCheckpoint:
			var suspended bool
			suspended, err = s.runCheckpoint(ctx, m, step)
			if err == nil && suspended {
				return m, nil
			}
		default:
			err = fmt.Errorf("step %q: unknown type %q", step.ID, step.Type)
		}
		if err != nil {
			return nil, err
		}
		if m.Status.Terminal() {
			if saveErr := s.store.Save(ctx, m); saveErr != nil {
				return nil, saveErr
			}
			s.emit(ctx, EventWorkflowFinished, StepEvent{WorkflowID: m.WorkflowID, Status: string(m.Status)})
			return m, nil
		}
		if err := s.store.Save(ctx, m); err != nil {
			return nil, err
		}
	}

	m.Status = workflow.StatusCompleted
	if err := s.store.Save(ctx, m); err != nil {
		return nil, err
	}
	s.log.Info("workflow completed", "workflow_id", m.WorkflowID)
	s.emit(ctx, EventWorkflowFinished, StepEvent{WorkflowID: m.WorkflowID, Status: string(m.Status)})
	return m, nil
}

// runOperation executes one operation step under its error policy.
// Returns suspended=true when the policy routed the failure to a checkpoint.
func (s *EngineService) runOperation(ctx context.Context, m *workflow.Manifest, step *workflow.Step) (bool, error) {
	params, err := workflow.InterpolateParams(step.Params, m.Bindings)
	if err != nil {
		s.failStep(m, step.ID, 0, err.Error())
		return false, nil
	}

	policy := step.OnError
	if policy == "" {
		policy = workflow.OnErrorAbort
	}
	attempts := 1
	if policy == workflow.OnErrorRetry {
		attempts += s.cfg.MaxRetries
	}

	start := time.Now()
	var env *Envelope
	for attempt := 1; attempt <= attempts; attempt++ {
		env, err = s.resolver.Invoke(ctx, step.Command, step.Action, params)
		if err != nil {
			return false, fmt.Errorf("step %q: %w", step.ID, err)
		}
		if !env.Failed() {
			break
		}
		if !env.Retryable || attempt == attempts {
			break
		}
		s.log.Warn("step failed, retrying", "workflow_id", m.WorkflowID, "step", step.ID, "attempt", attempt, "failure", env.Failure)
	}
	elapsed := time.Since(start).Milliseconds()

	if env.Failed() {
		detail := env.Message
		if len(env.Diagnostics) > 0 {
			detail = strings.Join(env.Diagnostics, "; ")
		}
		switch policy {
		case workflow.OnErrorContinue:
			s.log.Warn("step failed, continuing", "workflow_id", m.WorkflowID, "step", step.ID, "failure", env.Failure)
			m.CompletedSteps = append(m.CompletedSteps, workflow.CompletedStep{
				StepID: step.ID, Status: "skipped", Error: detail, DurationMs: elapsed,
			})
			m.Cursor.Index++
			s.emit(ctx, EventWorkflowStep, StepEvent{WorkflowID: m.WorkflowID, StepID: step.ID, Status: "skipped"})
			return false, nil
		case workflow.OnErrorCheckpoint:
			m.Status = workflow.StatusAwaitingCheckpoint
			m.Waiting = &workflow.Waiting{
				StepID: step.ID,
				Prompt: fmt.Sprintf("step %q failed: %s", step.ID, detail),
				Options: []workflow.Option{
					{ID: "retry", Label: "Retry the step", Target: step.ID},
					{ID: "skip", Label: "Skip and continue"},
					{ID: "abort", Label: "Abort the workflow", Abort: true},
				},
			}
			// The synthesized "skip" option means the step after this one.
			if m.Cursor.Index+1 < len(m.Definition.Steps) {
				m.Waiting.Options[1].Target = m.Definition.Steps[m.Cursor.Index+1].ID
			}
			if err := s.store.Save(ctx, m); err != nil {
				return false, err
			}
			s.checkpointMetric(ctx)
			s.emit(ctx, EventWorkflowCheckpoint, StepEvent{WorkflowID: m.WorkflowID, StepID: step.ID, Status: string(m.Status)})
			return true, nil
		default: // abort
			s.failStep(m, step.ID, elapsed, detail)
			return false, nil
		}
	}

	m.Bindings[step.ID] = anyPayload(env)
	m.CompletedSteps = append(m.CompletedSteps, workflow.CompletedStep{
		StepID: step.ID, Status: "completed", DurationMs: elapsed,
	})
	m.Cursor.Index++
	s.emit(ctx, EventWorkflowStep, StepEvent{WorkflowID: m.WorkflowID, StepID: step.ID, Status: "completed"})
	return false, nil
}

// runConditional evaluates the expression and jumps. No side effects.
func (s *EngineService) runConditional(m *workflow.Manifest, step *workflow.Step) error {
	ok, err := workflow.EvalCondition(step.If, m.Bindings)
	if err != nil {
		s.failStep(m, step.ID, 0, err.Error())
		return nil
	}

	m.CompletedSteps = append(m.CompletedSteps, workflow.CompletedStep{
		StepID: step.ID, Status: "completed",
	})
	if ok {
		return s.jumpFrom(m, step.Then)
	}
	if step.Else != "" {
		return s.jumpFrom(m, step.Else)
	}
	m.Cursor.Index++
	return nil
}

// runLoop iterates a bound collection, executing the body once per item.
// Unguarded bodies may run concurrently; guarded ones are serialized since
// they commonly touch overlapping resources.
func (s *EngineService) runLoop(ctx context.Context, m *workflow.Manifest, step *workflow.Step) error {
	ref := strings.TrimSuffix(strings.TrimPrefix(step.Items, "${"), "}")
	bound, err := workflow.Lookup(m.Bindings, ref)
	if err != nil {
		s.failStep(m, step.ID, 0, fmt.Sprintf("loop items: %v", err))
		return nil
	}
	items, ok := bound.([]any)
	if !ok {
		s.failStep(m, step.ID, 0, fmt.Sprintf("loop items %q is %T, not an array", step.Items, bound))
		return nil
	}

	start := time.Now()
	results := make([]any, len(items))
	runItem := func(i int) error {
		itemBindings := make(map[string]any, len(m.Bindings)+2)
		for k, v := range m.Bindings {
			itemBindings[k] = v
		}
		itemBindings["item"] = items[i]
		itemBindings["index"] = float64(i)

		itemResult := make(map[string]any, len(step.Steps))
		for j := range step.Steps {
			body := &step.Steps[j]
			params, err := workflow.InterpolateParams(body.Params, itemBindings)
			if err != nil {
				return fmt.Errorf("item %d step %q: %w", i, body.ID, err)
			}
			env, err := s.resolver.Invoke(ctx, body.Command, body.Action, params)
			if err != nil {
				return fmt.Errorf("item %d step %q: %w", i, body.ID, err)
			}
			if env.Failed() {
				if body.OnError == workflow.OnErrorContinue {
					continue
				}
				return fmt.Errorf("item %d step %q failed: %s", i, body.ID, env.Message)
			}
			itemBindings[body.ID] = anyPayload(env)
			itemResult[body.ID] = anyPayload(env)
		}
		results[i] = itemResult
		return nil
	}

	if s.loopParallelism(step) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.loopParallelism(step))
		for i := range items {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				return runItem(i)
			})
		}
		err = g.Wait()
	} else {
		for i := range items {
			if err = runItem(i); err != nil {
				break
			}
		}
	}
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		s.failStep(m, step.ID, elapsed, err.Error())
		return nil
	}

	m.Bindings[step.ID] = results
	m.CompletedSteps = append(m.CompletedSteps, workflow.CompletedStep{
		StepID: step.ID, Status: "completed", DurationMs: elapsed,
	})
	m.Cursor.Index++
	return nil
}

// loopParallelism returns how many iterations may run at once: 1 whenever
// any body step is guarded, the configured cap otherwise.
func (s *EngineService) loopParallelism(step *workflow.Step) int {
	if s.cfg.LoopParallelism <= 1 {
		return 1
	}
	for i := range step.Steps {
		body := &step.Steps[i]
		desc, err := s.resolver.Registry().Describe(body.Command, body.Action)
		if err != nil || desc.Guarded {
			return 1
		}
	}
	return s.cfg.LoopParallelism
}

// runCheckpoint pauses the workflow unless an auto-approvable option's guard
// holds against the current bindings, in which case it proceeds immediately
// without ever persisting an awaiting state.
func (s *EngineService) runCheckpoint(ctx context.Context, m *workflow.Manifest, step *workflow.Step) (bool, error) {
	for _, opt := range step.Options {
		if opt.AutoApprove == "" {
			continue
		}
		ok, err := workflow.EvalCondition(opt.AutoApprove, m.Bindings)
		if err != nil {
			s.failStep(m, step.ID, 0, fmt.Sprintf("auto-approve condition: %v", err))
			return false, nil
		}
		if !ok {
			continue
		}
		s.log.Info("checkpoint auto-approved", "workflow_id", m.WorkflowID, "step", step.ID, "option", opt.ID)
		m.CompletedSteps = append(m.CompletedSteps, workflow.CompletedStep{
			StepID: step.ID, Status: "decided", OptionID: opt.ID,
		})
		if opt.Abort {
			m.Status = workflow.StatusAborted
			return false, nil
		}
		return false, s.jump(m, opt.Target)
	}

	m.Status = workflow.StatusAwaitingCheckpoint
	m.Waiting = &workflow.Waiting{
		StepID:  step.ID,
		Prompt:  step.Prompt,
		Options: step.Options,
	}
	if err := s.store.Save(ctx, m); err != nil {
		return false, err
	}
	s.checkpointMetric(ctx)
	s.log.Info("workflow awaiting checkpoint", "workflow_id", m.WorkflowID, "step", step.ID)
	s.emit(ctx, EventWorkflowCheckpoint, StepEvent{WorkflowID: m.WorkflowID, StepID: step.ID, Status: string(m.Status)})
	return true, nil
}

// jump moves the cursor to the named step, or to the step after the current
// one when target is empty.
func (s *EngineService) jump(m *workflow.Manifest, target string) error {
	if target == "" {
		m.Cursor.Index++
		return nil
	}
	return s.jumpFrom(m, target)
}

func (s *EngineService) jumpFrom(m *workflow.Manifest, target string) error {
	idx := m.Definition.StepIndex(target)
	if idx < 0 {
		return fmt.Errorf("jump target %q not found", target)
	}
	m.Cursor.Index = idx
	return nil
}

func (s *EngineService) failStep(m *workflow.Manifest, stepID string, elapsed int64, detail string) {
	s.log.Error("workflow step failed", "workflow_id", m.WorkflowID, "step", stepID, "error", detail)
	m.CompletedSteps = append(m.CompletedSteps, workflow.CompletedStep{
		StepID: stepID, Status: "failed", Error: detail, DurationMs: elapsed,
	})
	m.Status = workflow.StatusFailed
}

func (s *EngineService) emit(ctx context.Context, eventType string, payload any) {
	if s.sink != nil {
		s.sink.WorkflowEvent(ctx, eventType, payload)
	}
}

func (s *EngineService) stepMetric(ctx context.Context, kind string) {
	if s.metrics != nil {
		s.metrics.WorkflowStep(ctx, kind)
	}
}

func (s *EngineService) checkpointMetric(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.CheckpointWait(ctx)
	}
}

// anyPayload converts an envelope payload for storage in the bindings.
func anyPayload(env *Envelope) map[string]any {
	if env.Payload == nil {
		return map[string]any{}
	}
	return env.Payload
}

// decidedAlready reports whether the same decision was already folded into
// the manifest, making a replayed resume a no-op.
func decidedAlready(m *workflow.Manifest, d workflow.Decision) bool {
	for _, cs := range m.CompletedSteps {
		if cs.StepID == d.CheckpointStepID && cs.Status == "decided" && cs.OptionID == d.ChosenOptionID {
			return true
		}
	}
	return false
}
