package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opline/opline/internal/domain/workflow"
	"github.com/opline/opline/internal/port/checkpoint"
	"github.com/opline/opline/internal/service"
)

// Handlers bundles the services the API exposes.
type Handlers struct {
	resolver *service.ResolverService
	engine   *service.EngineService
}

// NewHandlers creates the handler set.
func NewHandlers(resolver *service.ResolverService, engine *service.EngineService) *Handlers {
	return &Handlers{resolver: resolver, engine: engine}
}

// ListActions returns the registry's action catalog.
func (h *Handlers) ListActions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": h.resolver.Registry().List(),
	})
}

type invokeRequest struct {
	Params map[string]any `json:"params"`
}

// InvokeOperation runs a registered operation without a token.
func (h *Handlers) InvokeOperation(w http.ResponseWriter, r *http.Request) {
	command := chi.URLParam(r, "command")
	actionID := chi.URLParam(r, "action")

	req, ok := readJSON[invokeRequest](w, r)
	if !ok {
		return
	}

	env, err := h.resolver.Invoke(r.Context(), command, actionID, req.Params)
	if err != nil {
		writeDomainError(w, err, "operation not found")
		return
	}
	writeEnvelope(w, env)
}

type resolveRequest struct {
	Token  string         `json:"token"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// ResolveContinuation consumes a continuation token with a chosen action.
func (h *Handlers) ResolveContinuation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[resolveRequest](w, r)
	if !ok {
		return
	}
	if req.Token == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "token and action are required")
		return
	}

	env, err := h.resolver.Resolve(r.Context(), req.Token, req.Action, req.Params)
	if err != nil {
		writeDomainError(w, err, "action not found")
		return
	}
	writeEnvelope(w, env)
}

type startWorkflowRequest struct {
	Definition string         `json:"definition"` // YAML workflow definition
	Params     map[string]any `json:"params"`
}

// StartWorkflow parses a YAML definition and runs it until completion or the
// first checkpoint.
func (h *Handlers) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[startWorkflowRequest](w, r)
	if !ok {
		return
	}

	def, err := h.engine.ParseDefinition([]byte(req.Definition))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.engine.Start(r.Context(), def, req.Params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// ListWorkflows returns non-expired manifests, optionally filtered by status.
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	f := checkpoint.Filter{
		Status: workflow.Status(r.URL.Query().Get("status")),
		Name:   r.URL.Query().Get("name"),
	}
	list, err := h.engine.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, "workflows not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": list})
}

// GetWorkflow returns one manifest.
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type resumeRequest struct {
	StepID   string `json:"step_id"`
	OptionID string `json:"option_id"`
}

// ResumeWorkflow applies a checkpoint decision.
func (h *Handlers) ResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[resumeRequest](w, r)
	if !ok {
		return
	}

	m, err := h.engine.Resume(r.Context(), workflow.Decision{
		WorkflowID:       chi.URLParam(r, "id"),
		CheckpointStepID: req.StepID,
		ChosenOptionID:   req.OptionID,
	})
	if err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// DeleteWorkflow removes one manifest.
func (h *Handlers) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err, "workflow not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SweepWorkflows removes expired manifests.
func (h *Handlers) SweepWorkflows(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Sweep(r.Context())
	if err != nil {
		writeDomainError(w, err, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
