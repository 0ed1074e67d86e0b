package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/opline/opline/internal/domain/action"
	"github.com/opline/opline/internal/domain/token"
)

// MetricsRecorder receives protocol-level counters. Implemented by the otel
// adapter; nil disables recording.
type MetricsRecorder interface {
	TokenMinted(ctx context.Context)
	Resolution(ctx context.Context, outcome string)
	WorkflowStep(ctx context.Context, kind string)
	CheckpointWait(ctx context.Context)
}

// ResolverService resolves continuation tokens against the action registry
// and invokes operation handlers. It holds no per-token state: continuity
// lives entirely in the tokens, so resolutions are safe to run in parallel.
//
// The only cache it keeps is an idempotency cache keyed by token signature
// and chosen action, so re-submitting the same token for the same action
// replays the recorded result instead of re-running a guarded handler.
type ResolverService struct {
	codec    *token.Codec
	registry *action.Registry
	replay   *ristretto.Cache[string, *Envelope]
	metrics  MetricsRecorder
	log      *slog.Logger
}

// NewResolverService creates a resolver. metrics may be nil.
func NewResolverService(codec *token.Codec, registry *action.Registry, metrics MetricsRecorder, log *slog.Logger) (*ResolverService, error) {
	replay, err := ristretto.NewCache(&ristretto.Config[string, *Envelope]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}
	return &ResolverService{
		codec:    codec,
		registry: registry,
		replay:   replay,
		metrics:  metrics,
		log:      log,
	}, nil
}

// Close releases the replay cache.
func (s *ResolverService) Close() {
	s.replay.Close()
}

// Registry exposes the authoritative action catalog.
func (s *ResolverService) Registry() *action.Registry {
	return s.registry
}

// Invoke performs a plain (tokenless) operation call: validate parameters,
// run the handler, and mint a token per permitted next action.
func (s *ResolverService) Invoke(ctx context.Context, command, actionID string, params map[string]any) (*Envelope, error) {
	desc, err := s.registry.Describe(command, actionID)
	if err != nil {
		return nil, err
	}
	if err := action.ValidateParams(desc, params); err != nil {
		return nil, fmt.Errorf("invoke %s/%s: %w", command, actionID, err)
	}
	if desc.Guarded && !confirmed(params) {
		s.record(ctx, FailConfirmationRequired)
		return confirmationRequired(desc), nil
	}
	return s.execute(ctx, desc, params)
}

// Resolve consumes a continuation token with a chosen next action.
// Protocol failures come back inside the envelope with a recovery
// continuation wherever one exists; the error return is reserved for
// infrastructure faults.
func (s *ResolverService) Resolve(ctx context.Context, encoded, chosenActionID string, extra map[string]any) (*Envelope, error) {
	claims, err := s.codec.Validate(encoded)
	if err != nil {
		return s.validationFailure(ctx, claims, err)
	}

	// The token's menu is advisory, the registry is authoritative; both
	// must agree before anything runs.
	if !claims.Permits(chosenActionID) {
		s.record(ctx, FailActionNotPermitted)
		return &Envelope{
			Status:  StatusError,
			Failure: FailActionNotPermitted,
			Message: fmt.Sprintf("action %q is not offered by this token (offered: %s)", chosenActionID, offeredIDs(claims)),
		}, nil
	}
	desc, err := s.registry.Describe(claims.Command, chosenActionID)
	if err != nil {
		s.record(ctx, FailActionNotPermitted)
		return &Envelope{
			Status:  StatusError,
			Failure: FailActionNotPermitted,
			Message: fmt.Sprintf("action %q is no longer registered for command %q", chosenActionID, claims.Command),
		}, nil
	}

	merged := mergeParams(claims.Parameters, extra)

	if desc.Guarded && !confirmed(merged) {
		s.record(ctx, FailConfirmationRequired)
		return confirmationRequired(desc), nil
	}

	if err := action.ValidateParams(desc, merged); err != nil {
		return nil, fmt.Errorf("resolve %s/%s: %w", claims.Command, chosenActionID, err)
	}

	// Idempotent re-submission: an identical resolve replays the recorded
	// envelope. Checked before the staleness probe on purpose; a guarded
	// action's own mutation must not make its replay look stale.
	key := replayKey(encoded, chosenActionID, extra)
	if cached, ok := s.replay.Get(key); ok {
		s.record(ctx, "replay")
		return cached, nil
	}

	if stale, err := s.staleCheck(ctx, claims, desc, merged); err != nil {
		return nil, err
	} else if stale != nil {
		s.record(ctx, FailResultsStale)
		return stale, nil
	}

	env, err := s.execute(ctx, desc, merged)
	if err != nil {
		return nil, err
	}
	if env.Status == StatusSuccess {
		s.replay.SetWithTTL(key, env, 1, s.codec.TTL())
		s.replay.Wait()
	}
	return env, nil
}

// validationFailure maps a codec failure to an envelope. Expired tokens keep
// their (still correctly signed) claims, so a re-issue token with a fresh
// full-length window is bundled for transparent retry.
func (s *ResolverService) validationFailure(ctx context.Context, claims *token.Claims, err error) (*Envelope, error) {
	switch {
	case errors.Is(err, token.ErrExpired) && claims != nil:
		s.record(ctx, FailExpired)
		reissued, mintErr := s.codec.Mint(token.Claims{
			Command:       claims.Command,
			Action:        claims.Action,
			ContextDigest: claims.ContextDigest,
			Parameters:    claims.Parameters,
			NextActions:   claims.NextActions,
		})
		if mintErr != nil {
			return nil, fmt.Errorf("mint reissue token: %w", mintErr)
		}
		s.minted(ctx)
		return &Envelope{
			Status:        StatusError,
			Failure:       FailExpired,
			Message:       "token expired; retry with the bundled reissue token",
			Continuations: map[string]string{ReissueContinuation: reissued},
		}, nil
	case errors.Is(err, token.ErrSignatureInvalid):
		s.record(ctx, FailSignatureInvalid)
		return &Envelope{
			Status:  StatusError,
			Failure: FailSignatureInvalid,
			Message: "token signature is invalid; possible tampering, no retry can succeed",
		}, nil
	default:
		s.record(ctx, FailMalformed)
		return &Envelope{
			Status:  StatusError,
			Failure: FailMalformed,
			Message: "token could not be decoded; re-run the original operation",
		}, nil
	}
}

// staleCheck re-derives the digest of the live resource the token referenced.
// A mismatch is a warning with a usable re-issue token, not a hard failure.
func (s *ResolverService) staleCheck(ctx context.Context, claims *token.Claims, desc *action.Descriptor, merged map[string]any) (*Envelope, error) {
	if claims.ContextDigest == "" {
		return nil, nil
	}
	h, err := s.registry.Handler(desc.Command, desc.Action)
	if err != nil {
		return nil, err
	}
	dp, ok := h.(action.DigestProvider)
	if !ok {
		return nil, nil
	}
	current, err := dp.CurrentDigest(ctx, merged)
	if err != nil {
		return nil, fmt.Errorf("derive current digest: %w", err)
	}
	if current == "" || current == claims.ContextDigest {
		return nil, nil
	}

	reissued, err := s.codec.Mint(token.Claims{
		Command:       claims.Command,
		Action:        claims.Action,
		ContextDigest: current,
		Parameters:    claims.Parameters,
		NextActions:   claims.NextActions,
	})
	if err != nil {
		return nil, fmt.Errorf("mint reissue token: %w", err)
	}
	s.minted(ctx)
	return &Envelope{
		Status:        StatusWarning,
		Failure:       FailResultsStale,
		Message:       "the referenced resource changed since this token was minted; retry with the bundled reissue token",
		Continuations: map[string]string{ReissueContinuation: reissued},
	}, nil
}

// execute runs the handler and assembles the envelope with one freshly
// minted token per handler-declared next action.
func (s *ResolverService) execute(ctx context.Context, desc *action.Descriptor, params map[string]any) (*Envelope, error) {
	h, err := s.registry.Handler(desc.Command, desc.Action)
	if err != nil {
		return nil, err
	}

	out, err := h.Execute(ctx, params)
	if err != nil {
		s.record(ctx, FailHandlerError)
		s.log.Warn("handler failed", "command", desc.Command, "action", desc.Action, "error", err)
		return &Envelope{
			Status:      StatusError,
			Failure:     FailHandlerError,
			Message:     fmt.Sprintf("%s/%s failed", desc.Command, desc.Action),
			Diagnostics: []string{err.Error()},
			Retryable:   true,
		}, nil
	}

	tokenParams := withoutConfirm(params)
	continuations := make(map[string]string, len(out.NextActions))
	for _, next := range out.NextActions {
		// Each token permits exactly one follow-up; the menu a caller sees
		// is the union of the envelope's continuations.
		encoded, err := s.codec.Mint(s.codec.NewClaims(
			desc.Command, desc.Action, out.ContextDigest, tokenParams, []token.NextAction{next},
		))
		if err != nil {
			return nil, fmt.Errorf("mint continuation %q: %w", next.ID, err)
		}
		s.minted(ctx)
		continuations[next.ID] = encoded
	}

	s.record(ctx, "success")
	return &Envelope{
		Status:        StatusSuccess,
		Payload:       out.Payload,
		Continuations: continuations,
	}, nil
}

func (s *ResolverService) record(ctx context.Context, outcome string) {
	if s.metrics != nil {
		s.metrics.Resolution(ctx, outcome)
	}
}

func (s *ResolverService) minted(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.TokenMinted(ctx)
	}
}

func confirmationRequired(desc *action.Descriptor) *Envelope {
	return &Envelope{
		Status:  StatusError,
		Failure: FailConfirmationRequired,
		Message: fmt.Sprintf("%s/%s mutates state; resubmit with %q set to true", desc.Command, desc.Action, action.ConfirmParam),
	}
}

func confirmed(params map[string]any) bool {
	v, ok := params[action.ConfirmParam]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func mergeParams(base, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func withoutConfirm(params map[string]any) map[string]any {
	if _, ok := params[action.ConfirmParam]; !ok {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k == action.ConfirmParam {
			continue
		}
		out[k] = v
	}
	return out
}

func offeredIDs(claims *token.Claims) string {
	ids := make([]string, len(claims.NextActions))
	for i, n := range claims.NextActions {
		ids[i] = n.ID
	}
	return strings.Join(ids, ", ")
}

// replayKey builds the idempotency key from the token's signature segment,
// the chosen action, and the extra parameters.
func replayKey(encoded, actionID string, extra map[string]any) string {
	sig := encoded
	if i := strings.LastIndex(encoded, "."); i >= 0 {
		sig = encoded[i+1:]
	}
	extraJSON, _ := json.Marshal(extra) // map keys marshal sorted
	return sig + "|" + actionID + "|" + string(extraJSON)
}
