package service

// EnvelopeStatus is the overall outcome of one resolution.
type EnvelopeStatus string

const (
	StatusSuccess EnvelopeStatus = "success"
	StatusWarning EnvelopeStatus = "warning"
	StatusError   EnvelopeStatus = "error"
)

// Failure codes surfaced to callers, by recoverability. Only handler_error
// is retryable with identical input; expired and results_stale carry a
// re-issue continuation; confirmation_required needs the guard satisfied;
// signature_invalid and malformed have no recovery.
const (
	FailMalformed            = "malformed"
	FailSignatureInvalid     = "signature_invalid"
	FailExpired              = "expired"
	FailActionNotPermitted   = "action_not_permitted"
	FailConfirmationRequired = "confirmation_required"
	FailResultsStale         = "results_stale"
	FailHandlerError         = "handler_error"
)

// ReissueContinuation is the well-known continuation key carrying a fresh
// token that supersedes an expired or stale one.
const ReissueContinuation = "reissue"

// Envelope is the output of resolving one action: a result payload plus the
// freshly minted tokens for everything the caller may do next. Protocol
// failures are returned inside the envelope, never thrown, so a workflow can
// decide per step how to react.
type Envelope struct {
	Status        EnvelopeStatus    `json:"status"`
	Failure       string            `json:"failure,omitempty"`
	Message       string            `json:"message,omitempty"`
	Payload       map[string]any    `json:"payload,omitempty"`
	Continuations map[string]string `json:"continuations,omitempty"`
	Diagnostics   []string          `json:"diagnostics,omitempty"`
	Retryable     bool              `json:"retryable,omitempty"`
}

// Failed reports whether the envelope carries a hard failure.
func (e *Envelope) Failed() bool {
	return e.Status == StatusError
}
