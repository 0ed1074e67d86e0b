package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/opline/opline/internal/domain"
	"github.com/opline/opline/internal/service"
)

const bodyLimit = 1 << 20

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeDomainError(w http.ResponseWriter, err error, fallbackMsg string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, fallbackMsg)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "resource was modified by another request")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeEnvelope maps a resolution envelope to an HTTP status. The envelope
// itself is always the body; the status code mirrors its failure class.
func writeEnvelope(w http.ResponseWriter, env *service.Envelope) {
	writeJSON(w, envelopeStatus(env), env)
}

func envelopeStatus(env *service.Envelope) int {
	if env.Status != service.StatusError {
		return http.StatusOK
	}
	switch env.Failure {
	case service.FailMalformed:
		return http.StatusBadRequest
	case service.FailSignatureInvalid:
		return http.StatusUnauthorized
	case service.FailExpired:
		return http.StatusGone
	case service.FailActionNotPermitted:
		return http.StatusForbidden
	case service.FailConfirmationRequired:
		return http.StatusPreconditionRequired
	case service.FailResultsStale:
		return http.StatusConflict
	case service.FailHandlerError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
