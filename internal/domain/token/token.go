// Package token implements the signed continuation-token protocol.
//
// A continuation token is an opaque, immutable record of what just happened
// and what may happen next. All continuation state travels inside the token
// itself; the process holds no session for it.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ProtocolVersion is the current token protocol revision. The signing key is
// bound to it, so tokens never validate across protocol upgrades.
const ProtocolVersion = 1

// Validation failures, by recoverability. ErrExpired and staleness are
// recoverable by re-issue; ErrSignatureInvalid never is.
var (
	ErrMalformed        = errors.New("token malformed")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrExpired          = errors.New("token expired")
)

// NextAction describes one action a token permits as a follow-up.
type NextAction struct {
	ID      string `json:"id"`
	Label   string `json:"label,omitempty"`
	Guarded bool   `json:"guarded,omitempty"`
}

// Claims is the signed payload of a continuation token.
//
// Timestamps are Unix seconds so the claim set round-trips exactly through
// serialization. NextActions is a snapshot taken at mint time; the action
// registry remains authoritative at consume time.
type Claims struct {
	Version       int            `json:"v"`
	IssuedAt      int64          `json:"iat"`
	ExpiresAt     int64          `json:"exp"`
	Command       string         `json:"cmd"`
	Action        string         `json:"act"`
	ContextDigest string         `json:"dig,omitempty"`
	Parameters    map[string]any `json:"params,omitempty"`
	NextActions   []NextAction   `json:"next,omitempty"`
	// Insecure marks tokens signed with the install-derived fallback key.
	// It must never be set in a deployment with a configured secret.
	Insecure bool `json:"insecure,omitempty"`
}

// Permits reports whether the claim set offers the given action id.
func (c *Claims) Permits(actionID string) bool {
	for _, n := range c.NextActions {
		if n.ID == actionID {
			return true
		}
	}
	return false
}

// Digest returns the hex SHA-256 of data, the canonical context digest used
// for staleness detection.
func Digest(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
