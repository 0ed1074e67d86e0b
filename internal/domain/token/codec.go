package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/opline/opline/internal/config"
)

// Wire format: <header>.<payload-b64url>.<sig-b64url>, URL- and shell-safe.
// The header names the protocol version and whether the payload is
// DEFLATE-compressed. The signature is HMAC-SHA256 over header+"."+payload.
const (
	headerPlain      = "op1"
	headerCompressed = "op1z"
)

// Codec mints and validates continuation tokens. Minting is a pure function
// of the claim set and the process signing key; the codec holds no state
// about issued tokens.
type Codec struct {
	key        []byte
	insecure   bool
	ttl        time.Duration
	maxEncoded int
}

// New creates a Codec from config. Without a configured secret the key falls
// back to a weaker install-derived one and every minted token is flagged
// Insecure.
func New(cfg config.Token) (*Codec, error) {
	c := &Codec{
		ttl:        cfg.TTL,
		maxEncoded: cfg.MaxEncodedBytes,
	}
	if c.ttl <= 0 {
		c.ttl = time.Hour
	}
	if c.maxEncoded <= 0 {
		c.maxEncoded = 2048
	}

	var err error
	if cfg.Secret != "" {
		c.key, err = deriveKey(cfg.Secret, ProtocolVersion)
	} else {
		c.insecure = true
		c.key, err = deriveFallbackKey(ProtocolVersion)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Insecure reports whether the codec signs with the fallback key.
func (c *Codec) Insecure() bool {
	return c.insecure
}

// TTL returns the validity window applied to minted tokens.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// NewClaims builds a claim set with freshly stamped issue and expiry times.
func (c *Codec) NewClaims(command, action, contextDigest string, params map[string]any, next []NextAction) Claims {
	now := time.Now()
	return Claims{
		Command:       command,
		Action:        action,
		ContextDigest: contextDigest,
		Parameters:    params,
		NextActions:   next,
		IssuedAt:      now.Unix(),
		ExpiresAt:     now.Add(c.ttl).Unix(),
	}
}

// Mint serializes and signs the claim set, returning the encoded token.
// Zero timestamps are stamped with now/now+TTL. Payloads whose encoding
// would blow the size budget are compressed before signing; claims are
// never truncated.
func (c *Codec) Mint(claims Claims) (string, error) {
	claims.Version = ProtocolVersion
	claims.Insecure = c.insecure
	now := time.Now()
	if claims.IssuedAt == 0 {
		claims.IssuedAt = now.Unix()
	}
	if claims.ExpiresAt == 0 {
		claims.ExpiresAt = now.Add(c.ttl).Unix()
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	header := headerPlain
	body := payload
	// Base64 plus header and signature overhead against the size budget.
	if base64.RawURLEncoding.EncodedLen(len(payload))+len(headerCompressed)+sigEncodedLen+2 > c.maxEncoded {
		body, err = deflate(payload)
		if err != nil {
			return "", fmt.Errorf("compress claims: %w", err)
		}
		header = headerCompressed
	}

	signingInput := header + "." + base64URLEncode(body)
	return signingInput + "." + c.sign(signingInput), nil
}

// Validate decodes the token, checks the signature in constant time, and
// checks expiry. It does not check business-level staleness; comparing the
// context digest against live state is the resolver's job.
func (c *Codec) Validate(encoded string) (*Claims, error) {
	// The payload may contain a separator byte after corruption, so the split
	// anchors on the first and last dots rather than requiring exactly three
	// segments.
	header, rest, found := strings.Cut(encoded, ".")
	var payload, sig string
	if found {
		if i := strings.LastIndex(rest, "."); i >= 0 {
			payload, sig = rest[:i], rest[i+1:]
		} else {
			found = false
		}
	}
	if !found || payload == "" || sig == "" {
		// A token that claims protocol membership but has lost its shape was
		// modified after minting.
		if strings.HasPrefix(encoded, headerPlain) {
			return nil, ErrSignatureInvalid
		}
		return nil, ErrMalformed
	}

	// Signature first: any modification of the token bytes is tampering,
	// reported as such rather than as a decode failure.
	signingInput := header + "." + payload
	if !hmac.Equal([]byte(sig), []byte(c.sign(signingInput))) {
		return nil, ErrSignatureInvalid
	}

	body, err := base64URLDecode(payload)
	if err != nil {
		return nil, ErrMalformed
	}

	switch header {
	case headerPlain:
	case headerCompressed:
		body, err = inflate(body)
		if err != nil {
			return nil, ErrMalformed
		}
	default:
		return nil, ErrMalformed
	}

	var claims Claims
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, ErrMalformed
	}
	if claims.Version != ProtocolVersion {
		return nil, ErrMalformed
	}

	if time.Now().Unix() > claims.ExpiresAt {
		// The claims are still correctly signed; returning them lets the
		// resolver mint a re-issue token without re-running the operation.
		return &claims, ErrExpired
	}

	return &claims, nil
}

// sigEncodedLen is the base64url length of an HMAC-SHA256 signature.
const sigEncodedLen = 43

func (c *Codec) sign(input string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(input))
	return base64URLEncode(mac.Sum(nil))
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func base64URLEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
