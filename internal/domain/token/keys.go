package token

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

const keyLen = 32

// deriveKey expands the configured secret into the process signing key,
// bound to the protocol version so a v2 binary can never validate v1 tokens.
func deriveKey(secret string, version int) ([]byte, error) {
	return expand([]byte(secret), version)
}

// deriveFallbackKey builds a key from install-specific material when no
// secret is configured. Tokens signed with it carry the Insecure claim.
func deriveFallbackKey(version int) ([]byte, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return expand([]byte("opline-fallback:"+host+":"+exe), version)
}

func expand(material []byte, version int) ([]byte, error) {
	r := hkdf.New(sha256.New, material, []byte("opline-token"), []byte(fmt.Sprintf("proto-v%d", version)))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
