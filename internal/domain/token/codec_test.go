package token

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/opline/opline/internal/config"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(config.Token{Secret: "test-secret", TTL: time.Hour, MaxEncodedBytes: 2048})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestMintValidateRoundTrip(t *testing.T) {
	c := testCodec(t)

	claims := c.NewClaims("search", "analyze",
		Digest([]byte("some file content")),
		map[string]any{"pattern": "Resolve", "limit": float64(20)},
		[]NextAction{
			{ID: "trace", Label: "Trace callers"},
			{ID: "extract", Label: "Extract symbol", Guarded: true},
		},
	)

	encoded, err := c.Mint(claims)
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.Validate(encoded)
	if err != nil {
		t.Fatal(err)
	}

	claims.Version = ProtocolVersion
	if !reflect.DeepEqual(*got, claims) {
		t.Errorf("round trip drift:\n got %+v\nwant %+v", *got, claims)
	}
}

func TestTamperAnyByte(t *testing.T) {
	c := testCodec(t)

	encoded, err := c.Mint(c.NewClaims("search", "analyze", "", nil, []NextAction{{ID: "trace"}}))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < len(encoded); i++ {
		flipped := byte('A')
		if encoded[i] == 'A' {
			flipped = 'B'
		}
		tampered := encoded[:i] + string(flipped) + encoded[i+1:]
		_, err := c.Validate(tampered)
		if !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("byte %d: expected ErrSignatureInvalid, got %v", i, err)
		}
	}
}

func TestTamperSeparatorInjection(t *testing.T) {
	c := testCodec(t)

	encoded, err := c.Mint(c.NewClaims("search", "analyze", "", nil, []NextAction{{ID: "trace"}}))
	if err != nil {
		t.Fatal(err)
	}

	// Turning any byte into a separator shifts the structural split; it must
	// still surface as tampering, never as a decode failure.
	for i := 0; i < len(encoded); i++ {
		if encoded[i] == '.' {
			continue
		}
		tampered := encoded[:i] + "." + encoded[i+1:]
		_, err := c.Validate(tampered)
		if !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("byte %d flipped to separator: expected ErrSignatureInvalid, got %v", i, err)
		}
	}
}

func TestBrokenShapeWithProtocolHeader(t *testing.T) {
	c := testCodec(t)

	for _, tok := range []string{
		"op1",
		"op1.",
		"op1.payload",
		"op1z.payload",
	} {
		if _, err := c.Validate(tok); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("%q: expected ErrSignatureInvalid, got %v", tok, err)
		}
	}
}

func TestExpiredNotSignatureInvalid(t *testing.T) {
	c := testCodec(t)

	now := time.Now()
	encoded, err := c.Mint(Claims{
		Command:     "search",
		Action:      "analyze",
		IssuedAt:    now.Add(-2 * time.Hour).Unix(),
		ExpiresAt:   now.Add(-3601 * time.Second).Unix(),
		NextActions: []NextAction{{ID: "trace"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Validate(encoded)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestMalformed(t *testing.T) {
	c := testCodec(t)

	for _, tok := range []string{
		"",
		"garbage",
		"one.two",
		"..",
	} {
		if _, err := c.Validate(tok); !errors.Is(err, ErrMalformed) {
			t.Errorf("%q: expected ErrMalformed, got %v", tok, err)
		}
	}

	// Truncation breaks the signature, never yields claims.
	encoded, err := c.Mint(c.NewClaims("search", "analyze", "", nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Validate(encoded[:len(encoded)-5]); err == nil {
		t.Error("truncated token validated")
	}
}

func TestOversizePayloadCompressed(t *testing.T) {
	c := testCodec(t)

	big := strings.Repeat("func Resolve(ctx context.Context) error\n", 200)
	claims := c.NewClaims("search", "analyze", "", map[string]any{"snippet": big}, []NextAction{{ID: "trace"}})

	encoded, err := c.Mint(claims)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(encoded, headerCompressed+".") {
		t.Errorf("oversize payload not compressed, header %q", strings.SplitN(encoded, ".", 2)[0])
	}

	got, err := c.Validate(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if got.Parameters["snippet"] != big {
		t.Error("compressed payload did not round trip")
	}
}

func TestFallbackKeyFlagsInsecure(t *testing.T) {
	weak, err := New(config.Token{TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if !weak.Insecure() {
		t.Fatal("codec without secret should report insecure")
	}

	encoded, err := weak.Mint(weak.NewClaims("search", "analyze", "", nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	claims, err := weak.Validate(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !claims.Insecure {
		t.Error("token minted with fallback key must carry the insecure flag")
	}

	strong := testCodec(t)
	encoded, err = strong.Mint(strong.NewClaims("search", "analyze", "", nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	claims, err = strong.Validate(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Insecure {
		t.Error("token minted with configured secret must not be flagged insecure")
	}
}

func TestCrossInstallationRejected(t *testing.T) {
	a := testCodec(t)
	b, err := New(config.Token{Secret: "other-secret", TTL: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	encoded, err := a.Mint(a.NewClaims("search", "analyze", "", nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Validate(encoded); !errors.Is(err, ErrSignatureInvalid) {
		t.Errorf("expected ErrSignatureInvalid across installations, got %v", err)
	}
}
