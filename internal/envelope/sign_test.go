package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func signedEnvelope(t *testing.T, s *Signer) *Envelope {
	t.Helper()
	e, err := New("test_payload", "unit-test", map[string]interface{}{"x": 1}, WithCorrelation("corr-1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Sign(e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := NewSigner("secret-1", "k1")
	v := NewVerifier(map[string]string{"k1": "secret-1"}, time.Minute)

	e := signedEnvelope(t, s)
	if !e.Signed() {
		t.Fatal("envelope not marked signed")
	}
	if err := v.Verify(e); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyKeyOrderIndependent(t *testing.T) {
	// The verifier re-canonicalizes the payload, so a consumer that saw the
	// keys in a different order still verifies.
	s := NewSigner("secret-1", "k1")
	v := NewVerifier(map[string]string{"k1": "secret-1"}, time.Minute)

	e, err := New("test_payload", "unit-test", json.RawMessage(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Sign(e); err != nil {
		t.Fatal(err)
	}
	e.Data = json.RawMessage(`{"b":2,"a":1}`)
	if err := v.Verify(e); err != nil {
		t.Fatalf("verify after reorder: %v", err)
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	s := NewSigner("secret-1", "k1")
	v := NewVerifier(map[string]string{"k1": "secret-1"}, time.Minute)

	e := signedEnvelope(t, s)
	e.Data = json.RawMessage(`{"x":999}`)
	if err := v.Verify(e); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("want ErrBadSignature, got %v", err)
	}
}

func TestVerifyTamperedTimestamp(t *testing.T) {
	s := NewSigner("secret-1", "k1")
	v := NewVerifier(map[string]string{"k1": "secret-1"}, time.Minute)

	e := signedEnvelope(t, s)
	e.TS++
	if err := v.Verify(e); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("want ErrBadSignature, got %v", err)
	}
}

func TestVerifyNonceReplay(t *testing.T) {
	s := NewSigner("secret-1", "k1")
	v := NewVerifier(map[string]string{"k1": "secret-1"}, time.Minute)

	e := signedEnvelope(t, s)
	if err := v.Verify(e); err != nil {
		t.Fatal(err)
	}
	if err := v.Verify(e); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("want ErrNonceReplayed, got %v", err)
	}
}

func TestVerifySameNonceDifferentCorrelation(t *testing.T) {
	// The replay key is scoped per correlation, so an identical nonce under
	// a different correlation id is not a replay.
	s := NewSigner("secret-1", "k1")
	v := NewVerifier(map[string]string{"k1": "secret-1"}, time.Minute)

	e1 := signedEnvelope(t, s)
	if err := v.Verify(e1); err != nil {
		t.Fatal(err)
	}

	e2, err := New("test_payload", "unit-test", map[string]interface{}{"x": 1}, WithCorrelation("corr-2"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Sign(e2); err != nil {
		t.Fatal(err)
	}
	// Force e1's nonce and recompute the HMAC so it stays valid.
	e2.Nonce = e1.Nonce
	input, err := canonicalString(e2.TS, e2.Nonce, e2.Data)
	if err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha256.New, []byte("secret-1"))
	mac.Write(input)
	e2.Sig = hex.EncodeToString(mac.Sum(nil))
	if err := v.Verify(e2); err != nil {
		t.Fatalf("cross-correlation nonce rejected: %v", err)
	}
}

func TestVerifyUnknownKey(t *testing.T) {
	s := NewSigner("secret-1", "k1")
	v := NewVerifier(map[string]string{"other": "secret-1"}, time.Minute)

	e := signedEnvelope(t, s)
	if err := v.Verify(e); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("want ErrUnknownKey, got %v", err)
	}
}

func TestVerifyUnsigned(t *testing.T) {
	v := NewVerifier(map[string]string{"k1": "secret-1"}, time.Minute)
	e, err := New("test_payload", "unit-test", map[string]interface{}{"x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Verify(e); !errors.Is(err, ErrNotSigned) {
		t.Fatalf("want ErrNotSigned, got %v", err)
	}
}

func TestNewSignerEmptySecret(t *testing.T) {
	if NewSigner("", "k1") != nil {
		t.Fatal("empty secret must disable signing")
	}
}

func TestKeyRotation(t *testing.T) {
	// A verifier holding both rotation slots accepts envelopes from either
	// signer.
	old := NewSigner("old-secret", "k1")
	cur := NewSigner("new-secret", "k2")
	v := NewVerifier(map[string]string{"k1": "old-secret", "k2": "new-secret"}, time.Minute)

	if err := v.Verify(signedEnvelope(t, old)); err != nil {
		t.Fatalf("old slot: %v", err)
	}
	if err := v.Verify(signedEnvelope(t, cur)); err != nil {
		t.Fatalf("new slot: %v", err)
	}
}
