package envelope

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Environment variables for the signing secret and its rotation slot.
const (
	EnvSigningSecret = "TITAN_SIGNING_SECRET"
	EnvSigningKeyID  = "TITAN_SIGNING_KEY_ID"
)

var (
	// ErrBadSignature means the recomputed HMAC did not match.
	ErrBadSignature = errors.New("envelope: signature mismatch")
	// ErrNonceReplayed means the nonce was already seen for this
	// correlation within the replay window.
	ErrNonceReplayed = errors.New("envelope: nonce replayed")
	// ErrNotSigned means verification was requested on an unsigned
	// envelope.
	ErrNotSigned = errors.New("envelope: not signed")
	// ErrUnknownKey means no secret is registered for the envelope's
	// key_id.
	ErrUnknownKey = errors.New("envelope: unknown key id")
)

// canonicalString builds the HMAC input: ts "." nonce "." J(payload).
func canonicalString(ts int64, nonce string, payload interface{}) ([]byte, error) {
	cj, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(cj)+len(nonce)+24)
	out = append(out, strconv.FormatInt(ts, 10)...)
	out = append(out, '.')
	out = append(out, nonce...)
	out = append(out, '.')
	out = append(out, cj...)
	return out, nil
}

// Signer signs envelopes with a single rotation slot.
type Signer struct {
	secret []byte
	keyID  string
}

// NewSigner returns a signer for the given secret and rotation slot id.
// An empty secret returns nil, which callers treat as signing disabled.
func NewSigner(secret, keyID string) *Signer {
	if secret == "" {
		return nil
	}
	if keyID == "" {
		keyID = "default"
	}
	return &Signer{secret: []byte(secret), keyID: keyID}
}

// NewSignerFromEnv builds a signer from TITAN_SIGNING_SECRET and
// TITAN_SIGNING_KEY_ID. Nil when the secret is unset.
func NewSignerFromEnv() *Signer {
	return NewSigner(os.Getenv(EnvSigningSecret), os.Getenv(EnvSigningKeyID))
}

// Sign computes the envelope's signature in place: fresh 128-bit nonce,
// HMAC-SHA-256 over the canonical string.
func (s *Signer) Sign(e *Envelope) error {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("envelope: nonce: %w", err)
	}
	e.Nonce = hex.EncodeToString(nonce)
	e.KeyID = s.keyID

	input, err := canonicalString(e.TS, e.Nonce, e.Data)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(input)
	e.Sig = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Verifier checks envelope signatures and rejects nonce replays. Secrets
// are keyed by rotation slot so verification survives key rollover.
type Verifier struct {
	secrets map[string][]byte
	window  time.Duration

	mu   sync.Mutex
	seen map[string]time.Time // correlation_id+nonce -> first seen
}

// NewVerifier builds a verifier. The replay window defaults to 60s,
// mirroring the command stream's duplicate window.
func NewVerifier(secrets map[string]string, window time.Duration) *Verifier {
	if window <= 0 {
		window = 60 * time.Second
	}
	byID := make(map[string][]byte, len(secrets))
	for id, sec := range secrets {
		byID[id] = []byte(sec)
	}
	return &Verifier{
		secrets: byID,
		window:  window,
		seen:    make(map[string]time.Time),
	}
}

// Verify recomputes the HMAC from the envelope's ts, nonce, and
// re-canonicalized payload, compares in constant time, and rejects nonces
// already observed for the same correlation within the window.
func (v *Verifier) Verify(e *Envelope) error {
	if !e.Signed() {
		return ErrNotSigned
	}
	secret, ok := v.secrets[e.KeyID]
	if !ok {
		return ErrUnknownKey
	}

	input, err := canonicalString(e.TS, e.Nonce, e.Data)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(input)
	want, err := hex.DecodeString(e.Sig)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrBadSignature
	}

	return v.recordNonce(e.CorrelationID + "/" + e.Nonce)
}

func (v *Verifier) recordNonce(key string) error {
	now := time.Now()
	v.mu.Lock()
	defer v.mu.Unlock()

	// Opportunistic sweep keeps the map bounded by the window.
	for k, t := range v.seen {
		if now.Sub(t) > v.window {
			delete(v.seen, k)
		}
	}
	if t, ok := v.seen[key]; ok && now.Sub(t) <= v.window {
		return ErrNonceReplayed
	}
	v.seen[key] = now
	return nil
}
