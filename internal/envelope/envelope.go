// Package envelope defines the canonical message wrapper carrying identity,
// trace, and authenticity metadata for every payload on the fabric, plus
// the deterministic canonicalization and HMAC signing that protect it.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a domain payload on the wire. Required fields are id,
// type, version, producer, ts, and data; the rest are optional and omitted
// when empty. Sig, Nonce, and KeyID are present iff signing is active.
type Envelope struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Version        int             `json:"version"`
	Producer       string          `json:"producer"`
	TS             int64           `json:"ts"` // producer clock, ns since epoch
	Data           json.RawMessage `json:"data"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CausationID    string          `json:"causation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Sig            string          `json:"sig,omitempty"`
	Nonce          string          `json:"nonce,omitempty"`
	KeyID          string          `json:"key_id,omitempty"`
}

// Option customizes a new envelope.
type Option func(*Envelope)

// WithCorrelation sets the correlation id shared across one logical
// interaction.
func WithCorrelation(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithCausation records the id of the message that caused this one.
func WithCausation(id string) Option {
	return func(e *Envelope) { e.CausationID = id }
}

// WithIdempotencyKey sets the deduplication key. Required on cmd.* subjects;
// the bus fills it from the envelope id when the producer omits it.
func WithIdempotencyKey(key string) Option {
	return func(e *Envelope) { e.IdempotencyKey = key }
}

// WithVersion overrides the schema version (default 1).
func WithVersion(v int) Option {
	return func(e *Envelope) { e.Version = v }
}

// New builds an envelope around an already-serializable payload. The id is
// a fresh UUID and ts is taken at creation.
func New(msgType, producer string, payload interface{}, opts ...Option) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	e := &Envelope{
		ID:       uuid.NewString(),
		Type:     msgType,
		Version:  1,
		Producer: producer,
		TS:       time.Now().UnixNano(),
		Data:     data,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Signed reports whether the envelope carries a signature.
func (e *Envelope) Signed() bool {
	return e.Sig != "" && e.Nonce != "" && e.KeyID != ""
}
