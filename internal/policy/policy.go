// Package policy implements the hash handshake between the decision side
// and the execution side. Before trading is armed, the brain asks the
// execution core for its active policy hash and compares it to its own; a
// mismatch keeps the system disarmed. This catches the execution side that
// is healthy but running divergent policy after a partial rollout.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/bus"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/logging"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/subjects"
)

// Handshake defaults.
const (
	DefaultTimeout  = 5 * time.Second
	DefaultAttempts = 3
	baseBackoff     = 500 * time.Millisecond
)

// Request is the handshake request body.
type Request struct {
	RequestType string `json:"request_type"`
}

// Reply is the execution side's answer. PolicyVersion is optional.
type Reply struct {
	PolicyHash    string `json:"policy_hash"`
	PolicyVersion string `json:"policy_version,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// HandshakeResult is the structured outcome surfaced to the arming gate.
type HandshakeResult struct {
	Success    bool   `json:"success"`
	LocalHash  string `json:"localHash,omitempty"`
	RemoteHash string `json:"remoteHash,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Requester runs the decision-side verification.
type Requester struct {
	broker   bus.Broker
	timeout  time.Duration
	attempts int
}

// RequesterOption configures a Requester.
type RequesterOption func(*Requester)

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) RequesterOption {
	return func(r *Requester) { r.timeout = d }
}

// WithAttempts overrides the retry budget.
func WithAttempts(n int) RequesterOption {
	return func(r *Requester) { r.attempts = n }
}

// NewRequester builds the decision-side handshake client.
func NewRequester(broker bus.Broker, opts ...RequesterOption) *Requester {
	r := &Requester{broker: broker, timeout: DefaultTimeout, attempts: DefaultAttempts}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Verify requests the execution side's policy hash and compares it with
// localHash. Transport failures and replies missing policy_hash are
// retried with exponential backoff (500ms, doubling per retry); a
// well-formed mismatch is terminal.
func (r *Requester) Verify(ctx context.Context, localHash string) HandshakeResult {
	log := logging.Get(logging.CategoryPolicy)

	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			backoff := baseBackoff * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return HandshakeResult{Success: false, LocalHash: localHash, Error: ctx.Err().Error()}
			case <-time.After(backoff):
			}
		}

		reply, err := r.request(ctx)
		if err != nil {
			lastErr = err
			log.Warn("policy hash request failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if reply.PolicyHash == localHash {
			log.Info("policy hash verified", zap.String("hash", localHash))
			return HandshakeResult{Success: true, LocalHash: localHash, RemoteHash: reply.PolicyHash}
		}
		// A well-formed mismatch is terminal; retrying cannot converge.
		err2 := fmt.Sprintf("Policy hash mismatch: Brain has %s, Execution has %s", localHash, reply.PolicyHash)
		log.Error("policy hash mismatch",
			zap.String("local", localHash), zap.String("remote", reply.PolicyHash))
		return HandshakeResult{Success: false, LocalHash: localHash, RemoteHash: reply.PolicyHash, Error: err2}
	}

	msg := "execution side unreachable"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return HandshakeResult{Success: false, LocalHash: localHash, Error: msg}
}

func (r *Requester) request(ctx context.Context) (*Reply, error) {
	data, err := r.broker.Request(ctx, subjects.ReqExecPolicyHash,
		Request{RequestType: "policy_hash"}, r.timeout)
	if err != nil {
		return nil, err
	}
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("policy: malformed reply: %w", err)
	}
	if reply.PolicyHash == "" {
		return nil, fmt.Errorf("policy: reply missing policy_hash")
	}
	return &reply, nil
}

// ReplyBroker is the slice of the bus the responder needs. *bus.Client
// satisfies it; tests inject fakes.
type ReplyBroker interface {
	Respond(subject string, responder func(data []byte) ([]byte, error)) (func(), error)
}

// Responder serves the execution-side end of the handshake.
type Responder struct {
	broker  ReplyBroker
	hashFn  func() (hash, version string)
	cancel  func()
	started bool
}

// NewResponder builds the execution-side responder. hashFn returns the
// currently active policy hash and version on every request so restarts
// and reloads are reflected immediately.
func NewResponder(broker ReplyBroker, hashFn func() (hash, version string)) *Responder {
	return &Responder{broker: broker, hashFn: hashFn}
}

// Serve subscribes to the handshake subject. Stop with Close.
func (s *Responder) Serve() error {
	if s.started {
		return nil
	}
	cancel, err := s.broker.Respond(subjects.ReqExecPolicyHash, func(data []byte) ([]byte, error) {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.RequestType != "policy_hash" {
			return nil, fmt.Errorf("policy: unrecognized request %q", data)
		}
		hash, version := s.hashFn()
		return json.Marshal(Reply{
			PolicyHash:    hash,
			PolicyVersion: version,
			Timestamp:     time.Now().UnixNano(),
		})
	})
	if err != nil {
		return err
	}
	s.cancel = cancel
	s.started = true
	logging.Get(logging.CategoryPolicy).Info("policy hash responder serving")
	return nil
}

// Close stops serving. Safe to call twice.
func (s *Responder) Close() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.started = false
	}
}
