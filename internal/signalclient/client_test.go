package signalclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/bus"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/envelope"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/subjects"
)

type published struct {
	subject string
	msgType string
	payload interface{}
	env     *envelope.Envelope
}

// fakeBroker records every publish and scripts failures. envGate, when
// set, is called before each envelope publish so tests can hold one open.
type fakeBroker struct {
	mu         sync.Mutex
	connected  bool
	plain      []published
	envelopes  []published
	publishErr error
	envErr     error
	envGate    func()
}

func (f *fakeBroker) Publish(subject string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.plain = append(f.plain, published{subject: subject, payload: payload})
	return nil
}

func (f *fakeBroker) PublishEnvelope(subject, msgType string, payload interface{}, opts ...envelope.Option) (*envelope.Envelope, error) {
	if f.envGate != nil {
		f.envGate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.envErr != nil {
		return nil, f.envErr
	}
	env, err := envelope.New(msgType, "test", payload, opts...)
	if err != nil {
		return nil, err
	}
	f.envelopes = append(f.envelopes, published{subject: subject, msgType: msgType, payload: payload, env: env})
	return env, nil
}

func (f *fakeBroker) Request(ctx context.Context, subject string, payload interface{}, timeout time.Duration) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBroker) PublishDLQ(originalSubject string, payload interface{}, cause error, meta map[string]string) error {
	return f.Publish(subjects.DLQFor(originalSubject), payload)
}

func (f *fakeBroker) Subscribe(subject string, handler bus.Handler) (func(), error) {
	return func() {}, nil
}

func (f *fakeBroker) IsConnected() bool { return f.connected }

func validSignal() IntentSignal {
	return IntentSignal{
		SignalID:  "s-1",
		Symbol:    "BTC/USDT",
		Direction: DirectionLong,
		EntryZone: EntryZone{Min: 60000, Max: 60100},
		StopLoss:  59500,
		TakeProfits: []float64{
			61000, 62000,
		},
		Confidence: 0.9,
		Leverage:   5,
	}
}

func TestPrepareRejectsIncompleteSignal(t *testing.T) {
	broker := &fakeBroker{connected: true}
	c := NewExecutionClient(broker)

	cases := []struct {
		name string
		sig  IntentSignal
	}{
		{"missing id", IntentSignal{Symbol: "BTC/USDT"}},
		{"missing symbol", IntentSignal{SignalID: "sig-1"}},
		{"empty", IntentSignal{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := c.SendPrepare(context.Background(), tc.sig)
			require.False(t, res.Prepared)
			require.Equal(t, ReasonInvalidSignal, res.Reason)
		})
	}
	require.Equal(t, 0, c.PendingCount())
}

func TestPrepareConfirmHappyPath(t *testing.T) {
	broker := &fakeBroker{connected: true}
	c := NewExecutionClient(broker)

	prep := c.SendPrepare(context.Background(), validSignal())
	require.True(t, prep.Prepared)
	require.Equal(t, "s-1", prep.SignalID)
	require.Equal(t, 1, c.PendingCount())

	res := c.SendConfirm(context.Background(), "s-1")
	require.True(t, res.Executed)
	require.Equal(t, "titan.cmd.execution.place.v1.auto.main.BTC_USDT", res.Subject)
	require.Equal(t, "s-1", res.CorrelationID)
	require.NotNil(t, res.FillPrice)
	require.Equal(t, 60050.0, *res.FillPrice)
	require.Equal(t, 0, c.PendingCount())

	require.Len(t, broker.envelopes, 1)
	pub := broker.envelopes[0]
	require.Equal(t, IntentType, pub.msgType)
	require.Equal(t, "s-1", pub.env.CorrelationID)

	intent := pub.payload.(ExecutionIntent)
	require.Equal(t, SchemaVersion, intent.SchemaVersion)
	require.Equal(t, 1, intent.Direction)
	require.Equal(t, IntentBuySetup, intent.Type)
	require.Equal(t, [2]float64{60000, 60100}, intent.EntryZone)
	require.Equal(t, "PENDING", intent.Status)
	require.Equal(t, "titan-brain", intent.Source)
	require.NotZero(t, intent.TSignal)

	// Repeating the confirm is a no-op: the entry is gone.
	again := c.SendConfirm(context.Background(), "s-1")
	require.False(t, again.Executed)
	require.Equal(t, ReasonNotFound, again.Reason)
	require.Len(t, broker.envelopes, 1)
}

func TestConfirmRoutesVenueAndAccount(t *testing.T) {
	broker := &fakeBroker{connected: true}
	c := NewExecutionClient(broker)

	sig := validSignal()
	sig.SignalID = "sig-ven"
	sig.Venue = "bybit"
	sig.Account = "hedge"
	c.SendPrepare(context.Background(), sig)

	res := c.SendConfirm(context.Background(), "sig-ven")
	require.True(t, res.Executed)
	require.Equal(t, "titan.cmd.execution.place.v1.bybit.hedge.BTC_USDT", res.Subject)
}

func TestConfirmShortDirection(t *testing.T) {
	broker := &fakeBroker{connected: true}
	c := NewExecutionClient(broker)

	sig := validSignal()
	sig.SignalID = "sig-short"
	sig.Direction = DirectionShort
	// Reversed zone must come out ordered.
	sig.EntryZone = EntryZone{Min: 60100, Max: 60000}
	c.SendPrepare(context.Background(), sig)

	res := c.SendConfirm(context.Background(), "sig-short")
	require.True(t, res.Executed)

	intent := broker.envelopes[0].payload.(ExecutionIntent)
	require.Equal(t, -1, intent.Direction)
	require.Equal(t, IntentSellSetup, intent.Type)
	require.Equal(t, [2]float64{60000, 60100}, intent.EntryZone)
}

func TestConfirmUnknownSignal(t *testing.T) {
	c := NewExecutionClient(&fakeBroker{connected: true})
	res := c.SendConfirm(context.Background(), "never-prepared")
	require.False(t, res.Executed)
	require.Equal(t, ReasonNotFound, res.Reason)
}

func TestAbortDiscardsPending(t *testing.T) {
	broker := &fakeBroker{connected: true}
	c := NewExecutionClient(broker)

	c.SendPrepare(context.Background(), validSignal())
	ab := c.SendAbort("s-1")
	require.True(t, ab.Aborted)
	require.Equal(t, 0, c.PendingCount())

	// Confirm after abort finds nothing and publishes nothing.
	res := c.SendConfirm(context.Background(), "s-1")
	require.False(t, res.Executed)
	require.Equal(t, ReasonNotFound, res.Reason)
	require.Empty(t, broker.envelopes)

	// Abort is idempotent, unknown ids included.
	again := c.SendAbort("s-1")
	require.True(t, again.Aborted)
}

func TestConfirmInvalidDirectionGoesToDLQ(t *testing.T) {
	broker := &fakeBroker{connected: true}
	c := NewExecutionClient(broker)

	sig := validSignal()
	sig.SignalID = "sig-diag"
	sig.Direction = "DIAG"
	c.SendPrepare(context.Background(), sig)

	res := c.SendConfirm(context.Background(), "sig-diag")
	require.False(t, res.Executed)
	require.Equal(t, ReasonInvalidPayload, res.Reason)

	// No command went out; the reject landed on both DLQ subjects.
	require.Empty(t, broker.envelopes)
	require.Len(t, broker.plain, 2)
	require.Equal(t, subjects.DLQExecutionCore, broker.plain[0].subject)
	require.Equal(t, subjects.LegacyExecutionDLQ, broker.plain[1].subject)

	record := broker.plain[0].payload.(map[string]interface{})
	require.Contains(t, record, "intent")
	require.Contains(t, record, "reason")
	require.Contains(t, record, "ingress_ts")

	require.Equal(t, 0, c.PendingCount())
	require.Equal(t, uint64(1), c.GetMetrics().RejectedDLQ)
}

func TestConcurrentConfirmsPublishOnce(t *testing.T) {
	broker := &fakeBroker{connected: true}
	gate := make(chan struct{})
	broker.envGate = func() { <-gate }

	c := NewExecutionClient(broker)
	c.SendPrepare(context.Background(), validSignal())

	results := make(chan ConfirmResult, 2)
	go func() { results <- c.SendConfirm(context.Background(), "s-1") }()
	go func() { results <- c.SendConfirm(context.Background(), "s-1") }()

	// The winner claims the entry and blocks in the publish; only the
	// loser can finish while the gate is closed.
	loser := <-results
	require.False(t, loser.Executed)
	require.Equal(t, ReasonNotFound, loser.Reason)

	close(gate)
	winner := <-results
	require.True(t, winner.Executed)

	require.Len(t, broker.envelopes, 1)
	require.Equal(t, 0, c.PendingCount())
}

func TestConfirmPublishFailureKeepsPending(t *testing.T) {
	broker := &fakeBroker{connected: true, envErr: errors.New("broker down")}
	c := NewExecutionClient(broker)

	c.SendPrepare(context.Background(), validSignal())
	res := c.SendConfirm(context.Background(), "s-1")
	require.False(t, res.Executed)
	require.Equal(t, "broker down", res.Reason)

	// The entry survives so the caller can retry or abort.
	require.Equal(t, 1, c.PendingCount())
}

func TestConfirmWithoutOptimisticFill(t *testing.T) {
	broker := &fakeBroker{connected: true}
	c := NewExecutionClient(broker, WithOptimisticFill(false))

	c.SendPrepare(context.Background(), validSignal())
	res := c.SendConfirm(context.Background(), "s-1")
	require.True(t, res.Executed)
	require.Nil(t, res.FillPrice)
	require.Equal(t, "s-1", res.CorrelationID)
}

func TestSignalVariantSubmits(t *testing.T) {
	broker := &fakeBroker{connected: true}
	c := NewSignalClient(broker)

	c.SendPrepare(context.Background(), validSignal())
	res := c.SendConfirm(context.Background(), "s-1")
	require.True(t, res.Executed)
	require.Equal(t, subjects.SignalSubmit, res.Subject)

	require.Len(t, broker.envelopes, 1)
	require.Equal(t, "intent_signal", broker.envelopes[0].msgType)
	require.Equal(t, "s-1", broker.envelopes[0].env.CorrelationID)
}

func TestPendingExpiry(t *testing.T) {
	broker := &fakeBroker{connected: true}
	now := time.Now()
	c := NewExecutionClient(broker, WithClock(func() time.Time { return now }), WithPendingTTL(time.Minute))

	c.SendPrepare(context.Background(), validSignal())
	require.Equal(t, 1, c.PendingCount())

	now = now.Add(2 * time.Minute)
	c.expireStale()

	require.Equal(t, 0, c.PendingCount())
	m := c.GetMetrics()
	require.Equal(t, uint64(1), m.Expired)

	res := c.SendConfirm(context.Background(), "s-1")
	require.Equal(t, ReasonNotFound, res.Reason)
}

func TestDisconnectStopsSweeper(t *testing.T) {
	broker := &fakeBroker{connected: true}
	c := NewExecutionClient(broker)

	require.NoError(t, c.Connect(context.Background()))
	// The package leak check catches the sweeper if this does not stop it.
	c.Disconnect()
	c.Disconnect()
}

func TestMetricsAndStatus(t *testing.T) {
	broker := &fakeBroker{connected: true}
	c := NewExecutionClient(broker)

	c.SendPrepare(context.Background(), validSignal())
	sig2 := validSignal()
	sig2.SignalID = "sig-2"
	c.SendPrepare(context.Background(), sig2)
	c.SendConfirm(context.Background(), "s-1")
	c.SendAbort("sig-2")

	m := c.GetMetrics()
	require.Equal(t, uint64(2), m.Prepared)
	require.Equal(t, uint64(1), m.Confirmed)
	require.Equal(t, uint64(1), m.Aborted)
	require.Equal(t, 0, m.Pending)

	st := c.GetStatus()
	require.True(t, st.Connected)
	require.Equal(t, StateConnected, st.State)
}
