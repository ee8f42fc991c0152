package signalclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/bus"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/envelope"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/logging"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/subjects"
)

// DefaultPendingTTL bounds how long a prepared signal waits for CONFIRM or
// ABORT before the sweeper expires it.
const DefaultPendingTTL = 15 * time.Minute

// IntentType tags the envelope wrapping an execution intent.
const IntentType = "execution_intent"

// Client is the shared three-phase core. The two variants differ only in
// where CONFIRM publishes: the execution variant routes a command directly,
// the signal variant hands the raw intent to the brain.
type Client struct {
	mu      sync.Mutex
	pending map[string]pendingEntry

	broker   bus.Broker
	validate *validator.Validate
	clock    func() time.Time

	// route is nil for the signal variant.
	route func(sig IntentSignal) string

	submitSubject  string
	optimisticFill bool
	pendingTTL     time.Duration

	connectFn func(ctx context.Context) error
	stopGC    chan struct{}
	gcOnce    sync.Once

	metrics struct {
		prepared, confirmed, aborted, expired, rejected uint64
	}
}

// Option configures a client.
type Option func(*Client)

// WithOptimisticFill controls whether ConfirmResult carries the entry-zone
// midpoint as fill_price. The correlation id is returned either way.
func WithOptimisticFill(on bool) Option {
	return func(c *Client) { c.optimisticFill = on }
}

// WithPendingTTL overrides the pending-signal expiry.
func WithPendingTTL(ttl time.Duration) Option {
	return func(c *Client) { c.pendingTTL = ttl }
}

// WithConnect supplies the best-effort auto-connect used when a phase call
// arrives before Connect.
func WithConnect(fn func(ctx context.Context) error) Option {
	return func(c *Client) { c.connectFn = fn }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.clock = now }
}

func newClient(broker bus.Broker, opts ...Option) *Client {
	c := &Client{
		pending:        make(map[string]pendingEntry),
		broker:         broker,
		validate:       validator.New(),
		clock:          time.Now,
		optimisticFill: true,
		pendingTTL:     DefaultPendingTTL,
		stopGC:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewExecutionClient builds the execution variant: CONFIRM transforms the
// signal and publishes the routed place command.
func NewExecutionClient(broker bus.Broker, opts ...Option) *Client {
	c := newClient(broker, opts...)
	c.route = func(sig IntentSignal) string {
		return subjects.ForRoute(subjects.CmdExecutionPlace, sig.Venue, sig.Account, sig.Symbol)
	}
	return c
}

// NewSignalClient builds the signal variant: CONFIRM publishes the intent
// to the submit subject for the brain to decide on.
func NewSignalClient(broker bus.Broker, opts ...Option) *Client {
	c := newClient(broker, opts...)
	c.submitSubject = subjects.SignalSubmit
	return c
}

// Connect establishes the broker session (when a connect function was
// supplied) and starts the pending sweeper.
func (c *Client) Connect(ctx context.Context) error {
	if c.connectFn != nil {
		if err := c.connectFn(ctx); err != nil {
			return err
		}
	}
	c.gcOnce.Do(func() { go c.sweep() })
	return nil
}

// Disconnect stops the sweeper. The broker connection is owned by the bus
// and is not closed here.
func (c *Client) Disconnect() {
	select {
	case <-c.stopGC:
	default:
		close(c.stopGC)
	}
}

// IsConnected reports the broker session state.
func (c *Client) IsConnected() bool { return c.broker.IsConnected() }

// GetConnectionState returns the coarse connection state.
func (c *Client) GetConnectionState() ConnectionState {
	if c.broker.IsConnected() {
		return StateConnected
	}
	return StateDisconnected
}

// GetMetrics returns a snapshot of the protocol counters.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Metrics{
		Prepared:    c.metrics.prepared,
		Confirmed:   c.metrics.confirmed,
		Aborted:     c.metrics.aborted,
		Expired:     c.metrics.expired,
		RejectedDLQ: c.metrics.rejected,
		Pending:     len(c.pending),
	}
}

// GetStatus returns the operator-facing snapshot.
func (c *Client) GetStatus() Status {
	return Status{
		Connected: c.broker.IsConnected(),
		State:     c.GetConnectionState(),
		Metrics:   c.GetMetrics(),
	}
}

// SendPrepare validates the minimal fields and records the signal as
// PENDING. The phase is local: no broker I/O happens except a best-effort
// auto-connect when the client was never connected, whose failure is
// logged and does not fail the call.
func (c *Client) SendPrepare(ctx context.Context, sig IntentSignal) PrepareResult {
	if sig.SignalID == "" || sig.Symbol == "" {
		return PrepareResult{Prepared: false, Reason: ReasonInvalidSignal}
	}

	if !c.broker.IsConnected() && c.connectFn != nil {
		if err := c.connectFn(ctx); err != nil {
			logging.Get(logging.CategorySignal).Warn("auto-connect failed during prepare",
				zap.String("signal_id", sig.SignalID), zap.Error(err))
		}
	}

	c.mu.Lock()
	c.pending[sig.SignalID] = pendingEntry{signal: sig, preparedAt: c.clock()}
	c.metrics.prepared++
	c.mu.Unlock()

	logging.Get(logging.CategorySignal).Debug("signal prepared",
		zap.String("signal_id", sig.SignalID), zap.String("symbol", sig.Symbol))
	return PrepareResult{Prepared: true, SignalID: sig.SignalID}
}

// SendConfirm transforms, validates, and publishes the pending signal.
// The entry is claimed under the lock before any I/O: concurrent confirms
// for the same id race for the claim and the losers report not-found, so
// at most one command goes out per prepared signal. A failed publish puts
// the entry back so the caller can retry or abort.
func (c *Client) SendConfirm(ctx context.Context, signalID string) ConfirmResult {
	c.mu.Lock()
	entry, ok := c.pending[signalID]
	if ok {
		delete(c.pending, signalID)
	}
	c.mu.Unlock()
	if !ok {
		return ConfirmResult{Executed: false, Reason: ReasonNotFound}
	}
	sig := entry.signal

	if c.submitSubject != "" {
		return c.confirmSubmit(signalID, entry)
	}

	intent := c.transform(sig)
	if err := c.validateIntent(intent); err != nil {
		c.rejectToDLQ(signalID, intent, err)
		return ConfirmResult{Executed: false, Reason: ReasonInvalidPayload}
	}

	subject := c.route(sig)
	_, err := c.broker.PublishEnvelope(subject, IntentType, intent,
		envelope.WithCorrelation(signalID))
	if err != nil {
		c.restorePending(signalID, entry)
		logging.Get(logging.CategorySignal).Error("confirm publish failed",
			zap.String("signal_id", signalID), zap.String("subject", subject), zap.Error(err))
		return ConfirmResult{Executed: false, Reason: err.Error(), CorrelationID: signalID}
	}

	c.mu.Lock()
	c.metrics.confirmed++
	c.mu.Unlock()

	res := ConfirmResult{Executed: true, CorrelationID: signalID, Subject: subject}
	if c.optimisticFill {
		// Midpoint estimate; the authoritative price arrives on the fill
		// event.
		mid := (sig.EntryZone.Min + sig.EntryZone.Max) / 2
		res.FillPrice = &mid
	}
	logging.Get(logging.CategorySignal).Info("signal confirmed",
		zap.String("signal_id", signalID), zap.String("subject", subject))
	return res
}

// confirmSubmit is the signal-variant CONFIRM: the raw intent goes to the
// submit subject and the brain decides later. The caller has already
// claimed the entry.
func (c *Client) confirmSubmit(signalID string, entry pendingEntry) ConfirmResult {
	_, err := c.broker.PublishEnvelope(c.submitSubject, "intent_signal", entry.signal,
		envelope.WithCorrelation(signalID))
	if err != nil {
		c.restorePending(signalID, entry)
		return ConfirmResult{Executed: false, Reason: err.Error(), CorrelationID: signalID}
	}
	c.mu.Lock()
	c.metrics.confirmed++
	c.mu.Unlock()
	return ConfirmResult{Executed: true, CorrelationID: signalID, Subject: c.submitSubject}
}

// restorePending puts a claimed entry back after a failed publish. A fresh
// prepare for the same id that landed in the meantime wins.
func (c *Client) restorePending(signalID string, entry pendingEntry) {
	c.mu.Lock()
	if _, ok := c.pending[signalID]; !ok {
		c.pending[signalID] = entry
	}
	c.mu.Unlock()
}

// SendAbort unconditionally discards any pending entry for the signal.
func (c *Client) SendAbort(signalID string) AbortResult {
	c.mu.Lock()
	if _, ok := c.pending[signalID]; ok {
		delete(c.pending, signalID)
		c.metrics.aborted++
	}
	c.mu.Unlock()
	logging.Get(logging.CategorySignal).Debug("signal aborted", zap.String("signal_id", signalID))
	return AbortResult{Aborted: true, SignalID: signalID}
}

// transform maps the intent signal onto the execution schema: LONG -> +1
// BUY_SETUP, SHORT -> -1 SELL_SETUP, entry zone ordered [min, max],
// t_signal defaulted to now when the source supplied none.
func (c *Client) transform(sig IntentSignal) ExecutionIntent {
	now := c.clock()

	direction := 0
	intentType := ""
	switch sig.Direction {
	case DirectionLong:
		direction = 1
		intentType = IntentBuySetup
	case DirectionShort:
		direction = -1
		intentType = IntentSellSetup
	}

	lo, hi := sig.EntryZone.Min, sig.EntryZone.Max
	if lo > hi {
		lo, hi = hi, lo
	}

	tSignal := sig.TSignal
	if tSignal == 0 {
		tSignal = now.UnixMilli()
	}

	source := sig.Source
	if source == "" {
		source = "titan-brain"
	}

	return ExecutionIntent{
		SchemaVersion: SchemaVersion,
		SignalID:      sig.SignalID,
		Source:        source,
		Symbol:        sig.Symbol,
		Direction:     direction,
		Type:          intentType,
		EntryZone:     [2]float64{lo, hi},
		StopLoss:      sig.StopLoss,
		TakeProfits:   sig.TakeProfits,
		Size:          0,
		Status:        "PENDING",
		ReceivedAt:    now.UTC().Format(time.RFC3339Nano),
		TSignal:       tSignal,
		TExchange:     sig.TExchange,
		Metadata: map[string]interface{}{
			"source":         source,
			"confidence":     sig.Confidence,
			"leverage":       sig.Leverage,
			"correlation":    sig.SignalID,
			"schema_version": SchemaVersion,
		},
	}
}

// validateIntent checks the transformed payload against the intent schema.
func (c *Client) validateIntent(intent ExecutionIntent) error {
	if err := c.validate.Struct(intent); err != nil {
		return err
	}
	if intent.EntryZone[0] > intent.EntryZone[1] {
		return errors.New("entry_zone not ordered")
	}
	if intent.EntryZone[0] <= 0 {
		return errors.New("entry_zone not positive")
	}
	return nil
}

// rejectToDLQ publishes the invalid payload to the primary and legacy DLQ
// subjects with the validation reason and an ingress timestamp. The caller
// has already claimed the pending entry; rejection is terminal so it is
// never restored.
func (c *Client) rejectToDLQ(signalID string, intent ExecutionIntent, cause error) {
	record := map[string]interface{}{
		"intent":     intent,
		"reason":     cause.Error(),
		"ingress_ts": c.clock().UnixNano(),
	}
	for _, subject := range []string{subjects.DLQExecutionCore, subjects.LegacyExecutionDLQ} {
		if err := c.broker.Publish(subject, record); err != nil {
			logging.Get(logging.CategorySignal).Error("dlq publish failed",
				zap.String("signal_id", signalID), zap.String("subject", subject), zap.Error(err))
		}
	}

	c.mu.Lock()
	c.metrics.rejected++
	c.mu.Unlock()

	logging.Get(logging.CategorySignal).Warn("intent rejected to dlq",
		zap.String("signal_id", signalID), zap.String("reason", cause.Error()))
}

// sweep expires pending entries that never reached a terminal phase.
func (c *Client) sweep() {
	interval := c.pendingTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopGC:
			return
		case <-ticker.C:
			c.expireStale()
		}
	}
}

func (c *Client) expireStale() {
	cutoff := c.clock().Add(-c.pendingTTL)
	c.mu.Lock()
	for id, entry := range c.pending {
		if entry.preparedAt.Before(cutoff) {
			delete(c.pending, id)
			c.metrics.expired++
			logging.Get(logging.CategorySignal).Info("pending signal expired",
				zap.String("signal_id", id),
				zap.Duration("age", c.clock().Sub(entry.preparedAt)))
		}
	}
	c.mu.Unlock()
}

// PendingCount reports the live pending map size.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// String implements fmt.Stringer for diagnostics.
func (c *Client) String() string {
	m := c.GetMetrics()
	return fmt.Sprintf("signalclient{pending=%d prepared=%d confirmed=%d aborted=%d}",
		m.Pending, m.Prepared, m.Confirmed, m.Aborted)
}
