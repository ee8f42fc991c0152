// Package bus wraps the NATS connection shared by every fabric component:
// stream bootstrap, JetStream and core publishing, ephemeral and durable
// subscriptions, request/reply, KV access, and dead-letter routing.
//
// The client is a process-wide singleton (GetInstance), but every consumer
// of it accepts the Broker interface so tests inject fakes.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/envelope"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/logging"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/subjects"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/topology"
)

// Environment variables consumed by Connect. Explicit options win.
const (
	EnvURL   = "TITAN_NATS_URL"
	EnvUser  = "TITAN_NATS_USER"
	EnvPass  = "TITAN_NATS_PASS"
	EnvToken = "TITAN_NATS_TOKEN"
)

// ErrNotConnected is returned by every call that needs a live session.
var ErrNotConnected = errors.New("bus: not connected")

// DefaultRequestTimeout applies when Request is called with timeout <= 0.
const DefaultRequestTimeout = 5 * time.Second

// Message is what subscription handlers receive. Decoded is the payload
// after best-effort decoding: JSON when the bytes parse, string otherwise.
type Message struct {
	Subject string
	Data    []byte
	Decoded interface{}
}

// Handler processes one delivered message. For durable subscriptions a nil
// return acks the message and an error naks it for redelivery.
type Handler func(msg Message) error

// Broker is the surface the protocol layers depend on.
type Broker interface {
	Publish(subject string, payload interface{}) error
	PublishEnvelope(subject, msgType string, payload interface{}, opts ...envelope.Option) (*envelope.Envelope, error)
	Request(ctx context.Context, subject string, payload interface{}, timeout time.Duration) ([]byte, error)
	PublishDLQ(originalSubject string, payload interface{}, cause error, meta map[string]string) error
	Subscribe(subject string, handler Handler) (func(), error)
	IsConnected() bool
}

// Client is the NATS-backed Broker implementation.
type Client struct {
	mu sync.RWMutex

	nc *nats.Conn
	js nats.JetStreamContext

	kvCache map[string]nats.KeyValue
	subs    []*nats.Subscription

	producer string
	signer   *envelope.Signer
	opts     clientOptions
	closed   bool

	observers observerRegistry
	metrics   *metrics
}

type clientOptions struct {
	url           string
	user, pass    string
	token         string
	producer      string
	signer        *envelope.Signer
	waitOnConnect bool
	connectWait   time.Duration
}

// Option configures New.
type Option func(*clientOptions)

// WithURL overrides the broker URL from the environment.
func WithURL(url string) Option { return func(o *clientOptions) { o.url = url } }

// WithCredentials sets user/password auth.
func WithCredentials(user, pass string) Option {
	return func(o *clientOptions) { o.user, o.pass = user, pass }
}

// WithToken sets token auth.
func WithToken(token string) Option { return func(o *clientOptions) { o.token = token } }

// WithProducer names the originating component stamped on envelopes.
func WithProducer(name string) Option { return func(o *clientOptions) { o.producer = name } }

// WithSigner enables envelope signing. A nil signer leaves signing off.
func WithSigner(s *envelope.Signer) Option { return func(o *clientOptions) { o.signer = s } }

// WithWaitOnFirstConnect blocks Connect until the first session is up
// instead of retrying in the background.
func WithWaitOnFirstConnect(wait bool) Option {
	return func(o *clientOptions) { o.waitOnConnect = wait }
}

// New builds an unconnected client. Most callers use GetInstance instead.
func New(opts ...Option) *Client {
	o := clientOptions{
		url:         os.Getenv(EnvURL),
		user:        os.Getenv(EnvUser),
		pass:        os.Getenv(EnvPass),
		token:       os.Getenv(EnvToken),
		producer:    "titan",
		connectWait: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.url == "" {
		o.url = nats.DefaultURL
	}
	return &Client{
		kvCache:  make(map[string]nats.KeyValue),
		producer: o.producer,
		signer:   o.signer,
		opts:     o,
		metrics:  newMetrics(),
	}
}

var (
	instanceMu sync.Mutex
	instance   *Client
)

// GetInstance returns the process-wide client, constructing it lazily from
// the environment on first use.
func GetInstance() *Client {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = New()
	}
	return instance
}

// SetInstance installs a pre-configured client as the singleton.
func SetInstance(c *Client) {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = c
}

// ResetForTest drops the singleton so the next GetInstance rebuilds it.
func ResetForTest() {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	instance = nil
}

// Connect establishes the session with unbounded reconnect attempts and
// bootstraps the declared topology. Topology reconciliation failures are
// logged and counted but never abort start-up.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.nc != nil && c.nc.IsConnected() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	log := logging.Get(logging.CategoryBus)

	natsOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(c.opts.connectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", zap.Error(err))
				c.observers.emit(Event{Kind: EventError, Err: err})
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
			c.observers.emit(Event{Kind: EventReconnected})
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
			c.observers.emit(Event{Kind: EventClosed})
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("async error", zap.Error(err))
			c.observers.emit(Event{Kind: EventError, Err: err})
		}),
	}
	if !c.opts.waitOnConnect {
		natsOpts = append(natsOpts, nats.RetryOnFailedConnect(true))
	}
	if c.opts.token != "" {
		natsOpts = append(natsOpts, nats.Token(c.opts.token))
	} else if c.opts.user != "" {
		natsOpts = append(natsOpts, nats.UserInfo(c.opts.user, c.opts.pass))
	}

	nc, err := nats.Connect(c.opts.url, natsOpts...)
	if err != nil {
		c.metrics.errorsTotal.WithLabelValues("connect").Inc()
		return fmt.Errorf("bus: connect %s: %w", c.opts.url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		c.metrics.errorsTotal.WithLabelValues("connect").Inc()
		return fmt.Errorf("bus: jetstream: %w", err)
	}

	c.mu.Lock()
	c.nc = nc
	c.js = js
	c.closed = false
	c.mu.Unlock()

	log.Info("connected", zap.String("url", nc.ConnectedUrl()))
	c.ensureTopology(ctx)
	return nil
}

// ensureTopology walks the declared streams, consumers, and buckets:
// create when absent, update when attributes differ, log-and-count when
// neither works.
func (c *Client) ensureTopology(ctx context.Context) {
	log := logging.Get(logging.CategoryTopology)

	for _, sc := range topology.Streams() {
		sc := sc
		if _, err := c.js.AddStream(&sc, nats.Context(ctx)); err != nil {
			if _, uerr := c.js.UpdateStream(&sc, nats.Context(ctx)); uerr != nil {
				log.Error("stream reconcile failed",
					zap.String("stream", sc.Name), zap.NamedError("add", err), zap.NamedError("update", uerr))
				c.metrics.topologyErrors.Inc()
				continue
			}
			log.Info("stream updated", zap.String("stream", sc.Name))
		} else {
			log.Debug("stream ensured", zap.String("stream", sc.Name))
		}
	}

	for _, spec := range topology.Consumers() {
		cc := spec.Config
		if _, err := c.js.AddConsumer(spec.Stream, &cc, nats.Context(ctx)); err != nil {
			if _, uerr := c.js.UpdateConsumer(spec.Stream, &cc, nats.Context(ctx)); uerr != nil {
				log.Error("consumer reconcile failed",
					zap.String("stream", spec.Stream), zap.String("durable", cc.Durable),
					zap.NamedError("add", err), zap.NamedError("update", uerr))
				c.metrics.topologyErrors.Inc()
				continue
			}
			log.Info("consumer updated", zap.String("durable", cc.Durable))
		}
	}

	for _, b := range topology.Buckets() {
		if _, err := c.openKV(b.Bucket); err != nil {
			log.Error("bucket reconcile failed", zap.String("bucket", b.Bucket), zap.Error(err))
			c.metrics.topologyErrors.Inc()
		}
	}
}

// IsConnected reports whether a live session exists.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc != nil && c.nc.IsConnected()
}

func (c *Client) session() (*nats.Conn, nats.JetStreamContext, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.nc == nil || c.closed || !c.nc.IsConnected() {
		return nil, nil, ErrNotConnected
	}
	return c.nc, c.js, nil
}

// encode turns a payload into wire bytes: []byte and string pass through,
// everything else is JSON.
func encode(payload interface{}) ([]byte, error) {
	switch t := payload.(type) {
	case []byte:
		return t, nil
	case json.RawMessage:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return json.Marshal(payload)
	}
}

// Publish sends a payload. Subjects covered by a declared stream go through
// JetStream (persistent, acked); everything else is core-NATS best effort.
func (c *Client) Publish(subject string, payload interface{}) error {
	return c.publish(subject, payload, "")
}

func (c *Client) publish(subject string, payload interface{}, msgID string) error {
	nc, js, err := c.session()
	if err != nil {
		return err
	}
	data, err := encode(payload)
	if err != nil {
		c.metrics.errorsTotal.WithLabelValues("publish").Inc()
		return fmt.Errorf("bus: encode %s: %w", subject, err)
	}

	class := subjects.Class(subject)
	if _, streamed := topology.StreamFor(subject); streamed {
		popts := []nats.PubOpt{}
		if msgID != "" {
			popts = append(popts, nats.MsgId(msgID))
		}
		if _, err := js.Publish(subject, data, popts...); err != nil {
			c.metrics.errorsTotal.WithLabelValues("publish").Inc()
			return fmt.Errorf("bus: publish %s: %w", subject, err)
		}
		c.metrics.publishTotal.WithLabelValues(class, "jetstream").Inc()
		return nil
	}

	if err := nc.Publish(subject, data); err != nil {
		c.metrics.errorsTotal.WithLabelValues("publish").Inc()
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	c.metrics.publishTotal.WithLabelValues(class, "core").Inc()
	return nil
}

// PublishEnvelope wraps the payload per the envelope contract, signs it
// when a signer is configured, and publishes. Envelopes on cmd.* subjects
// always carry an idempotency key (defaulted to the envelope id) which is
// also used as the JetStream message id for broker-side deduplication.
func (c *Client) PublishEnvelope(subject, msgType string, payload interface{}, opts ...envelope.Option) (*envelope.Envelope, error) {
	env, err := envelope.New(msgType, c.producer, payload, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: envelope %s: %w", subject, err)
	}
	if subjects.Class(subject) == subjects.ClassCmd && env.IdempotencyKey == "" {
		env.IdempotencyKey = env.ID
	}
	if c.signer != nil {
		if err := c.signer.Sign(env); err != nil {
			return nil, fmt.Errorf("bus: sign %s: %w", subject, err)
		}
	}
	if err := c.publish(subject, env, env.IdempotencyKey); err != nil {
		return nil, err
	}
	return env, nil
}

// decode is the best-effort inbound decoder: JSON when it parses, raw
// string otherwise.
func decode(data []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(data, &v); err == nil {
		return v
	}
	return string(data)
}

// wrap guards a handler invocation: panics and errors are logged, counted,
// and reported to the caller, never propagated to the NATS dispatcher.
func (c *Client) wrap(subject string, handler Handler, msg *nats.Msg) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bus: handler panic on %s: %v", subject, r)
			logging.Get(logging.CategoryBus).Error("handler panic",
				zap.String("subject", msg.Subject), zap.Any("panic", r))
		}
	}()
	return handler(Message{Subject: msg.Subject, Data: msg.Data, Decoded: decode(msg.Data)})
}

// Subscribe creates an ephemeral subscription. Handler errors are caught
// and logged; they do not tear down the subscription. Messages are
// dispatched serially in broker delivery order.
func (c *Client) Subscribe(subject string, handler Handler) (func(), error) {
	nc, _, err := c.session()
	if err != nil {
		return nil, err
	}
	class := subjects.Class(subject)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		if herr := c.wrap(subject, handler, msg); herr != nil {
			c.metrics.consumeTotal.WithLabelValues(class, "error").Inc()
			logging.Get(logging.CategoryBus).Warn("handler error",
				zap.String("subject", msg.Subject), zap.Error(herr))
			return
		}
		c.metrics.consumeTotal.WithLabelValues(class, "ok").Inc()
	})
	if err != nil {
		c.metrics.errorsTotal.WithLabelValues("subscribe").Inc()
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}
	c.track(sub)
	return func() { _ = sub.Unsubscribe() }, nil
}

// SubscribeDurable binds a durable push consumer with explicit ack. A nil
// handler return acks; an error naks, and the broker redelivers per the
// durable's backoff policy up to max_deliver.
func (c *Client) SubscribeDurable(subject, durable string, handler Handler) (func(), error) {
	_, js, err := c.session()
	if err != nil {
		return nil, err
	}
	class := subjects.Class(subject)
	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		if herr := c.wrap(subject, handler, msg); herr != nil {
			c.metrics.consumeTotal.WithLabelValues(class, "nak").Inc()
			logging.Get(logging.CategoryBus).Warn("handler error, nak",
				zap.String("subject", msg.Subject), zap.String("durable", durable), zap.Error(herr))
			_ = msg.Nak()
			return
		}
		c.metrics.consumeTotal.WithLabelValues(class, "ok").Inc()
		_ = msg.Ack()
	}, nats.Durable(durable), nats.ManualAck())
	if err != nil {
		c.metrics.errorsTotal.WithLabelValues("subscribe").Inc()
		return nil, fmt.Errorf("bus: durable subscribe %s/%s: %w", subject, durable, err)
	}
	c.track(sub)
	return func() { _ = sub.Unsubscribe() }, nil
}

func (c *Client) track(sub *nats.Subscription) {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
}

// Request publishes to a request subject and waits for the reply. A
// timeout <= 0 uses DefaultRequestTimeout.
func (c *Client) Request(ctx context.Context, subject string, payload interface{}, timeout time.Duration) ([]byte, error) {
	nc, _, err := c.session()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	data, err := encode(payload)
	if err != nil {
		return nil, fmt.Errorf("bus: encode request %s: %w", subject, err)
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := nc.RequestWithContext(rctx, subject, data)
	if err != nil {
		c.metrics.errorsTotal.WithLabelValues("request").Inc()
		return nil, fmt.Errorf("bus: request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Respond subscribes to a request subject and answers each request with the
// responder's reply bytes.
func (c *Client) Respond(subject string, responder func(data []byte) ([]byte, error)) (func(), error) {
	nc, _, err := c.session()
	if err != nil {
		return nil, err
	}
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		reply, rerr := responder(msg.Data)
		if rerr != nil {
			logging.Get(logging.CategoryBus).Warn("responder error",
				zap.String("subject", subject), zap.Error(rerr))
			return
		}
		if err := msg.Respond(reply); err != nil {
			logging.Get(logging.CategoryBus).Warn("respond failed",
				zap.String("subject", subject), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("bus: respond %s: %w", subject, err)
	}
	c.track(sub)
	return func() { _ = sub.Unsubscribe() }, nil
}

// Observe registers an observer for error/closed/reconnected events.
func (c *Client) Observe() (<-chan Event, func()) {
	return c.observers.Observe()
}

// Close drains in-flight publishes and closes the connection. A second
// close is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed || c.nc == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	nc := c.nc
	c.mu.Unlock()

	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}
