package bus

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/logging"
)

// AdvisoryMaxDeliveries is the broker-side advisory emitted when a durable
// consumer exhausts max_deliver on a message. The broker stops redelivering
// at that point; the bridge below is what moves the message into the
// titan.dlq namespace.
const AdvisoryMaxDeliveries = "$JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES.>"

// maxDeliveriesAdvisory is the subset of the advisory payload the bridge
// needs to locate the exhausted message.
type maxDeliveriesAdvisory struct {
	Stream     string `json:"stream"`
	Consumer   string `json:"consumer"`
	StreamSeq  uint64 `json:"stream_seq"`
	Deliveries int    `json:"deliveries"`
}

// streamLookup resolves a stream sequence to the stored message.
type streamLookup func(stream string, seq uint64) (subject string, data []byte, err error)

// SubscribeMaxDeliveries bridges max_deliver exhaustion into the dead
// letter namespace: each advisory is resolved to the exhausted message,
// which is republished through PublishDLQ with its stream coordinates in
// the metadata. Run one bridge per deployment, typically in the monitor
// role.
func (c *Client) SubscribeMaxDeliveries() (func(), error) {
	nc, js, err := c.session()
	if err != nil {
		return nil, err
	}
	lookup := func(stream string, seq uint64) (string, []byte, error) {
		raw, gerr := js.GetMsg(stream, seq)
		if gerr != nil {
			return "", nil, gerr
		}
		return raw.Subject, raw.Data, nil
	}
	sub, err := nc.Subscribe(AdvisoryMaxDeliveries, func(msg *nats.Msg) {
		if berr := bridgeMaxDeliveries(c, msg.Data, lookup); berr != nil {
			c.metrics.errorsTotal.WithLabelValues("advisory").Inc()
			logging.Get(logging.CategoryDLQ).Error("max deliveries bridge failed", zap.Error(berr))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe advisories: %w", err)
	}
	c.track(sub)
	return func() { _ = sub.Unsubscribe() }, nil
}

// bridgeMaxDeliveries parses one advisory, fetches the exhausted message,
// and republishes it as a dead letter under its original subject.
func bridgeMaxDeliveries(b Broker, advisory []byte, lookup streamLookup) error {
	var adv maxDeliveriesAdvisory
	if err := json.Unmarshal(advisory, &adv); err != nil {
		return fmt.Errorf("bus: malformed advisory: %w", err)
	}
	if adv.Stream == "" {
		return fmt.Errorf("bus: advisory missing stream: %s", advisory)
	}
	subject, data, err := lookup(adv.Stream, adv.StreamSeq)
	if err != nil {
		return fmt.Errorf("bus: advisory lookup %s/%d: %w", adv.Stream, adv.StreamSeq, err)
	}
	cause := fmt.Errorf("max deliveries exhausted after %d attempts", adv.Deliveries)
	return b.PublishDLQ(subject, decode(data), cause, map[string]string{
		"stream":     adv.Stream,
		"consumer":   adv.Consumer,
		"stream_seq": strconv.FormatUint(adv.StreamSeq, 10),
	})
}
