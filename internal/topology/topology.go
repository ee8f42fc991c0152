// Package topology declares, as data, the complete set of JetStream
// streams, durable consumers, and KV buckets the fabric requires. The bus
// walks these declarations at connect time and reconciles the broker
// against them; nothing else creates streams.
package topology

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/subjects"
)

// Stream names.
const (
	StreamCmd    = "TITAN_CMD"
	StreamEvt    = "TITAN_EVT"
	StreamData   = "TITAN_DATA"
	StreamSignal = "TITAN_SIGNAL"
	StreamDLQ    = "TITAN_DLQ"
)

// Durable consumer names.
const (
	ConsumerExecutionCore  = "EXECUTION_CORE"
	ConsumerVenueStatus    = "VENUE_STATUS"
	ConsumerTradeAnalytics = "TRADE_ANALYTICS"
	ConsumerDLQMonitor     = "DLQ_MONITOR"
)

// KV bucket names.
const (
	BucketPolicy = "titan_policy"
	BucketState  = "titan_state"
)

// DefaultKVHistory is the revision depth for buckets that do not override
// it.
const DefaultKVHistory = 5

const gib = 1024 * 1024 * 1024

// Streams returns the canonical stream declarations. Order matters only for
// log readability.
func Streams() []nats.StreamConfig {
	return []nats.StreamConfig{
		{
			Name:       StreamCmd,
			Subjects:   []string{subjects.CmdAll},
			Storage:    nats.FileStorage,
			Retention:  nats.WorkQueuePolicy,
			MaxAge:     7 * 24 * time.Hour,
			Duplicates: 60 * time.Second,
			Discard:    nats.DiscardOld,
			Replicas:   1,
		},
		{
			Name:      StreamEvt,
			Subjects:  []string{subjects.EvtAll},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			MaxBytes:  10 * gib,
			Discard:   nats.DiscardOld,
			Replicas:  1,
		},
		{
			Name:      StreamData,
			Subjects:  []string{subjects.DataAll},
			Storage:   nats.MemoryStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    15 * time.Minute,
			Discard:   nats.DiscardOld,
			Replicas:  1,
		},
		{
			// Legacy signal-class stream. Decommissioning: publishers moved
			// to TITAN_EVT; removal tracks subjects.LegacySunset.
			Name:      StreamSignal,
			Subjects:  []string{subjects.SigAll},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			MaxBytes:  5 * gib,
			Discard:   nats.DiscardOld,
			Replicas:  1,
		},
		{
			Name:      StreamDLQ,
			Subjects:  []string{subjects.DLQAll},
			Storage:   nats.FileStorage,
			Retention: nats.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			MaxBytes:  1 * gib,
			Discard:   nats.DiscardOld,
			Replicas:  1,
		},
	}
}

// ConsumerSpec binds a durable consumer declaration to its stream.
type ConsumerSpec struct {
	Stream string
	Config nats.ConsumerConfig
}

// Consumers returns the canonical durable consumer declarations.
func Consumers() []ConsumerSpec {
	return []ConsumerSpec{
		{
			Stream: StreamCmd,
			Config: nats.ConsumerConfig{
				Durable:       ConsumerExecutionCore,
				FilterSubject: subjects.CmdExecutionAll,
				AckPolicy:     nats.AckExplicitPolicy,
				DeliverPolicy: nats.DeliverAllPolicy,
				MaxDeliver:    5,
				AckWait:       30 * time.Second,
				BackOff: []time.Duration{
					1 * time.Second,
					5 * time.Second,
					15 * time.Second,
					30 * time.Second,
				},
			},
		},
		{
			Stream: StreamEvt,
			Config: nats.ConsumerConfig{
				Durable:       ConsumerVenueStatus,
				FilterSubject: subjects.EvtVenueAll,
				AckPolicy:     nats.AckExplicitPolicy,
				DeliverPolicy: nats.DeliverNewPolicy,
				MaxDeliver:    3,
				AckWait:       15 * time.Second,
			},
		},
		{
			Stream: StreamEvt,
			Config: nats.ConsumerConfig{
				Durable:       ConsumerTradeAnalytics,
				FilterSubject: subjects.EvtExecutionAll,
				AckPolicy:     nats.AckExplicitPolicy,
				DeliverPolicy: nats.DeliverAllPolicy,
				MaxDeliver:    3,
				AckWait:       30 * time.Second,
			},
		},
		{
			Stream: StreamDLQ,
			Config: nats.ConsumerConfig{
				Durable:       ConsumerDLQMonitor,
				FilterSubject: subjects.DLQAll,
				AckPolicy:     nats.AckExplicitPolicy,
				DeliverPolicy: nats.DeliverAllPolicy,
				MaxDeliver:    3,
				AckWait:       30 * time.Second,
			},
		},
	}
}

// KVSpec declares a key-value bucket.
type KVSpec struct {
	Bucket  string
	History uint8
	TTL     time.Duration
	Storage nats.StorageType
}

// Buckets returns the canonical KV bucket declarations.
func Buckets() []KVSpec {
	return []KVSpec{
		{Bucket: BucketPolicy, History: DefaultKVHistory, Storage: nats.FileStorage},
		{Bucket: BucketState, History: DefaultKVHistory, TTL: 24 * time.Hour, Storage: nats.FileStorage},
	}
}

// StreamFor returns the declared stream whose subject filters cover the
// given subject, with ok=false when no stream covers it (core-NATS
// territory).
func StreamFor(subject string) (string, bool) {
	for _, sc := range Streams() {
		for _, pat := range sc.Subjects {
			if subjects.Match(pat, subject) {
				return sc.Name, true
			}
		}
	}
	return "", false
}
