package bus

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/logging"
	"github.com/peycheff-com/titan-trading-system-sub008/internal/subjects"
)

// DLI is the dead-letter item record retained for operator triage.
// Timestamp is nanoseconds since epoch.
type DLI struct {
	OriginalSubject string            `json:"original_subject"`
	OriginalPayload interface{}       `json:"original_payload"`
	ErrorMessage    string            `json:"error_message"`
	ErrorStack      string            `json:"error_stack"`
	Service         string            `json:"service"`
	Timestamp       int64             `json:"timestamp"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// PublishDLQ routes a failed message to the dead-letter namespace:
// titan.dlq.<suffix> for titan subjects, titan.dlq.unknown.<subject>
// otherwise. If the DLQ publish itself fails the record is written to
// stderr so it is never silently lost.
func (c *Client) PublishDLQ(originalSubject string, payload interface{}, cause error, meta map[string]string) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	dli := DLI{
		OriginalSubject: originalSubject,
		OriginalPayload: payload,
		ErrorMessage:    msg,
		ErrorStack:      string(debug.Stack()),
		Service:         c.producer,
		Timestamp:       time.Now().UnixNano(),
		Metadata:        meta,
	}

	target := subjects.DLQFor(originalSubject)
	if err := c.Publish(target, dli); err != nil {
		logging.Get(logging.CategoryDLQ).Error("dlq publish failed, writing failsafe",
			zap.String("target", target), zap.Error(err))
		if raw, merr := json.Marshal(dli); merr == nil {
			fmt.Fprintf(os.Stderr, "DLQ-FAILSAFE %s %s\n", target, raw)
		} else {
			fmt.Fprintf(os.Stderr, "DLQ-FAILSAFE %s (unserializable: %v)\n", target, merr)
		}
		return err
	}
	c.metrics.dlqTotal.Inc()
	logging.Get(logging.CategoryDLQ).Info("dead letter published",
		zap.String("original", originalSubject), zap.String("target", target), zap.String("error", msg))
	return nil
}
