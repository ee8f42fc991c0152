package envelope

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEnvelope(t *testing.T) {
	before := time.Now().UnixNano()
	e, err := New("execution_intent", "titan-brain", map[string]interface{}{"signal_id": "sig-1"},
		WithCorrelation("corr-1"), WithCausation("cause-1"), WithIdempotencyKey("idem-1"))
	if err != nil {
		t.Fatal(err)
	}
	after := time.Now().UnixNano()

	if e.ID == "" {
		t.Error("missing id")
	}
	if e.Type != "execution_intent" || e.Producer != "titan-brain" {
		t.Errorf("type/producer = %q/%q", e.Type, e.Producer)
	}
	if e.Version != 1 {
		t.Errorf("default version = %d", e.Version)
	}
	if e.TS < before || e.TS > after {
		t.Errorf("ts %d outside [%d, %d]", e.TS, before, after)
	}
	if e.CorrelationID != "corr-1" || e.CausationID != "cause-1" || e.IdempotencyKey != "idem-1" {
		t.Error("options not applied")
	}
	if e.Signed() {
		t.Error("fresh envelope claims to be signed")
	}

	var data map[string]interface{}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data["signal_id"] != "sig-1" {
		t.Errorf("payload = %v", data)
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	e, err := New("heartbeat", "titan-monitor", map[string]interface{}{"ok": true})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatal(err)
	}
	for _, required := range []string{"id", "type", "version", "producer", "ts", "data"} {
		if _, ok := fields[required]; !ok {
			t.Errorf("wire form missing %q", required)
		}
	}
	// Optional fields are omitted when empty.
	for _, optional := range []string{"correlation_id", "causation_id", "idempotency_key", "sig", "nonce", "key_id"} {
		if _, ok := fields[optional]; ok {
			t.Errorf("empty optional field %q serialized", optional)
		}
	}
}

func TestWithVersion(t *testing.T) {
	e, err := New("x", "p", nil, WithVersion(3))
	if err != nil {
		t.Fatal(err)
	}
	if e.Version != 3 {
		t.Errorf("version = %d", e.Version)
	}
}
