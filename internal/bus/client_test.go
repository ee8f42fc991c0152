package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nats-io/nats.go"
)

func TestEncodePassthrough(t *testing.T) {
	raw := []byte(`{"x":1}`)
	got, err := encode(raw)
	if err != nil || string(got) != `{"x":1}` {
		t.Fatalf("[]byte passthrough: %s, %v", got, err)
	}

	got, err = encode(json.RawMessage(`{"y":2}`))
	if err != nil || string(got) != `{"y":2}` {
		t.Fatalf("RawMessage passthrough: %s, %v", got, err)
	}

	got, err = encode("plain text")
	if err != nil || string(got) != "plain text" {
		t.Fatalf("string passthrough: %s, %v", got, err)
	}

	got, err = encode(map[string]interface{}{"z": 3})
	if err != nil || string(got) != `{"z":3}` {
		t.Fatalf("map encoding: %s, %v", got, err)
	}
}

func TestEncodeUnserializable(t *testing.T) {
	if _, err := encode(func() {}); err == nil {
		t.Fatal("function value encoded")
	}
}

func TestDecodeBestEffort(t *testing.T) {
	v := decode([]byte(`{"a":1}`))
	m, ok := v.(map[string]interface{})
	if !ok || m["a"] != 1.0 {
		t.Fatalf("json decode: %v", v)
	}

	v = decode([]byte("not json at all"))
	if v != "not json at all" {
		t.Fatalf("non-json fallback: %v", v)
	}
}

func TestWrapRecoversPanic(t *testing.T) {
	c := New()
	msg := &nats.Msg{Subject: "titan.evt.test.v1", Data: []byte(`{}`)}

	err := c.wrap("titan.evt.test.v1", func(Message) error {
		panic("boom")
	}, msg)
	if err == nil || !strings.Contains(err.Error(), "handler panic") {
		t.Fatalf("panic not converted to error: %v", err)
	}

	err = c.wrap("titan.evt.test.v1", func(Message) error {
		return errors.New("plain failure")
	}, msg)
	if err == nil || err.Error() != "plain failure" {
		t.Fatalf("handler error not propagated: %v", err)
	}
}

func TestWrapDecodesMessage(t *testing.T) {
	c := New()
	msg := &nats.Msg{Subject: "titan.evt.test.v1", Data: []byte(`{"k":"v"}`)}

	var got Message
	err := c.wrap("titan.evt.test.v1", func(m Message) error {
		got = m
		return nil
	}, msg)
	if err != nil {
		t.Fatal(err)
	}
	if got.Subject != "titan.evt.test.v1" {
		t.Errorf("subject = %s", got.Subject)
	}
	decoded, ok := got.Decoded.(map[string]interface{})
	if !ok || decoded["k"] != "v" {
		t.Errorf("decoded = %v", got.Decoded)
	}
}

func TestDisconnectedClientErrors(t *testing.T) {
	c := New()

	if err := c.Publish("titan.evt.test.v1", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish: %v", err)
	}
	if _, err := c.PublishEnvelope("titan.evt.test.v1", "t", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishEnvelope: %v", err)
	}
	if _, err := c.Request(context.Background(), "titan.req.x", nil, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Request: %v", err)
	}
	if _, err := c.Subscribe("titan.evt.test.v1", func(Message) error { return nil }); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe: %v", err)
	}
	if _, err := c.SubscribeMaxDeliveries(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SubscribeMaxDeliveries: %v", err)
	}
	if c.IsConnected() {
		t.Error("unconnected client reports connected")
	}
	// Close before Connect is a no-op.
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestPublishDLQFailsafeWhenDisconnected(t *testing.T) {
	c := New(WithProducer("unit-test"))

	// With no session the DLQ publish fails but must not panic; the record
	// goes to the stderr failsafe and the error is surfaced.
	err := c.PublishDLQ("titan.cmd.execution.place.v1", map[string]interface{}{"x": 1},
		errors.New("validation failed"), map[string]string{"stage": "test"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
}

func TestSingleton(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	a := GetInstance()
	if a == nil {
		t.Fatal("nil instance")
	}
	if b := GetInstance(); b != a {
		t.Fatal("GetInstance not stable")
	}

	custom := New(WithProducer("custom"))
	SetInstance(custom)
	if got := GetInstance(); got != custom {
		t.Fatal("SetInstance ignored")
	}
}

func TestObserverRegistry(t *testing.T) {
	var reg observerRegistry

	ch, cancel := reg.Observe()
	reg.emit(Event{Kind: EventReconnected})

	ev := <-ch
	if ev.Kind != EventReconnected {
		t.Fatalf("event = %+v", ev)
	}

	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel not closed on cancel")
	}

	// Emitting with no observers must not block or panic.
	reg.emit(Event{Kind: EventClosed})
}

func TestObserverDropOnFull(t *testing.T) {
	var reg observerRegistry
	ch, cancel := reg.Observe()
	defer cancel()

	// Overflow the buffer; emit must never block.
	for i := 0; i < 64; i++ {
		reg.emit(Event{Kind: EventError, Err: errors.New("spam")})
	}
	n := 0
	for {
		select {
		case <-ch:
			n++
			continue
		default:
		}
		break
	}
	if n == 0 || n > 16 {
		t.Fatalf("drained %d events, want 1..16", n)
	}
}
