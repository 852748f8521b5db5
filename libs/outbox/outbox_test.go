package outbox

import (
	"context"
	"testing"

	"github.com/captionforge/captionforge/libs/kafkax"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestNewEventMarshalsPayload(t *testing.T) {
	evt, err := NewEvent("subscription", "acct-1", "billing.subscription.activated.v1", map[string]string{"plan": "pro"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if string(evt.Payload) != `{"plan":"pro"}` {
		t.Fatalf("unexpected payload %s", evt.Payload)
	}
	if _, err := NewEvent("a", "b", "c", func() {}); err == nil {
		t.Fatal("expected marshal error for func payload")
	}
}

func TestMessagesCarryMetaAndTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	msgs := Messages(context.Background(), []Record{{
		ID:          7,
		EventID:     "evt-7",
		AggregateID: "acct-9",
		EventType:   "captions.generated.v1",
		Payload:     []byte(`{}`),
		Traceparent: tp,
	}})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Topic != "captions.generated.v1" || string(m.Key) != "acct-9" {
		t.Fatalf("unexpected routing: topic=%s key=%s", m.Topic, m.Key)
	}
	if got := kafkax.HeaderValue(m.Headers, kafkax.HeaderEventID); got != "evt-7" {
		t.Fatalf("unexpected event id header %q", got)
	}
	if got := kafkax.HeaderValue(m.Headers, "traceparent"); got != tp {
		t.Fatalf("expected traceparent to be restored, got %q", got)
	}
}
