package events

import (
	"errors"
	"testing"
)

func TestDecodeCaptionsGenerated(t *testing.T) {
	evt, err := DecodeCaptionsGenerated([]byte(`{"account_id":" acct-1 ","caption_id":"c1","count":3,"generated_at":"2026-10-01T10:00:00Z"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.AccountID != "acct-1" || evt.Count != 3 {
		t.Fatalf("unexpected event %+v", evt)
	}

	for _, raw := range []string{`{"account_id":"a","count":0}`, `{"count":2}`, `not json`} {
		if _, err := DecodeCaptionsGenerated([]byte(raw)); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("expected ErrInvalidEvent for %s, got %v", raw, err)
		}
	}
}
