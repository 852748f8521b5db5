package storage

import (
	"testing"
	"time"
)

func TestPeriodBounds(t *testing.T) {
	start, reset := PeriodBounds(time.Date(2026, 12, 31, 23, 59, 0, 0, time.FixedZone("X", -5*3600)))
	// 2027-01-01T04:59Z in UTC
	if !start.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected start %s", start)
	}
	if !reset.Equal(time.Date(2027, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected reset %s", reset)
	}
}

func TestRollOver(t *testing.T) {
	u := UsageCounter{
		AccountID:    "acct-1",
		CaptionsUsed: 9,
		PeriodStart:  time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		ResetDate:    time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	}
	if got := u.RollOver(time.Date(2026, 9, 30, 23, 0, 0, 0, time.UTC)); got.CaptionsUsed != 9 {
		t.Fatalf("expected counter kept before reset, got %+v", got)
	}
	got := u.RollOver(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	if got.CaptionsUsed != 0 || !got.ResetDate.Equal(time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected fresh period at the reset instant, got %+v", got)
	}
}

func TestEntitlementConversions(t *testing.T) {
	s := Subscription{Plan: "pro", Status: "past_due"}.Entitlement()
	if s.Plan != "pro" || string(s.Status) != "past_due" {
		t.Fatalf("unexpected subscription %+v", s)
	}
	u := FreshUsage("acct-1", time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)).Entitlement()
	if u.CaptionsUsed != 0 || u.ResetDate.Month() != time.November {
		t.Fatalf("unexpected usage %+v", u)
	}
}
