package storage

import (
	"context"
	"errors"
	"time"

	"github.com/captionforge/captionforge/libs/entitlements"
	"github.com/jackc/pgx/v5"
)

// UsageCounter is an account's metered usage for one calendar month.
type UsageCounter struct {
	AccountID    string
	CaptionsUsed int
	PeriodStart  time.Time
	ResetDate    time.Time
}

func (u UsageCounter) Entitlement() *entitlements.Usage {
	return &entitlements.Usage{CaptionsUsed: u.CaptionsUsed, ResetDate: u.ResetDate}
}

// PeriodBounds returns the UTC calendar month containing now. The reset date is the first
// instant of the following month.
func PeriodBounds(now time.Time) (start, reset time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// FreshUsage is the counter of an account with nothing recorded for the current period.
func FreshUsage(accountID string, now time.Time) UsageCounter {
	start, reset := PeriodBounds(now)
	return UsageCounter{AccountID: accountID, PeriodStart: start, ResetDate: reset}
}

// RollOver returns u as seen at now: a counter whose reset date has passed reads as a
// fresh period.
func (u UsageCounter) RollOver(now time.Time) UsageCounter {
	if now.Before(u.ResetDate) {
		return u
	}
	return FreshUsage(u.AccountID, now)
}

// GetUsage never returns ErrNotFound: accounts without a counter row are in a fresh period.
func (r *Repository) GetUsage(ctx context.Context, accountID string, now time.Time) (UsageCounter, error) {
	var u UsageCounter
	err := r.pool.QueryRow(ctx, `
		SELECT account_id, captions_used, period_start, reset_date
		FROM usage_counters
		WHERE account_id = $1
	`, accountID).Scan(&u.AccountID, &u.CaptionsUsed, &u.PeriodStart, &u.ResetDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return FreshUsage(accountID, now), nil
	}
	if err != nil {
		return UsageCounter{}, err
	}
	return u.RollOver(now), nil
}

// IncrementUsage adds n to the account's counter, starting a new period first when the
// stored one has ended.
func (r *Repository) IncrementUsage(ctx context.Context, tx pgx.Tx, accountID string, n int, now time.Time) (UsageCounter, error) {
	start, reset := PeriodBounds(now)
	u := UsageCounter{AccountID: accountID}
	err := tx.QueryRow(ctx, `
		INSERT INTO usage_counters (account_id, captions_used, period_start, reset_date)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE SET
			captions_used = CASE WHEN usage_counters.reset_date <= $5 THEN EXCLUDED.captions_used
			                     ELSE usage_counters.captions_used + EXCLUDED.captions_used END,
			period_start  = CASE WHEN usage_counters.reset_date <= $5 THEN EXCLUDED.period_start
			                     ELSE usage_counters.period_start END,
			reset_date    = CASE WHEN usage_counters.reset_date <= $5 THEN EXCLUDED.reset_date
			                     ELSE usage_counters.reset_date END,
			updated_at    = now()
		RETURNING captions_used, period_start, reset_date
	`, accountID, n, start, reset, now.UTC()).Scan(&u.CaptionsUsed, &u.PeriodStart, &u.ResetDate)
	return u, err
}

// RollOverExpired resets every counter whose period ended before now.
func (r *Repository) RollOverExpired(ctx context.Context, now time.Time) (int64, error) {
	start, reset := PeriodBounds(now)
	tag, err := r.pool.Exec(ctx, `
		UPDATE usage_counters
		SET captions_used = 0, period_start = $1, reset_date = $2, updated_at = now()
		WHERE reset_date <= $3
	`, start, reset, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordInbox marks a consumed event inside tx. It reports false for an event already seen.
func (r *Repository) RecordInbox(ctx context.Context, tx pgx.Tx, eventID, eventType string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
