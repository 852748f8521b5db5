package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

type CheckoutSession struct {
	StripeSessionID      string
	AccountID            string
	Plan                 string
	BillingCycle         string
	Status               string
	StripeCustomerID     string
	StripeSubscriptionID string
	URL                  string
	ReturnToken          string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
	CanceledAt           *time.Time
	ReturnSeenAt         *time.Time
	ExpiredAt            *time.Time
}

func (r *Repository) UpsertCheckoutSession(ctx context.Context, tx pgx.Tx, s CheckoutSession) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO checkout_sessions (stripe_session_id, account_id, plan, billing_cycle, status, url, return_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stripe_session_id)
		DO UPDATE SET account_id = EXCLUDED.account_id,
		              plan = EXCLUDED.plan,
		              billing_cycle = EXCLUDED.billing_cycle,
		              status = EXCLUDED.status,
		              url = EXCLUDED.url,
		              updated_at = now()
	`, s.StripeSessionID, s.AccountID, s.Plan, defaultIfEmpty(s.BillingCycle, "monthly"), s.Status, nullIfEmpty(s.URL), nullIfEmpty(s.ReturnToken))
	return err
}

func (r *Repository) MarkCheckoutSessionCompleted(ctx context.Context, tx pgx.Tx, stripeSessionID string, completedAt time.Time, stripeCustomerID, stripeSubscriptionID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE checkout_sessions
		SET status = 'completed',
		    stripe_customer_id = $3,
		    stripe_subscription_id = $4,
		    completed_at = $2,
		    updated_at = now()
		WHERE stripe_session_id = $1
	`, stripeSessionID, completedAt, nullIfEmpty(stripeCustomerID), nullIfEmpty(stripeSubscriptionID))
	return err
}

func (r *Repository) MarkCheckoutSessionExpired(ctx context.Context, tx pgx.Tx, stripeSessionID string, expiredAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE checkout_sessions
		SET status = 'expired', expired_at = $2, updated_at = now()
		WHERE stripe_session_id = $1 AND status <> 'completed'
	`, stripeSessionID, expiredAt)
	return err
}

// AckCheckoutReturn records the customer landing on a return page. The token guards the
// public endpoint; a cancel never overrides a completion recorded by the webhook.
func (r *Repository) AckCheckoutReturn(ctx context.Context, tx pgx.Tx, stripeSessionID, token, result string, seenAt time.Time) (bool, error) {
	if strings.TrimSpace(result) == "" {
		result = "unknown"
	}
	tag, err := tx.Exec(ctx, `
		UPDATE checkout_sessions
		SET return_seen_at = $4,
		    status = CASE WHEN $3 = 'cancel' AND status <> 'completed' THEN 'canceled' ELSE status END,
		    canceled_at = CASE WHEN $3 = 'cancel' AND status <> 'completed' THEN COALESCE(canceled_at, $4) ELSE canceled_at END,
		    updated_at = now()
		WHERE stripe_session_id = $1 AND return_token = $2
	`, stripeSessionID, token, result, seenAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) GetCheckoutSession(ctx context.Context, stripeSessionID string) (CheckoutSession, error) {
	var s CheckoutSession
	err := r.pool.QueryRow(ctx, `
		SELECT stripe_session_id, account_id, plan, billing_cycle, status,
		       COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''),
		       COALESCE(url, ''), COALESCE(return_token, ''), created_at, updated_at,
		       completed_at, canceled_at, return_seen_at, expired_at
		FROM checkout_sessions
		WHERE stripe_session_id = $1
	`, stripeSessionID).Scan(
		&s.StripeSessionID, &s.AccountID, &s.Plan, &s.BillingCycle, &s.Status,
		&s.StripeCustomerID, &s.StripeSubscriptionID,
		&s.URL, &s.ReturnToken, &s.CreatedAt, &s.UpdatedAt,
		&s.CompletedAt, &s.CanceledAt, &s.ReturnSeenAt, &s.ExpiredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return CheckoutSession{}, ErrNotFound
	}
	return s, err
}
