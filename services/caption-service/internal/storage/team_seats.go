package storage

import (
	"context"
	"time"

	"github.com/captionforge/captionforge/libs/db"
)

type Seat struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	InvitedBy string    `json:"invited_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Repository) ListSeats(ctx context.Context, accountID string) ([]Seat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, account_id, email, role, invited_by, created_at
		FROM team_seats
		WHERE account_id = $1
		ORDER BY created_at ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Seat{}
	for rows.Next() {
		var s Seat
		if err := rows.Scan(&s.ID, &s.AccountID, &s.Email, &s.Role, &s.InvitedBy, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateSeat inserts s when allow accepts the number of seats already taken.
func (r *Repository) CreateSeat(ctx context.Context, s Seat, allow func(held int) bool) (Seat, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Seat{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockAccount(ctx, tx, "team_seats", s.AccountID); err != nil {
		return Seat{}, err
	}
	var held int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM team_seats WHERE account_id = $1`, s.AccountID).Scan(&held); err != nil {
		return Seat{}, err
	}
	if !allow(held) {
		return Seat{}, ErrLimitReached
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO team_seats (id, account_id, email, role, invited_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, s.ID, s.AccountID, s.Email, s.Role, s.InvitedBy).Scan(&s.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Seat{}, ErrDuplicate
		}
		return Seat{}, err
	}
	return s, tx.Commit(ctx)
}
