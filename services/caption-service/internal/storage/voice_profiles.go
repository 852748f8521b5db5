package storage

import (
	"context"
	"time"

	"github.com/captionforge/captionforge/libs/db"
)

type VoiceProfile struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *Repository) ListVoiceProfiles(ctx context.Context, accountID string) ([]VoiceProfile, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, account_id, name, description, created_at
		FROM voice_profiles
		WHERE account_id = $1
		ORDER BY created_at ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []VoiceProfile{}
	for rows.Next() {
		var vp VoiceProfile
		if err := rows.Scan(&vp.ID, &vp.AccountID, &vp.Name, &vp.Description, &vp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, vp)
	}
	return out, rows.Err()
}

func (r *Repository) GetVoiceProfile(ctx context.Context, accountID, id string) (VoiceProfile, error) {
	if !validID(id) {
		return VoiceProfile{}, ErrNotFound
	}
	var vp VoiceProfile
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, account_id, name, description, created_at
		FROM voice_profiles
		WHERE id = $1 AND account_id = $2
	`, id, accountID).Scan(&vp.ID, &vp.AccountID, &vp.Name, &vp.Description, &vp.CreatedAt)
	if db.IsNotFound(err) {
		return VoiceProfile{}, ErrNotFound
	}
	return vp, err
}

// CreateVoiceProfile inserts vp when allow accepts the number of profiles the account
// already holds. Concurrent creates for one account are serialised.
func (r *Repository) CreateVoiceProfile(ctx context.Context, vp VoiceProfile, allow func(held int) bool) (VoiceProfile, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return VoiceProfile{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockAccount(ctx, tx, "voice_profiles", vp.AccountID); err != nil {
		return VoiceProfile{}, err
	}
	var held int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM voice_profiles WHERE account_id = $1`, vp.AccountID).Scan(&held); err != nil {
		return VoiceProfile{}, err
	}
	if !allow(held) {
		return VoiceProfile{}, ErrLimitReached
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO voice_profiles (id, account_id, name, description)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, vp.ID, vp.AccountID, vp.Name, vp.Description).Scan(&vp.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return VoiceProfile{}, ErrDuplicate
		}
		return VoiceProfile{}, err
	}
	return vp, tx.Commit(ctx)
}

func (r *Repository) DeleteVoiceProfile(ctx context.Context, accountID, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM voice_profiles WHERE id = $1 AND account_id = $2`, id, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
