package storage

import (
	"context"
	"errors"
	"time"

	"github.com/captionforge/captionforge/libs/db"
	"github.com/captionforge/captionforge/libs/events"
	"github.com/captionforge/captionforge/libs/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrLimitReached = errors.New("limit reached")
	ErrDuplicate    = errors.New("already exists")
)

type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool, outboxRepo *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: outboxRepo}
}

type Caption struct {
	ID             string
	AccountID      string
	Topic          string
	Platform       string
	Tone           string
	VoiceProfileID string
	Variations     []string
	Hashtags       []string
	CreatedAt      time.Time
}

// CreateCaption stores c and queues its captions.generated event in one transaction,
// so usage is counted exactly for the generations that were saved.
func (r *Repository) CreateCaption(ctx context.Context, c Caption) error {
	evt, err := outbox.NewEvent("caption", c.ID, events.TopicCaptionsGenerated, events.CaptionsGenerated{
		AccountID:   c.AccountID,
		CaptionID:   c.ID,
		Count:       1,
		GeneratedAt: c.CreatedAt.UTC(),
	})
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var voiceID *string
	if c.VoiceProfileID != "" {
		voiceID = &c.VoiceProfileID
	}
	hashtags := c.Hashtags
	if hashtags == nil {
		hashtags = []string{}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO captions (id, account_id, topic, platform, tone, voice_profile_id, variations, hashtags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.AccountID, c.Topic, c.Platform, c.Tone, voiceID, c.Variations, hashtags, c.CreatedAt)
	if err != nil {
		return err
	}
	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type CaptionStats struct {
	Generations int            `json:"generations"`
	Variations  int            `json:"variations"`
	ByPlatform  map[string]int `json:"by_platform"`
}

// CaptionStats aggregates generations created at or after since.
func (r *Repository) CaptionStats(ctx context.Context, accountID string, since time.Time) (CaptionStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT platform, count(*), COALESCE(sum(cardinality(variations)), 0)
		FROM captions
		WHERE account_id = $1 AND created_at >= $2
		GROUP BY platform
	`, accountID, since)
	if err != nil {
		return CaptionStats{}, err
	}
	defer rows.Close()

	out := CaptionStats{ByPlatform: map[string]int{}}
	for rows.Next() {
		var (
			platform         string
			gens, variations int
		)
		if err := rows.Scan(&platform, &gens, &variations); err != nil {
			return CaptionStats{}, err
		}
		if platform == "" {
			platform = "unspecified"
		}
		out.Generations += gens
		out.Variations += variations
		out.ByPlatform[platform] += gens
	}
	return out, rows.Err()
}

// lockAccount serialises count-limited inserts for one account until tx ends.
func lockAccount(ctx context.Context, tx pgx.Tx, scope, accountID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope+":"+accountID)
	return err
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
