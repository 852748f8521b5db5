package usage

import (
	"context"
	"log/slog"
	"time"

	"github.com/captionforge/captionforge/services/billing-service/internal/storage"
)

type Sweeper struct {
	repo     *storage.Repository
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(repo *storage.Repository, logger *slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{repo: repo, logger: logger, interval: interval, now: time.Now}
}

// Run resets counters whose period has ended. Reads already roll over lazily; the sweep
// keeps stored rows honest for reporting.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.repo.RollOverExpired(ctx, s.now())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("usage rollover failed", "err", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("usage counters rolled over", "accounts", n)
	}
}
