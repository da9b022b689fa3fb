package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/kovalyow/payment-ledger/internal/repository"
)

// StaleKeyReaper resolves idempotency keys orphaned in_progress by a crash
// between reservation and finalization: anything older than staleAfter is
// marked failed, so the caller learns to retry with a fresh key.
type StaleKeyReaper struct {
	repo       repository.IdempotencyRepository
	staleAfter time.Duration
	interval   time.Duration
}

func NewStaleKeyReaper(repo repository.IdempotencyRepository, staleAfter, interval time.Duration) *StaleKeyReaper {
	return &StaleKeyReaper{repo: repo, staleAfter: staleAfter, interval: interval}
}

func (r *StaleKeyReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("stale idempotency key reaper started",
		"stale_after", r.staleAfter, "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale idempotency key reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.repo.ReapStale(ctx, r.staleAfter); err != nil {
				slog.Error("idempotency reap pass failed", "error", err)
			}
		}
	}
}
