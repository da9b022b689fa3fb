package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kovalyow/payment-ledger/internal/infrastructure/observability"
	"github.com/kovalyow/payment-ledger/internal/models"
)

type PostgresIdempotencyRepository struct {
	db *sql.DB
}

func NewPostgresIdempotencyRepository(db *sql.DB) *PostgresIdempotencyRepository {
	return &PostgresIdempotencyRepository{db: db}
}

// GetTx looks up a key inside the caller's transaction. Returns (nil, nil)
// when the key has never been seen.
func (r *PostgresIdempotencyRepository) GetTx(ctx context.Context, tx *sql.Tx, key string) (*models.IdempotencyRecord, error) {
	query := `SELECT key, user_id, status, response, created_at FROM idempotency_keys WHERE key = $1`

	var rec models.IdempotencyRecord
	var response sql.NullString
	err := tx.QueryRowContext(ctx, query, key).Scan(&rec.Key, &rec.UserID, &rec.Status, &response, &rec.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	if response.Valid {
		rec.Response = []byte(response.String)
	}
	return &rec, nil
}

func (r *PostgresIdempotencyRepository) InsertInProgressTx(ctx context.Context, tx *sql.Tx, key string, userID int64) error {
	query := `INSERT INTO idempotency_keys (key, user_id, status) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, query, key, userID, models.StatusInProgress); err != nil {
		return fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	return nil
}

func (r *PostgresIdempotencyRepository) MarkSuccessTx(ctx context.Context, tx *sql.Tx, key string, response []byte) error {
	query := `UPDATE idempotency_keys SET status = $1, response = $2 WHERE key = $3 AND status = $4`
	res, err := tx.ExecContext(ctx, query, models.StatusSuccess, response, key, models.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to mark idempotency record success: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark idempotency record success: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("idempotency record for key %q is not in progress", key)
	}
	return nil
}

// MarkFailed runs outside any transfer transaction: the reservation row may
// have been rolled back with the rest of the unit of work, so this upserts.
// A success record is never overwritten.
func (r *PostgresIdempotencyRepository) MarkFailed(ctx context.Context, key string, userID int64) error {
	query := `
		INSERT INTO idempotency_keys (key, user_id, status) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET status = $3
		WHERE idempotency_keys.status = $4`
	if _, err := r.db.ExecContext(ctx, query, key, userID, models.StatusFailed, models.StatusInProgress); err != nil {
		return fmt.Errorf("failed to mark idempotency record failed: %w", err)
	}
	return nil
}

// ReapStale resolves orphaned reservations left behind by a crash between
// insertion and finalization: any in_progress record older than the window
// is moved to the terminal failed state.
func (r *PostgresIdempotencyRepository) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	var err error
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		observability.RepositoryCalls.WithLabelValues("ReapStaleIdempotencyKeys", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ReapStaleIdempotencyKeys").Observe(time.Since(start).Seconds())
	}()

	query := `UPDATE idempotency_keys SET status = $1 WHERE status = $2 AND created_at < now() - $3::interval`
	interval := fmt.Sprintf("%d seconds", int64(olderThan.Seconds()))
	res, err := r.db.ExecContext(ctx, query, models.StatusFailed, models.StatusInProgress, interval)
	if err != nil {
		slog.Error("failed to reap stale idempotency keys", "method", "ReapStale", "error", err)
		return 0, fmt.Errorf("failed to reap stale idempotency keys: %w", err)
	}
	reaped, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale idempotency keys: %w", err)
	}
	if reaped > 0 {
		observability.IdempotencyReaped.Add(float64(reaped))
		slog.Info("stale idempotency keys reaped", "method", "ReapStale", "count", reaped)
	}
	return reaped, nil
}
