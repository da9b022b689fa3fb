package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kovalyow/payment-ledger/internal/models"
)

// IdempotencyRepository stores the key -> outcome state machine
// (in_progress -> success|failed, terminal states immutable). The Tx methods
// run inside the caller's transaction and rely on its boundary for atomicity;
// MarkFailed and ReapStale commit on their own.
type IdempotencyRepository interface {
	GetTx(ctx context.Context, tx *sql.Tx, key string) (*models.IdempotencyRecord, error)
	InsertInProgressTx(ctx context.Context, tx *sql.Tx, key string, userID int64) error
	MarkSuccessTx(ctx context.Context, tx *sql.Tx, key string, response []byte) error

	// MarkFailed durably records a failed attempt for the key. It never
	// overwrites a success record.
	MarkFailed(ctx context.Context, key string, userID int64) error

	// ReapStale marks in_progress records older than the window as failed
	// and returns how many were reaped.
	ReapStale(ctx context.Context, olderThan time.Duration) (int64, error)
}
