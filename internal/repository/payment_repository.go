package repository

import (
	"context"
	"time"

	"github.com/kovalyow/payment-ledger/internal/models"
)

type PaymentRepository interface {
	// ExecuteTransfer runs one transfer as a single serialized database
	// transaction: idempotency admission, existence checks, guarded debit,
	// credit, payment insert and idempotency finalization commit together
	// or not at all. The returned bool reports whether the result is a
	// replay of a previously completed request.
	ExecuteTransfer(ctx context.Context, fromID, toID, amount int64, idempotencyKey string) (*models.Payment, bool, error)

	// History returns payments where the user is sender or receiver,
	// strictly older than before when supplied, newest first, capped at
	// limit rows.
	History(ctx context.Context, userID int64, before *time.Time, limit int) ([]models.Payment, error)
}
