package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kovalyow/payment-ledger/internal/infrastructure/observability"
	"github.com/kovalyow/payment-ledger/internal/models"
	repo "github.com/kovalyow/payment-ledger/internal/repository"
	pkgerrors "github.com/kovalyow/payment-ledger/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ledgerLockID is the advisory lock id shared by every transfer transaction.
// Taking it as the first statement serializes transfers end to end, so the
// guarded debit below can never race another writer.
const ledgerLockID = 0x4c454447

type PostgresPaymentRepository struct {
	db          *sql.DB
	idempotency repo.IdempotencyRepository
}

func NewPostgresPaymentRepository(db *sql.DB, idempotency repo.IdempotencyRepository) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{db: db, idempotency: idempotency}
}

func (r *PostgresPaymentRepository) ExecuteTransfer(ctx context.Context, fromID, toID, amount int64, idempotencyKey string) (*models.Payment, bool, error) {
	var err error
	tracer := otel.Tracer("payment-repository")
	ctx, span := tracer.Start(ctx, "ExecuteTransfer")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("from_id", fromID),
		attribute.Int64("to_id", toID),
		attribute.Int64("amount", amount),
		attribute.Bool("idempotent", idempotencyKey != ""),
	)

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("ExecuteTransfer", status).Inc()
		observability.RepositoryDuration.WithLabelValues("ExecuteTransfer").Observe(time.Since(start).Seconds())
	}()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "ExecuteTransfer", "error", err)
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	reserved := false

	// fail rolls back the whole unit of work and, when this call reserved
	// the idempotency key, records the terminal failed state as a separate
	// best-effort step so the key is not stuck in_progress.
	fail := func(cause error) (*models.Payment, bool, error) {
		err = cause
		if rbErr := tx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("rollback failed", "method", "ExecuteTransfer", "error", rbErr)
		}
		if reserved {
			if mfErr := r.idempotency.MarkFailed(context.WithoutCancel(ctx), idempotencyKey, fromID); mfErr != nil {
				slog.Error("failed to finalize idempotency key after rollback",
					"method", "ExecuteTransfer", "key", idempotencyKey, "error", mfErr)
			}
		}
		return nil, false, cause
	}

	// Serializes this transfer against all others for the duration of the
	// transaction, released automatically at commit or rollback.
	if _, lockErr := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockID); lockErr != nil {
		return fail(fmt.Errorf("failed to acquire ledger lock: %w", lockErr))
	}

	if idempotencyKey != "" {
		rec, getErr := r.idempotency.GetTx(ctx, tx, idempotencyKey)
		if getErr != nil {
			return fail(getErr)
		}
		if rec != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Error("rollback failed", "method", "ExecuteTransfer", "error", rbErr)
			}
			switch rec.Status {
			case models.StatusSuccess:
				var replay models.Payment
				if umErr := json.Unmarshal(rec.Response, &replay); umErr != nil {
					err = fmt.Errorf("failed to decode stored response for key %q: %w", idempotencyKey, umErr)
					return nil, false, err
				}
				slog.Info("idempotent replay served", "method", "ExecuteTransfer",
					"key", idempotencyKey, "payment_id", replay.ID)
				return &replay, true, nil
			case models.StatusInProgress:
				err = pkgerrors.ErrRequestInProgress
				return nil, false, err
			default:
				err = pkgerrors.ErrRequestFailed
				return nil, false, err
			}
		}
		if insErr := r.idempotency.InsertInProgressTx(ctx, tx, idempotencyKey, fromID); insErr != nil {
			return fail(insErr)
		}
		reserved = true
	}

	var exists bool
	if scanErr := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, fromID).Scan(&exists); scanErr != nil {
		return fail(fmt.Errorf("failed to check sender account: %w", scanErr))
	}
	if !exists {
		slog.Warn("sender account not found", "method", "ExecuteTransfer", "from_id", fromID)
		return fail(pkgerrors.ErrFromAccountNotFound)
	}
	if scanErr := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, toID).Scan(&exists); scanErr != nil {
		return fail(fmt.Errorf("failed to check receiver account: %w", scanErr))
	}
	if !exists {
		slog.Warn("receiver account not found", "method", "ExecuteTransfer", "to_id", toID)
		return fail(pkgerrors.ErrToAccountNotFound)
	}

	// Guarded debit: comparison and mutation are one indivisible statement,
	// zero affected rows means the balance could not cover the amount.
	res, debitErr := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - $1 WHERE id = $2 AND balance >= $1`,
		amount, fromID)
	if debitErr != nil {
		return fail(fmt.Errorf("failed to debit sender: %w", debitErr))
	}
	affected, affErr := res.RowsAffected()
	if affErr != nil {
		return fail(fmt.Errorf("failed to debit sender: %w", affErr))
	}
	if affected == 0 {
		slog.Warn("insufficient funds", "method", "ExecuteTransfer", "from_id", fromID, "amount", amount)
		return fail(pkgerrors.ErrInsufficientFunds)
	}

	if _, creditErr := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance + $1 WHERE id = $2`,
		amount, toID); creditErr != nil {
		return fail(fmt.Errorf("failed to credit receiver: %w", creditErr))
	}

	payment := models.Payment{FromID: fromID, ToID: toID, Amount: amount}
	if insErr := tx.QueryRowContext(ctx,
		`INSERT INTO payments (from_id, to_id, amount) VALUES ($1, $2, $3) RETURNING id, created_at`,
		fromID, toID, amount).Scan(&payment.ID, &payment.CreatedAt); insErr != nil {
		return fail(fmt.Errorf("failed to insert payment: %w", insErr))
	}

	if idempotencyKey != "" {
		snapshot, mErr := json.Marshal(payment)
		if mErr != nil {
			return fail(fmt.Errorf("failed to serialize payment snapshot: %w", mErr))
		}
		if msErr := r.idempotency.MarkSuccessTx(ctx, tx, idempotencyKey, snapshot); msErr != nil {
			return fail(msErr)
		}
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fail(fmt.Errorf("failed to commit transfer: %w", commitErr))
	}

	slog.Info("transfer completed", "method", "ExecuteTransfer",
		"payment_id", payment.ID, "from_id", fromID, "to_id", toID, "amount", amount)
	return &payment, false, nil
}

func (r *PostgresPaymentRepository) History(ctx context.Context, userID int64, before *time.Time, limit int) ([]models.Payment, error) {
	var err error
	tracer := otel.Tracer("payment-repository")
	ctx, span := tracer.Start(ctx, "PaymentHistory")
	span.SetAttributes(attribute.Int64("user_id", userID), attribute.Int("limit", limit))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("PaymentHistory", status).Inc()
		observability.RepositoryDuration.WithLabelValues("PaymentHistory").Observe(time.Since(start).Seconds())
	}()

	var rows *sql.Rows
	if before != nil {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, from_id, to_id, amount, created_at
			FROM payments
			WHERE (from_id = $1 OR to_id = $1) AND created_at < $2
			ORDER BY created_at DESC
			LIMIT $3`, userID, *before, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, from_id, to_id, amount, created_at
			FROM payments
			WHERE (from_id = $1 OR to_id = $1)
			ORDER BY created_at DESC
			LIMIT $2`, userID, limit)
	}
	if err != nil {
		slog.Error("failed to query payment history", "method", "History", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to query payment history: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		if err = rows.Scan(&p.ID, &p.FromID, &p.ToID, &p.Amount, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payment history: %w", err)
	}
	return payments, nil
}
