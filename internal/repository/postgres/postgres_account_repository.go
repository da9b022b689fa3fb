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
	pkgerrors "github.com/kovalyow/payment-ledger/pkg/errors"
)

type PostgresAccountRepository struct {
	db *sql.DB
}

func NewPostgresAccountRepository(db *sql.DB) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

func (r *PostgresAccountRepository) Create(ctx context.Context) (*models.Account, error) {
	var err error
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		observability.RepositoryCalls.WithLabelValues("CreateAccount", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreateAccount").Observe(time.Since(start).Seconds())
	}()

	var account models.Account
	query := `INSERT INTO accounts (balance) VALUES (0) RETURNING id, balance`
	err = r.db.QueryRowContext(ctx, query).Scan(&account.ID, &account.Balance)
	if err != nil {
		slog.Error("failed to create account", "method", "Create", "error", err)
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	slog.Info("account created", "method", "Create", "account_id", account.ID)
	return &account, nil
}

func (r *PostgresAccountRepository) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	var err error
	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		observability.RepositoryCalls.WithLabelValues("GetAccountByID", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetAccountByID").Observe(time.Since(start).Seconds())
	}()

	var account models.Account
	query := `SELECT id, balance FROM accounts WHERE id = $1`
	err = r.db.QueryRowContext(ctx, query, id).Scan(&account.ID, &account.Balance)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrAccountNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get account", "method", "GetByID", "account_id", id, "error", err)
		return nil, fmt.Errorf("failed to get account by id: %w", err)
	}

	return &account, nil
}
