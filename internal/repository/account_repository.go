package repository

import (
	"context"

	"github.com/kovalyow/payment-ledger/internal/models"
)

type AccountRepository interface {
	Create(ctx context.Context) (*models.Account, error)
	GetByID(ctx context.Context, id int64) (*models.Account, error)
}
