package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	stderrors "errors"

	"github.com/kovalyow/payment-ledger/internal/infrastructure/kafka"
	"github.com/kovalyow/payment-ledger/internal/infrastructure/observability"
	"github.com/kovalyow/payment-ledger/internal/infrastructure/redis"
	"github.com/kovalyow/payment-ledger/internal/models"
	"github.com/kovalyow/payment-ledger/internal/repository"
	pkgerrors "github.com/kovalyow/payment-ledger/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const balanceCacheTTL = 5 * time.Minute

type LedgerService interface {
	Transfer(ctx context.Context, fromID, toID, amount int64, idempotencyKey string) (*models.Payment, bool, error)
	History(ctx context.Context, userID int64, before *time.Time) ([]models.Payment, *time.Time, error)
	CreateAccount(ctx context.Context) (*models.Account, error)
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
}

type ledgerService struct {
	accountRepo     repository.AccountRepository
	paymentRepo     repository.PaymentRepository
	redisClient     redis.RedisClient
	kafkaProducer   kafka.KafkaProducer
	historyPageSize int
}

func NewLedgerService(
	accountRepo repository.AccountRepository,
	paymentRepo repository.PaymentRepository,
	redisClient redis.RedisClient,
	kafkaProducer kafka.KafkaProducer,
	historyPageSize int,
) *ledgerService {
	return &ledgerService{
		accountRepo:     accountRepo,
		paymentRepo:     paymentRepo,
		redisClient:     redisClient,
		kafkaProducer:   kafkaProducer,
		historyPageSize: historyPageSize,
	}
}

func (s *ledgerService) Transfer(ctx context.Context, fromID, toID, amount int64, idempotencyKey string) (*models.Payment, bool, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Transfer")
	defer span.End()

	if amount <= 0 {
		slog.Warn("invalid transfer amount", "amount", amount)
		span.SetStatus(codes.Error, "invalid amount")
		observability.TransfersTotal.WithLabelValues("invalid_input").Inc()
		return nil, false, pkgerrors.ErrInvalidInput
	}
	if fromID == toID {
		slog.Warn("transfer to the same account rejected", "account_id", fromID)
		span.SetStatus(codes.Error, "same account")
		observability.TransfersTotal.WithLabelValues("same_account").Inc()
		return nil, false, pkgerrors.ErrSameAccount
	}

	// The unit of work must finish even if the caller disconnects, so it is
	// not tied to the request's cancellation.
	payment, replayed, err := s.paymentRepo.ExecuteTransfer(context.WithoutCancel(ctx), fromID, toID, amount, idempotencyKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer failed")
		observability.TransfersTotal.WithLabelValues(transferOutcome(err)).Inc()
		return nil, false, err
	}

	if replayed {
		observability.TransfersTotal.WithLabelValues("replayed").Inc()
		return payment, true, nil
	}

	observability.TransfersTotal.WithLabelValues("created").Inc()
	s.invalidateBalance(ctx, fromID)
	s.invalidateBalance(ctx, toID)
	s.publishPaymentEvent(payment)

	slog.Info("transfer succeeded",
		"payment_id", payment.ID, "from_id", fromID, "to_id", toID, "amount", amount)
	return payment, false, nil
}

func (s *ledgerService) History(ctx context.Context, userID int64, before *time.Time) ([]models.Payment, *time.Time, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "History")
	defer span.End()

	payments, err := s.paymentRepo.History(ctx, userID, before, s.historyPageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history query failed")
		slog.Error("failed to get payment history", "user_id", userID, "error", err)
		return nil, nil, err
	}

	// Keyset cursor: the oldest row of this page bounds the next one. An
	// empty page echoes the input cursor so the caller can tell end of
	// history apart from an error.
	next := before
	if len(payments) > 0 {
		oldest := payments[len(payments)-1].CreatedAt
		next = &oldest
	}

	slog.Info("payment history retrieved", "user_id", userID, "count", len(payments))
	return payments, next, nil
}

func (s *ledgerService) CreateAccount(ctx context.Context) (*models.Account, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "CreateAccount")
	defer span.End()

	account, err := s.accountRepo.Create(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "account creation failed")
		return nil, err
	}
	return account, nil
}

func (s *ledgerService) GetAccount(ctx context.Context, id int64) (*models.Account, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "GetAccount")
	defer span.End()

	cacheKey := balanceCacheKey(id)
	if cached, err := s.redisClient.Get(ctx, cacheKey); err == nil {
		balance, parseErr := strconv.ParseInt(cached, 10, 64)
		if parseErr == nil {
			return &models.Account{ID: id, Balance: balance}, nil
		}
		slog.Error("failed to parse cached balance", "account_id", id, "value", cached)
	} else if !stderrors.Is(err, redis.ErrKeyNotFound) {
		slog.Error("failed to read balance cache", "account_id", id, "error", err)
	}

	account, err := s.accountRepo.GetByID(ctx, id)
	if err != nil {
		if !stderrors.Is(err, pkgerrors.ErrAccountNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "account lookup failed")
		}
		return nil, err
	}

	if err := s.redisClient.Set(ctx, cacheKey, account.Balance, balanceCacheTTL); err != nil {
		slog.Error("failed to cache balance", "account_id", id, "error", err)
	}
	return account, nil
}

func (s *ledgerService) invalidateBalance(ctx context.Context, accountID int64) {
	if err := s.redisClient.Del(ctx, balanceCacheKey(accountID)); err != nil {
		slog.Error("failed to invalidate balance cache", "account_id", accountID, "error", err)
	}
}

// publishPaymentEvent emits the committed payment to the payments topic.
// Publishing is best-effort: the transfer is already durable and a delivery
// failure must not surface to the caller.
func (s *ledgerService) publishPaymentEvent(payment *models.Payment) {
	event := map[string]interface{}{
		"event_type": "payment_created",
		"payment_id": payment.ID,
		"from_id":    payment.FromID,
		"to_id":      payment.ToID,
		"amount":     payment.Amount,
		"created_at": payment.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal payment event", "payment_id", payment.ID, "error", err)
		return
	}

	go func() {
		retries := 3
		for i := 0; i < retries; i++ {
			if err := s.kafkaProducer.Send(context.Background(), "payments", payment.ID, eventBytes); err == nil {
				return
			}
			time.Sleep(time.Second * time.Duration(i+1))
		}
		slog.Error("failed to send payment event after retries", "payment_id", payment.ID)
	}()
}

func balanceCacheKey(accountID int64) string {
	return fmt.Sprintf("account:%d:balance", accountID)
}

func transferOutcome(err error) string {
	switch {
	case stderrors.Is(err, pkgerrors.ErrFromAccountNotFound),
		stderrors.Is(err, pkgerrors.ErrToAccountNotFound):
		return "account_not_found"
	case stderrors.Is(err, pkgerrors.ErrInsufficientFunds):
		return "insufficient_funds"
	case stderrors.Is(err, pkgerrors.ErrRequestInProgress):
		return "request_in_progress"
	case stderrors.Is(err, pkgerrors.ErrRequestFailed):
		return "request_failed"
	default:
		return "error"
	}
}
