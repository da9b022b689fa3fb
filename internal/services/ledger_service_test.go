package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kovalyow/payment-ledger/internal/infrastructure/redis"
	"github.com/kovalyow/payment-ledger/internal/models"
	pkgerrors "github.com/kovalyow/payment-ledger/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// memLedger is an in-memory stand-in for the Postgres repositories with the
// same transfer semantics: serialized execution, guarded debit, idempotency
// state machine, keyset history.
type memLedger struct {
	mu       sync.Mutex
	balances map[int64]int64
	payments []models.Payment
	idem     map[string]*models.IdempotencyRecord
	nextID   int64
	clock    time.Time
	getCalls int
}

func newMemLedger(balances map[int64]int64) *memLedger {
	return &memLedger{
		balances: balances,
		idem:     make(map[string]*models.IdempotencyRecord),
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memLedger) Create(ctx context.Context) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID + 1000
	m.balances[id] = 0
	return &models.Account{ID: id}, nil
}

func (m *memLedger) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	balance, ok := m.balances[id]
	if !ok {
		return nil, pkgerrors.ErrAccountNotFound
	}
	return &models.Account{ID: id, Balance: balance}, nil
}

func (m *memLedger) ExecuteTransfer(ctx context.Context, fromID, toID, amount int64, key string) (*models.Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if key != "" {
		if rec, ok := m.idem[key]; ok {
			switch rec.Status {
			case models.StatusSuccess:
				var replay models.Payment
				if err := json.Unmarshal(rec.Response, &replay); err != nil {
					return nil, false, err
				}
				return &replay, true, nil
			case models.StatusInProgress:
				return nil, false, pkgerrors.ErrRequestInProgress
			default:
				return nil, false, pkgerrors.ErrRequestFailed
			}
		}
	}
	if _, ok := m.balances[fromID]; !ok {
		return nil, false, pkgerrors.ErrFromAccountNotFound
	}
	if _, ok := m.balances[toID]; !ok {
		return nil, false, pkgerrors.ErrToAccountNotFound
	}
	if m.balances[fromID] < amount {
		if key != "" {
			m.idem[key] = &models.IdempotencyRecord{Key: key, Status: models.StatusFailed}
		}
		return nil, false, pkgerrors.ErrInsufficientFunds
	}

	m.balances[fromID] -= amount
	m.balances[toID] += amount
	m.nextID++
	m.clock = m.clock.Add(time.Second)
	payment := models.Payment{
		ID: m.nextID, FromID: fromID, ToID: toID, Amount: amount, CreatedAt: m.clock,
	}
	m.payments = append(m.payments, payment)
	if key != "" {
		snapshot, _ := json.Marshal(payment)
		m.idem[key] = &models.IdempotencyRecord{
			Key: key, UserID: fromID, Status: models.StatusSuccess, Response: snapshot,
		}
	}
	return &payment, false, nil
}

func (m *memLedger) History(ctx context.Context, userID int64, before *time.Time, limit int) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Payment
	for i := len(m.payments) - 1; i >= 0 && len(out) < limit; i-- {
		p := m.payments[i]
		if p.FromID != userID && p.ToID != userID {
			continue
		}
		if before != nil && !p.CreatedAt.Before(*before) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *memLedger) sum() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, b := range m.balances {
		total += b
	}
	return total
}

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", redis.ErrKeyNotFound
	}
	return v, nil
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = fmt.Sprintf("%v", value)
	return nil
}

func (f *fakeRedis) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeRedis) Close() error { return nil }

type fakeProducer struct {
	mu   sync.Mutex
	sent []int64
}

func (f *fakeProducer) Send(ctx context.Context, topic string, key int64, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, key)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestService(ledger *memLedger, pageSize int) (*ledgerService, *fakeRedis, *fakeProducer) {
	cache := newFakeRedis()
	producer := &fakeProducer{}
	return NewLedgerService(ledger, ledger, cache, producer, pageSize), cache, producer
}

func TestLedgerService_Transfer_Validation(t *testing.T) {
	ledger := newMemLedger(map[int64]int64{1: 100, 2: 0})
	svc, _, _ := newTestService(ledger, 10)
	ctx := context.Background()

	t.Run("ZeroAmount", func(t *testing.T) {
		_, _, err := svc.Transfer(ctx, 1, 2, 0, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		_, _, err := svc.Transfer(ctx, 1, 2, -5, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})

	t.Run("SameAccount", func(t *testing.T) {
		_, _, err := svc.Transfer(ctx, 1, 1, 10, "")
		assert.ErrorIs(t, err, pkgerrors.ErrSameAccount)
	})

	// validation failures never touch stored state
	assert.Equal(t, int64(100), ledger.balances[1])
	assert.Empty(t, ledger.payments)
}

func TestLedgerService_Transfer_ConservationAndReplay(t *testing.T) {
	ledger := newMemLedger(map[int64]int64{1: 100, 2: 0})
	svc, _, _ := newTestService(ledger, 10)
	ctx := context.Background()

	payment, replayed, err := svc.Transfer(ctx, 1, 2, 40, "key-1")
	assert.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, int64(60), ledger.balances[1])
	assert.Equal(t, int64(40), ledger.balances[2])
	assert.Equal(t, int64(100), ledger.sum())

	_, _, err = svc.Transfer(ctx, 1, 2, 1000, "")
	assert.ErrorIs(t, err, pkgerrors.ErrInsufficientFunds)
	assert.Equal(t, int64(60), ledger.balances[1])
	assert.Equal(t, int64(40), ledger.balances[2])

	// replay returns the original payment and applies no second debit
	replay, replayed, err := svc.Transfer(ctx, 1, 2, 40, "key-1")
	assert.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, payment, replay)
	assert.Equal(t, int64(60), ledger.balances[1])
	assert.Len(t, ledger.payments, 1)
}

func TestLedgerService_Transfer_TerminalFailedKey(t *testing.T) {
	ledger := newMemLedger(map[int64]int64{1: 10, 2: 0})
	svc, _, _ := newTestService(ledger, 10)
	ctx := context.Background()

	_, _, err := svc.Transfer(ctx, 1, 2, 50, "key-1")
	assert.ErrorIs(t, err, pkgerrors.ErrInsufficientFunds)

	// the key is terminal: even a now-affordable retry is refused
	_, _, err = svc.Transfer(ctx, 1, 2, 5, "key-1")
	assert.ErrorIs(t, err, pkgerrors.ErrRequestFailed)
	assert.Equal(t, int64(10), ledger.balances[1])
}

func TestLedgerService_Transfer_PublishesEventAndInvalidatesCache(t *testing.T) {
	ledger := newMemLedger(map[int64]int64{1: 100, 2: 0})
	svc, cache, producer := newTestService(ledger, 10)
	ctx := context.Background()

	// warm the balance cache for both parties
	_, err := svc.GetAccount(ctx, 1)
	assert.NoError(t, err)
	_, err = svc.GetAccount(ctx, 2)
	assert.NoError(t, err)

	_, _, err = svc.Transfer(ctx, 1, 2, 40, "")
	assert.NoError(t, err)

	_, cached1 := cache.data["account:1:balance"]
	_, cached2 := cache.data["account:2:balance"]
	assert.False(t, cached1)
	assert.False(t, cached2)

	assert.Eventually(t, func() bool { return producer.count() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestLedgerService_GetAccount_CachesBalance(t *testing.T) {
	ledger := newMemLedger(map[int64]int64{1: 75})
	svc, _, _ := newTestService(ledger, 10)
	ctx := context.Background()

	first, err := svc.GetAccount(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, int64(75), first.Balance)

	second, err := svc.GetAccount(ctx, 1)
	assert.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, ledger.getCalls)

	_, err = svc.GetAccount(ctx, 404)
	assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
}

func TestLedgerService_History_PaginationWalk(t *testing.T) {
	ledger := newMemLedger(map[int64]int64{1: 1000, 2: 0})
	svc, _, _ := newTestService(ledger, 3)
	ctx := context.Background()

	total := 7
	for i := 0; i < total; i++ {
		_, _, err := svc.Transfer(ctx, 1, 2, 10, "")
		assert.NoError(t, err)
	}

	// walking decreasing cursors yields the full set, newest first, with no
	// duplicates and no gaps
	seen := make(map[int64]bool)
	var cursor *time.Time
	var last *time.Time
	for {
		items, next, err := svc.History(ctx, 1, cursor)
		assert.NoError(t, err)
		if len(items) == 0 {
			// end of history echoes the input cursor
			assert.Equal(t, cursor, next)
			break
		}
		for _, p := range items {
			assert.False(t, seen[p.ID], "payment %d returned twice", p.ID)
			seen[p.ID] = true
			if last != nil {
				assert.True(t, p.CreatedAt.Before(*last), "order must be strictly descending")
			}
			ts := p.CreatedAt
			last = &ts
		}
		assert.Equal(t, items[len(items)-1].CreatedAt, *next)
		cursor = next
	}
	assert.Len(t, seen, total)
}

func TestLedgerService_History_EmptyWithoutCursor(t *testing.T) {
	ledger := newMemLedger(map[int64]int64{1: 100})
	svc, _, _ := newTestService(ledger, 3)

	items, next, err := svc.History(context.Background(), 1, nil)
	assert.NoError(t, err)
	assert.Empty(t, items)
	assert.Nil(t, next)
}

func TestLedgerService_Transfer_ConcurrentNoOverdraft(t *testing.T) {
	ledger := newMemLedger(map[int64]int64{1: 50, 2: 0})
	svc, _, _ := newTestService(ledger, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Transfer(ctx, 1, 2, 10, "")
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, ledger.balances[1], int64(0))
	assert.Equal(t, int64(50), ledger.sum())
	assert.Len(t, ledger.payments, 5)
}
