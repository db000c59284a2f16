package repository

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/loyalty-scan/internal/model"
)

type balanceKey struct {
	customerID uuid.UUID
	businessID string
}

// MemoryRepository хранит данные в памяти процесса. Транзакции выполняются под эксклюзивной
// блокировкой и откатываются восстановлением снимка состояния.
type MemoryRepository struct {
	mu         sync.RWMutex
	businesses map[string]model.Business
	codes      map[string]model.RedeemableCode
	events     []model.ScanEvent
	balances   map[balanceKey]model.LoyaltyBalance
	now        func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		businesses: make(map[string]model.Business),
		codes:      make(map[string]model.RedeemableCode),
		balances:   make(map[balanceKey]model.LoyaltyBalance),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error { return nil }

// PutBusiness добавляет или заменяет заведение.
func (r *MemoryRepository) PutBusiness(b model.Business) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.businesses[b.ID] = b
}

// PutCode добавляет или заменяет код.
func (r *MemoryRepository) PutCode(c model.RedeemableCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Synthesized = false
	r.codes[c.ID] = c
}

// Events возвращает копию журнала событий сканирования в порядке записи.
func (r *MemoryRepository) Events() []model.ScanEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ScanEvent, len(r.events))
	copy(out, r.events)
	return out
}

// GetCode возвращает код по идентификатору.
func (r *MemoryRepository) GetCode(_ context.Context, id string) (*model.RedeemableCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// GetBusiness возвращает заведение по идентификатору.
func (r *MemoryRepository) GetBusiness(_ context.Context, id string) (*model.Business, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.businesses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

// FindScanByIdempotencyKey возвращает событие, записанное с указанным ключом.
func (r *MemoryRepository) FindScanByIdempotencyKey(_ context.Context, key string) (*model.ScanEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ev := range r.events {
		if ev.IdempotencyKey != nil && *ev.IdempotencyKey == key {
			return &ev, nil
		}
	}
	return nil, ErrNotFound
}

// GetBalance возвращает баланс клиента в заведении.
func (r *MemoryRepository) GetBalance(_ context.Context, customerID uuid.UUID, businessID string) (*model.LoyaltyBalance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.balances[balanceKey{customerID, businessID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

// RecentScans возвращает последние сканирования клиента, начиная с самых новых.
func (r *MemoryRepository) RecentScans(_ context.Context, customerID uuid.UUID, limit int) ([]model.RecentScanRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.RecentScanRecord
	for i := len(r.events) - 1; i >= 0 && len(res) < limit; i-- {
		ev := r.events[i]
		if ev.CustomerID == nil || *ev.CustomerID != customerID {
			continue
		}
		res = append(res, model.RecentScanRecord{
			BusinessName: r.businesses[ev.BusinessID].Name,
			PointsEarned: ev.PointsAwarded,
			ScannedAt:    ev.CreatedAt,
		})
	}
	return res, nil
}

// FindMismatches сверяет балансы с суммами начислений по событиям.
func (r *MemoryRepository) FindMismatches(_ context.Context) ([]model.Mismatch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := make(map[balanceKey]int64)
	for _, ev := range r.events {
		if ev.CustomerID == nil {
			continue
		}
		totals[balanceKey{*ev.CustomerID, ev.BusinessID}] += ev.PointsAwarded
	}

	keys := make(map[balanceKey]struct{}, len(totals)+len(r.balances))
	for k := range totals {
		keys[k] = struct{}{}
	}
	for k := range r.balances {
		keys[k] = struct{}{}
	}

	var res []model.Mismatch
	for k := range keys {
		balance := r.balances[k].Points
		if balance != totals[k] {
			res = append(res, model.Mismatch{
				CustomerID:  k.customerID,
				BusinessID:  k.businessID,
				Balance:     balance,
				EventsTotal: totals[k],
			})
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].BusinessID != res[j].BusinessID {
			return res[i].BusinessID < res[j].BusinessID
		}
		return res[i].CustomerID.String() < res[j].CustomerID.String()
	})
	return res, nil
}

// InTx выполняет fn под эксклюзивной блокировкой. При ошибке состояние восстанавливается.
func (r *MemoryRepository) InTx(ctx context.Context, fn TxFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	codes := maps.Clone(r.codes)
	balances := maps.Clone(r.balances)
	events := len(r.events)

	if err := fn(ctx, &memoryTx{r: r}); err != nil {
		r.codes = codes
		r.balances = balances
		r.events = r.events[:events]
		return err
	}
	return nil
}

// memoryTx работает с состоянием напрямую: блокировка уже захвачена в InTx.
type memoryTx struct {
	r *MemoryRepository
}

func (t *memoryTx) EnsureCode(_ context.Context, code *model.RedeemableCode) error {
	if _, ok := t.r.codes[code.ID]; ok {
		return nil
	}
	if _, ok := t.r.businesses[code.BusinessID]; !ok {
		return fmt.Errorf("%w: business %s", ErrNotFound, code.BusinessID)
	}
	c := *code
	c.Synthesized = false
	c.CurrentScans = 0
	t.r.codes[c.ID] = c
	return nil
}

func (t *memoryTx) IncrementScans(_ context.Context, codeID string) (int, error) {
	c, ok := t.r.codes[codeID]
	if !ok {
		return 0, ErrNotFound
	}
	if !c.IsActive {
		return 0, ErrCodeInactive
	}
	if c.LimitReached() {
		return 0, ErrLimitReached
	}
	c.CurrentScans++
	t.r.codes[codeID] = c
	return c.CurrentScans, nil
}

func (t *memoryTx) CountRedemptions(_ context.Context, codeID string, customerID uuid.UUID) (int, error) {
	n := 0
	for _, ev := range t.r.events {
		if ev.CodeID == codeID && ev.CustomerID != nil && *ev.CustomerID == customerID {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) InsertScanEvent(_ context.Context, ev *model.ScanEvent) error {
	if _, ok := t.r.codes[ev.CodeID]; !ok {
		return fmt.Errorf("%w: code %s", ErrNotFound, ev.CodeID)
	}
	if ev.IdempotencyKey != nil {
		for _, existing := range t.r.events {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *ev.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	ev.CreatedAt = t.r.now()
	t.r.events = append(t.r.events, *ev)
	return nil
}

func (t *memoryTx) CreditBalance(_ context.Context, customerID uuid.UUID, businessID string, amount int64) (int64, error) {
	k := balanceKey{customerID, businessID}
	b, ok := t.r.balances[k]
	if !ok {
		b = model.LoyaltyBalance{CustomerID: customerID, BusinessID: businessID}
	}
	b.Points += amount
	b.UpdatedAt = t.r.now()
	t.r.balances[k] = b
	return b.Points, nil
}
