package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mmeshcher/loyalty-scan/internal/model"
	"github.com/mmeshcher/loyalty-scan/internal/repository"
)

// Recorder фиксирует погашение: увеличивает счётчик кода и добавляет событие сканирования.
type Recorder struct {
	maxPerCustomer int
}

// NewRecorder создаёт Recorder. maxPerCustomer=0 снимает ограничение на число погашений
// одного кода одним клиентом.
func NewRecorder(maxPerCustomer int) *Recorder {
	return &Recorder{maxPerCustomer: maxPerCustomer}
}

// Record выполняется внутри транзакции. Условное увеличение счётчика блокирует строку кода
// до конца транзакции, поэтому проверка лимита клиента после него видит все предыдущие погашения.
func (r *Recorder) Record(ctx context.Context, tx repository.Tx, code *model.RedeemableCode, customerID *uuid.UUID, idempotencyKey string) (*model.ScanEvent, error) {
	if code.Synthesized {
		if err := tx.EnsureCode(ctx, code); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, model.ErrCodeNotFound
			}
			return nil, persistenceError("ensure code", err)
		}
	}

	if _, err := tx.IncrementScans(ctx, code.ID); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, model.ErrCodeNotFound
		case errors.Is(err, repository.ErrCodeInactive):
			return nil, model.ErrCodeInactive
		case errors.Is(err, repository.ErrLimitReached):
			return nil, model.ErrScanLimitExceeded
		default:
			return nil, persistenceError("increment scans", err)
		}
	}

	if customerID != nil && r.maxPerCustomer > 0 {
		n, err := tx.CountRedemptions(ctx, code.ID, *customerID)
		if err != nil {
			return nil, persistenceError("count redemptions", err)
		}
		if n >= r.maxPerCustomer {
			return nil, model.ErrCustomerLimitExceeded
		}
	}

	ev := &model.ScanEvent{
		ID:              uuid.New(),
		CodeID:          code.ID,
		BusinessID:      code.BusinessID,
		CustomerID:      customerID,
		PointsAwarded:   code.PointsValue,
		DiscountApplied: code.DiscountPercent,
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		ev.IdempotencyKey = &key
	}

	if err := tx.InsertScanEvent(ctx, ev); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
			return nil, err
		}
		return nil, persistenceError("insert scan event", err)
	}
	return ev, nil
}
