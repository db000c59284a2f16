package history

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mmeshcher/loyalty-scan/internal/model"
)

// RemoteStore выполняет запрос последних событий сканирования клиента с названиями заведений.
type RemoteStore interface {
	RecentScans(ctx context.Context, customerID uuid.UUID, limit int) ([]model.RecentScanRecord, error)
}

// Remote читает историю из журнала событий сканирования.
type Remote struct {
	store      RemoteStore
	customerID uuid.UUID
}

// NewRemote создаёт серверную историю для клиента.
func NewRemote(store RemoteStore, customerID uuid.UUID) *Remote {
	return &Remote{store: store, customerID: customerID}
}

// Append ничего не делает: событие уже записано в журнал в транзакции погашения.
func (r *Remote) Append(context.Context, model.RecentScanRecord) error {
	return nil
}

// Recent возвращает до n последних сканирований, не более DefaultLimit.
func (r *Remote) Recent(ctx context.Context, n int) ([]model.RecentScanRecord, error) {
	recs, err := r.store.RecentScans(ctx, r.customerID, clampLimit(n, DefaultLimit))
	if err != nil {
		return nil, fmt.Errorf("remote history: %w", err)
	}
	return recs, nil
}
