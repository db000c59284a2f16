package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mmeshcher/loyalty-scan/internal/model"
)

// LocalKey задаёт ключ, под которым хранится локальная история.
const LocalKey = "recent_scans"

// ErrKeyNotFound возвращается KV, если значение по ключу отсутствует.
var ErrKeyNotFound = errors.New("key not found")

// KV описывает локальное долговременное key-value хранилище.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Local хранит сериализованный список последних сканирований под фиксированным ключом.
type Local struct {
	mu       sync.Mutex
	kv       KV
	capacity int
}

// NewLocal создаёт локальную историю. capacity вне диапазона 1..DefaultLimit заменяется на DefaultLimit.
func NewLocal(kv KV, capacity int) *Local {
	return &Local{kv: kv, capacity: clampLimit(capacity, DefaultLimit)}
}

// Append добавляет запись в начало списка и отбрасывает самые старые сверх ёмкости.
func (l *Local) Append(ctx context.Context, rec model.RecentScanRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.load(ctx)
	if err != nil {
		return err
	}

	recs = append([]model.RecentScanRecord{rec}, recs...)
	if len(recs) > l.capacity {
		recs = recs[:l.capacity]
	}

	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode local history: %w", err)
	}
	if err := l.kv.Put(ctx, LocalKey, data); err != nil {
		return fmt.Errorf("store local history: %w", err)
	}
	return nil
}

// Recent возвращает до n последних записей.
func (l *Local) Recent(ctx context.Context, n int) ([]model.RecentScanRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	if n = clampLimit(n, l.capacity); len(recs) > n {
		recs = recs[:n]
	}
	return recs, nil
}

func (l *Local) load(ctx context.Context) ([]model.RecentScanRecord, error) {
	data, err := l.kv.Get(ctx, LocalKey)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load local history: %w", err)
	}

	var recs []model.RecentScanRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("decode local history: %w", err)
	}
	return recs, nil
}
