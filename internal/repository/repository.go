// Package repository содержит реализации хранилища кодов, событий сканирования и балансов.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mmeshcher/loyalty-scan/internal/model"
)

var (
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrCodeInactive возвращается при попытке увеличить счётчик деактивированного кода.
	ErrCodeInactive = errors.New("code is inactive")
	// ErrLimitReached возвращается, если условное увеличение счётчика не применилось из-за лимита.
	ErrLimitReached = errors.New("scan limit reached")
	// ErrDuplicateIdempotencyKey возвращается при повторной вставке события с тем же ключом идемпотентности.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// Tx описывает операции, выполняемые внутри одной транзакции погашения.
type Tx interface {
	// EnsureCode создаёт запись кода, если её ещё нет. Используется для кода заведения по умолчанию.
	EnsureCode(ctx context.Context, code *model.RedeemableCode) error
	// IncrementScans атомарно увеличивает счётчик, только если код активен и лимит не исчерпан.
	// Возвращает новое значение счётчика.
	IncrementScans(ctx context.Context, codeID string) (int, error)
	// CountRedemptions возвращает число событий сканирования кода клиентом.
	CountRedemptions(ctx context.Context, codeID string, customerID uuid.UUID) (int, error)
	// InsertScanEvent добавляет событие сканирования.
	InsertScanEvent(ctx context.Context, ev *model.ScanEvent) error
	// CreditBalance создаёт или увеличивает баланс и возвращает новое значение.
	CreditBalance(ctx context.Context, customerID uuid.UUID, businessID string, amount int64) (int64, error)
}

// TxFunc выполняется в транзакции. Любая ошибка откатывает все изменения.
type TxFunc func(ctx context.Context, tx Tx) error
