package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mmeshcher/loyalty-scan/internal/model"
	"github.com/mmeshcher/loyalty-scan/internal/repository"
)

// BalanceReader описывает часть репозитория, нужная для чтения балансов.
type BalanceReader interface {
	GetBalance(ctx context.Context, customerID uuid.UUID, businessID string) (*model.LoyaltyBalance, error)
}

// Ledger ведёт балансы баллов клиентов по заведениям.
type Ledger struct {
	balances BalanceReader
}

// NewLedger создаёт Ledger.
func NewLedger(balances BalanceReader) *Ledger {
	return &Ledger{balances: balances}
}

// CreditPoints начисляет amount баллов в рамках транзакции tx и возвращает новый баланс.
// Повторные начисления не отсеиваются: вызывающий отвечает за то, чтобы на одно событие
// сканирования приходилось одно начисление.
func (l *Ledger) CreditPoints(ctx context.Context, tx repository.Tx, customerID uuid.UUID, businessID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit points: negative amount %d", amount)
	}
	balance, err := tx.CreditBalance(ctx, customerID, businessID, amount)
	if err != nil {
		return 0, persistenceError("credit balance", err)
	}
	return balance, nil
}

// Balance возвращает баланс; если записи нет, возвращается нулевой баланс.
func (l *Ledger) Balance(ctx context.Context, customerID uuid.UUID, businessID string) (*model.LoyaltyBalance, error) {
	b, err := l.balances.GetBalance(ctx, customerID, businessID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &model.LoyaltyBalance{CustomerID: customerID, BusinessID: businessID}, nil
		}
		return nil, persistenceError("get balance", err)
	}
	return b, nil
}
