package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-scan/internal/model"
)

// MismatchFinder описывает часть репозитория, нужная для сверки балансов.
type MismatchFinder interface {
	FindMismatches(ctx context.Context) ([]model.Mismatch, error)
}

// MismatchReporter получает число найденных расхождений после каждой сверки.
type MismatchReporter interface {
	SetLedgerMismatches(n int)
}

// Reconciler периодически сверяет балансы с журналом событий сканирования.
// Расхождения только сообщаются, балансы не исправляются.
type Reconciler struct {
	cron     *cron.Cron
	schedule string
	finder   MismatchFinder
	reporter MismatchReporter
	logger   *zap.Logger
}

// NewReconciler создаёт Reconciler. Пустое расписание отключает периодическую сверку.
func NewReconciler(finder MismatchFinder, schedule string, reporter MismatchReporter, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		schedule: schedule,
		finder:   finder,
		reporter: reporter,
		logger:   logger,
	}
}

// Start регистрирует задачу и запускает планировщик.
func (r *Reconciler) Start() error {
	if r == nil || r.schedule == "" {
		return nil
	}

	_, err := r.cron.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if _, err := r.Run(ctx); err != nil {
			r.logger.Warn("ledger reconciliation failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("add reconcile job: %w", err)
	}

	r.cron.Start()
	return nil
}

// Stop останавливает планировщик, дожидаясь текущей сверки не дольше двух секунд.
func (r *Reconciler) Stop() {
	if r == nil || r.schedule == "" {
		return
	}

	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(2 * time.Second):
	}
}

// Run выполняет одну сверку.
func (r *Reconciler) Run(ctx context.Context) ([]model.Mismatch, error) {
	mismatches, err := r.finder.FindMismatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("find mismatches: %w", err)
	}

	if r.reporter != nil {
		r.reporter.SetLedgerMismatches(len(mismatches))
	}

	for _, m := range mismatches {
		r.logger.Warn("ledger mismatch",
			zap.String("customer_id", m.CustomerID.String()),
			zap.String("business_id", m.BusinessID),
			zap.Int64("balance", m.Balance),
			zap.Int64("events_total", m.EventsTotal),
		)
	}
	return mismatches, nil
}
