// Package service реализует процесс погашения QR-кодов и начисления баллов лояльности.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-scan/internal/history"
	"github.com/mmeshcher/loyalty-scan/internal/model"
	"github.com/mmeshcher/loyalty-scan/internal/payload"
	"github.com/mmeshcher/loyalty-scan/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetCode(ctx context.Context, id string) (*model.RedeemableCode, error)
	GetBusiness(ctx context.Context, id string) (*model.Business, error)
	FindScanByIdempotencyKey(ctx context.Context, key string) (*model.ScanEvent, error)
	GetBalance(ctx context.Context, customerID uuid.UUID, businessID string) (*model.LoyaltyBalance, error)
	RecentScans(ctx context.Context, customerID uuid.UUID, limit int) ([]model.RecentScanRecord, error)
	FindMismatches(ctx context.Context) ([]model.Mismatch, error)
	InTx(ctx context.Context, fn repository.TxFunc) error
}

// Options задаёт политику погашения.
type Options struct {
	StepTimeout               time.Duration
	MaxRedemptionsPerCustomer int
	BusinessFallback          bool
	FallbackPoints            int64
	HistoryLimit              int

	Logger   *zap.Logger
	Notifier Notifier
	Observer Observer
}

// DefaultStepTimeout используется, если Options.StepTimeout не задан.
const DefaultStepTimeout = 5 * time.Second

// Service объединяет компоненты процесса погашения и операции чтения для HTTP-слоя.
type Service struct {
	repo         Repository
	orchestrator *Orchestrator
	ledger       *Ledger
	historyLimit int
}

// NewService создаёт сервис поверх указанного репозитория.
func NewService(repo Repository, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = history.DefaultLimit
	}

	ledger := NewLedger(repo)
	validator := NewValidator(repo, opts.BusinessFallback, opts.FallbackPoints, opts.Logger)
	recorder := NewRecorder(opts.MaxRedemptionsPerCustomer)

	s := &Service{
		repo:         repo,
		ledger:       ledger,
		historyLimit: opts.HistoryLimit,
	}
	s.orchestrator = NewOrchestrator(repo, validator, ledger, recorder, OrchestratorConfig{
		StepTimeout: opts.StepTimeout,
		Logger:      opts.Logger,
		Notifier:    opts.Notifier,
		Observer:    opts.Observer,
		History:     s.historyFor,
	})
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Orchestrator возвращает оркестратор погашения.
func (s *Service) Orchestrator() *Orchestrator {
	return s.orchestrator
}

// Redeem выполняет одну попытку погашения.
func (s *Service) Redeem(ctx context.Context, req Request, actor model.Actor) Result {
	return s.orchestrator.Redeem(ctx, req, actor)
}

// Resolve разбирает содержимое QR-кода без обращения к хранилищу.
func (s *Service) Resolve(raw string) (model.CodeReference, string, error) {
	p, err := payload.Resolve(raw)
	if err != nil {
		return model.CodeReference{}, "", err
	}
	return p.Reference(), payload.Kind(p), nil
}

// RecentScans возвращает серверную историю сканирований клиента.
func (s *Service) RecentScans(ctx context.Context, customerID uuid.UUID, n int) ([]model.RecentScanRecord, error) {
	if n <= 0 || n > s.historyLimit {
		n = s.historyLimit
	}
	return s.historyFor(model.Actor{CustomerID: &customerID}).Recent(ctx, n)
}

// Balance возвращает баланс клиента в заведении. Отсутствие записи означает нулевой баланс.
func (s *Service) Balance(ctx context.Context, customerID uuid.UUID, businessID string) (*model.LoyaltyBalance, error) {
	return s.ledger.Balance(ctx, customerID, businessID)
}

// historyFor выбирает источник истории для клиента. Анонимная история хранится на устройстве,
// поэтому на сервере для неё источника нет.
func (s *Service) historyFor(actor model.Actor) history.Source {
	if actor.Anonymous() {
		return nil
	}
	return history.NewRemote(s.repo, *actor.CustomerID)
}

// persistenceError оборачивает ошибку хранилища в ErrPersistence.
func persistenceError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrPersistence, err)
}
