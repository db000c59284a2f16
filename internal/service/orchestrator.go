package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-scan/internal/history"
	"github.com/mmeshcher/loyalty-scan/internal/model"
	"github.com/mmeshcher/loyalty-scan/internal/payload"
	"github.com/mmeshcher/loyalty-scan/internal/repository"
)

// State описывает состояние попытки погашения.
type State string

// Состояния попытки погашения.
const (
	StateIdle       State = "idle"
	StateResolving  State = "resolving"
	StateValidating State = "validating"
	StateCrediting  State = "crediting"
	StateRecording  State = "recording"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Reason описывает причину неудачного погашения.
type Reason string

// Причины неудачи. ReasonNone означает успех.
const (
	ReasonNone                  Reason = ""
	ReasonInvalidPayload        Reason = "invalid_payload"
	ReasonCodeNotFound          Reason = "code_not_found"
	ReasonCodeInactive          Reason = "code_inactive"
	ReasonScanLimitExceeded     Reason = "scan_limit_exceeded"
	ReasonCustomerLimitExceeded Reason = "customer_limit_exceeded"
	ReasonPersistenceFailure    Reason = "persistence_failure"
	ReasonPermissionDenied      Reason = "permission_denied"
)

// ReasonOf сопоставляет ошибку с причиной. Неизвестные ошибки считаются ошибками хранилища.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, model.ErrInvalidPayload):
		return ReasonInvalidPayload
	case errors.Is(err, model.ErrCodeNotFound):
		return ReasonCodeNotFound
	case errors.Is(err, model.ErrCodeInactive):
		return ReasonCodeInactive
	case errors.Is(err, model.ErrScanLimitExceeded):
		return ReasonScanLimitExceeded
	case errors.Is(err, model.ErrCustomerLimitExceeded):
		return ReasonCustomerLimitExceeded
	case errors.Is(err, model.ErrPermissionDenied):
		return ReasonPermissionDenied
	default:
		return ReasonPersistenceFailure
	}
}

// Request содержит входные данные попытки погашения.
type Request struct {
	Payload string
	// IdempotencyKey необязателен. Повтор с тем же ключом возвращает исходное событие без повторного начисления.
	IdempotencyKey string
}

// Result описывает итог попытки погашения: успех или одна из причин неудачи.
type Result struct {
	State           State
	Reason          Reason
	CodeID          string
	BusinessID      string
	BusinessName    string
	PointsAwarded   int64
	DiscountApplied *int
	// Balance равен nil для анонимного клиента.
	Balance  *int64
	Event    *model.ScanEvent
	Replayed bool
	Err      error
}

// Succeeded сообщает об успешном погашении.
func (r Result) Succeeded() bool {
	return r.State == StateSucceeded
}

func failed(err error) Result {
	reason := ReasonOf(err)
	if reason == ReasonPersistenceFailure && !errors.Is(err, model.ErrPersistence) {
		err = fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	return Result{State: StateFailed, Reason: reason, Err: err}
}

// Observer получает переходы между состояниями.
type Observer func(from, to State)

// Notifier получает итог каждой попытки.
type Notifier interface {
	Notify(res Result, elapsed time.Duration)
}

// Capture описывает источник содержимого QR-кода (камера, stdin). Возвращает model.ErrPermissionDenied,
// если доступ к источнику запрещён.
type Capture interface {
	Capture(ctx context.Context) (string, error)
}

// OrchestratorConfig задаёт параметры Orchestrator.
type OrchestratorConfig struct {
	StepTimeout time.Duration
	Logger      *zap.Logger
	Notifier    Notifier
	Observer    Observer
	// History возвращает источник истории клиента или nil, если истории нет.
	History func(actor model.Actor) history.Source
}

// Orchestrator проводит попытку погашения через шаги разбора, проверки, начисления и записи.
type Orchestrator struct {
	repo      Repository
	validator *Validator
	ledger    *Ledger
	recorder  *Recorder
	cfg       OrchestratorConfig
}

// NewOrchestrator создаёт Orchestrator.
func NewOrchestrator(repo Repository, validator *Validator, ledger *Ledger, recorder *Recorder, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	return &Orchestrator{
		repo:      repo,
		validator: validator,
		ledger:    ledger,
		recorder:  recorder,
		cfg:       cfg,
	}
}

// Redeem выполняет попытку погашения по содержимому QR-кода.
func (o *Orchestrator) Redeem(ctx context.Context, req Request, actor model.Actor) Result {
	a := o.begin(actor)
	return a.finish(o.redeem(ctx, a, req, actor))
}

// RedeemFrom получает содержимое кода из источника и выполняет погашение.
func (o *Orchestrator) RedeemFrom(ctx context.Context, c Capture, actor model.Actor) Result {
	a := o.begin(actor)

	raw, err := c.Capture(ctx)
	if err != nil {
		if !errors.Is(err, model.ErrPermissionDenied) {
			err = fmt.Errorf("%w: capture: %w", model.ErrInvalidPayload, err)
		}
		return a.finish(failed(err))
	}
	return a.finish(o.redeem(ctx, a, Request{Payload: raw}, actor))
}

func (o *Orchestrator) redeem(ctx context.Context, a *attempt, req Request, actor model.Actor) Result {
	a.transition(StateResolving)
	p, err := payload.Resolve(req.Payload)
	if err != nil {
		return failed(err)
	}
	a.ref = p.Reference()

	if req.IdempotencyKey != "" {
		if res, ok := o.replay(ctx, req.IdempotencyKey, actor); ok {
			return res
		}
	}

	a.transition(StateValidating)
	var (
		code     *model.RedeemableCode
		business string
	)
	err = o.step(ctx, func(ctx context.Context) error {
		var err error
		code, err = o.validator.Validate(ctx, p.Reference())
		if code != nil {
			a.ref = model.CodeReference{CodeID: code.ID, BusinessID: code.BusinessID}
		}
		if err != nil {
			return err
		}
		business, err = o.businessName(ctx, code.BusinessID)
		return err
	})
	if err != nil {
		return failed(err)
	}

	var (
		ev      *model.ScanEvent
		balance *int64
	)
	// Начисление и запись выполняются как два шага в одной транзакции.
	txCtx, cancel := context.WithTimeout(ctx, 2*o.cfg.StepTimeout)
	defer cancel()

	err = o.repo.InTx(txCtx, func(ctx context.Context, tx repository.Tx) error {
		balance = nil
		if !actor.Anonymous() {
			a.transition(StateCrediting)
			b, err := o.ledger.CreditPoints(ctx, tx, *actor.CustomerID, code.BusinessID, code.PointsValue)
			if err != nil {
				return err
			}
			balance = &b
		}

		a.transition(StateRecording)
		var err error
		ev, err = o.recorder.Record(ctx, tx, code, actor.CustomerID, req.IdempotencyKey)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
			if res, ok := o.replay(ctx, req.IdempotencyKey, actor); ok {
				return res
			}
		}
		return failed(err)
	}

	res := Result{
		State:           StateSucceeded,
		CodeID:          ev.CodeID,
		BusinessID:      ev.BusinessID,
		BusinessName:    business,
		PointsAwarded:   ev.PointsAwarded,
		DiscountApplied: ev.DiscountApplied,
		Balance:         balance,
		Event:           ev,
	}
	o.appendHistory(ctx, actor, res)
	return res
}

// replay возвращает результат ранее записанного события с тем же ключом идемпотентности.
// ok=false означает, что такого события нет и погашение нужно выполнить.
func (o *Orchestrator) replay(ctx context.Context, key string, actor model.Actor) (Result, bool) {
	var ev *model.ScanEvent
	err := o.step(ctx, func(ctx context.Context) error {
		var err error
		ev, err = o.repo.FindScanByIdempotencyKey(ctx, key)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) {
		return Result{}, false
	}
	if err != nil {
		return failed(persistenceError("find scan by idempotency key", err)), true
	}

	if !sameCustomer(ev.CustomerID, actor.CustomerID) {
		return failed(fmt.Errorf("%w: idempotency key %q belongs to another customer", model.ErrPersistence, key)), true
	}

	res := Result{
		State:           StateSucceeded,
		CodeID:          ev.CodeID,
		BusinessID:      ev.BusinessID,
		PointsAwarded:   ev.PointsAwarded,
		DiscountApplied: ev.DiscountApplied,
		Event:           ev,
		Replayed:        true,
	}
	err = o.step(ctx, func(ctx context.Context) error {
		var err error
		if res.BusinessName, err = o.businessName(ctx, ev.BusinessID); err != nil {
			return err
		}
		if actor.Anonymous() {
			return nil
		}
		b, err := o.ledger.Balance(ctx, *actor.CustomerID, ev.BusinessID)
		if err != nil {
			return err
		}
		res.Balance = &b.Points
		return nil
	})
	if err != nil {
		return failed(err), true
	}
	return res, true
}

func (o *Orchestrator) businessName(ctx context.Context, businessID string) (string, error) {
	b, err := o.repo.GetBusiness(ctx, businessID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil
		}
		return "", persistenceError("get business", err)
	}
	return b.Name, nil
}

func (o *Orchestrator) appendHistory(ctx context.Context, actor model.Actor, res Result) {
	if o.cfg.History == nil {
		return
	}
	src := o.cfg.History(actor)
	if src == nil {
		return
	}

	rec := model.RecentScanRecord{
		BusinessName: res.BusinessName,
		PointsEarned: res.PointsAwarded,
		ScannedAt:    res.Event.CreatedAt,
	}
	err := o.step(ctx, func(ctx context.Context) error {
		return src.Append(ctx, rec)
	})
	if err != nil {
		o.cfg.Logger.Warn("failed to append scan history", zap.Error(err))
	}
}

// step ограничивает один шаг, обращающийся к хранилищу, таймаутом StepTimeout.
func (o *Orchestrator) step(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()
	return fn(ctx)
}

func sameCustomer(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// attempt отслеживает состояние одной попытки погашения.
type attempt struct {
	o     *Orchestrator
	actor model.Actor
	state State
	start time.Time
	// ref уточняется по мере продвижения: сначала разобранная ссылка, затем найденный код.
	ref model.CodeReference
}

func (o *Orchestrator) begin(actor model.Actor) *attempt {
	return &attempt{o: o, actor: actor, state: StateIdle, start: time.Now()}
}

func (a *attempt) transition(to State) {
	from := a.state
	a.state = to
	if a.o.cfg.Observer != nil {
		a.o.cfg.Observer(from, to)
	}
}

func (a *attempt) finish(res Result) Result {
	a.transition(res.State)
	if !res.Succeeded() {
		if res.CodeID == "" {
			res.CodeID = a.ref.CodeID
		}
		if res.BusinessID == "" {
			res.BusinessID = a.ref.BusinessID
		}
	}
	elapsed := time.Since(a.start)

	fields := []zap.Field{
		zap.String("code_id", res.CodeID),
		zap.String("business_id", res.BusinessID),
		zap.Duration("elapsed", elapsed),
	}
	if !a.actor.Anonymous() {
		fields = append(fields, zap.String("customer_id", a.actor.CustomerID.String()))
	}

	switch {
	case res.Succeeded():
		a.o.cfg.Logger.Info("redemption succeeded", append(fields,
			zap.Int64("points", res.PointsAwarded),
			zap.Bool("replayed", res.Replayed),
		)...)
	case res.Reason == ReasonPersistenceFailure:
		a.o.cfg.Logger.Error("redemption failed", append(fields, zap.Error(res.Err))...)
	default:
		a.o.cfg.Logger.Info("redemption rejected", append(fields,
			zap.String("reason", string(res.Reason)),
		)...)
	}

	if a.o.cfg.Notifier != nil {
		a.o.cfg.Notifier.Notify(res, elapsed)
	}
	return res
}
