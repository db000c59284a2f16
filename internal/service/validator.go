package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-scan/internal/model"
	"github.com/mmeshcher/loyalty-scan/internal/repository"
)

// CodeReader описывает часть репозитория, нужная для проверки кода.
type CodeReader interface {
	GetCode(ctx context.Context, id string) (*model.RedeemableCode, error)
	GetBusiness(ctx context.Context, id string) (*model.Business, error)
}

// Validator проверяет, можно ли погасить код. Проверка только читает данные и ничего не резервирует:
// окончательное решение принимает условное увеличение счётчика в Recorder.
type Validator struct {
	codes          CodeReader
	fallback       bool
	fallbackPoints int64
	logger         *zap.Logger
}

// NewValidator создаёт валидатор. При fallback=true для заведения без кода по умолчанию
// синтезируется код с fallbackPoints баллами.
func NewValidator(codes CodeReader, fallback bool, fallbackPoints int64, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		codes:          codes,
		fallback:       fallback,
		fallbackPoints: fallbackPoints,
		logger:         logger,
	}
}

// Validate находит код по ссылке и проверяет его состояние. Если код найден, но погасить его
// нельзя, он возвращается вместе с ошибкой.
func (v *Validator) Validate(ctx context.Context, ref model.CodeReference) (*model.RedeemableCode, error) {
	var (
		code *model.RedeemableCode
		err  error
	)

	switch {
	case ref.CodeID != "":
		code, err = v.lookupCode(ctx, ref)
	case ref.BusinessID != "":
		code, err = v.defaultCode(ctx, ref.BusinessID)
	default:
		return nil, model.ErrInvalidPayload
	}
	if err != nil {
		return nil, err
	}

	if !code.IsActive {
		return code, model.ErrCodeInactive
	}
	if code.LimitReached() {
		return code, model.ErrScanLimitExceeded
	}
	return code, nil
}

func (v *Validator) lookupCode(ctx context.Context, ref model.CodeReference) (*model.RedeemableCode, error) {
	code, err := v.codes.GetCode(ctx, ref.CodeID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, persistenceError("get code", err)
		}
		if ref.BusinessID != "" {
			return v.defaultCode(ctx, ref.BusinessID)
		}
		return nil, model.ErrCodeNotFound
	}

	if ref.BusinessID != "" && code.BusinessID != ref.BusinessID {
		v.logger.Info("code belongs to another business",
			zap.String("code_id", code.ID),
			zap.String("business_id", code.BusinessID),
			zap.String("hint", ref.BusinessID),
		)
		return nil, model.ErrCodeNotFound
	}
	return code, nil
}

func (v *Validator) defaultCode(ctx context.Context, businessID string) (*model.RedeemableCode, error) {
	code, err := v.codes.GetCode(ctx, model.DefaultCodeID(businessID))
	if err == nil {
		return code, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, persistenceError("get default code", err)
	}

	if !v.fallback {
		return nil, model.ErrCodeNotFound
	}

	if _, err := v.codes.GetBusiness(ctx, businessID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.ErrCodeNotFound
		}
		return nil, persistenceError("get business", err)
	}

	v.logger.Info("synthesized default code for business",
		zap.String("business_id", businessID),
		zap.Int64("points", v.fallbackPoints),
	)

	return &model.RedeemableCode{
		ID:          model.DefaultCodeID(businessID),
		BusinessID:  businessID,
		PointsValue: v.fallbackPoints,
		IsActive:    true,
		Synthesized: true,
	}, nil
}
