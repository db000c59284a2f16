// Package handler содержит HTTP-обработчики API погашения QR-кодов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-scan/internal/middleware"
	"github.com/mmeshcher/loyalty-scan/internal/model"
	"github.com/mmeshcher/loyalty-scan/internal/service"
)

const maxRequestBody = 16 << 10

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Redeem(ctx context.Context, req service.Request, actor model.Actor) service.Result
	Resolve(raw string) (model.CodeReference, string, error)
	RecentScans(ctx context.Context, customerID uuid.UUID, n int) ([]model.RecentScanRecord, error)
	Balance(ctx context.Context, customerID uuid.UUID, businessID string) (*model.LoyaltyBalance, error)
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// RedeemRequest описывает тело запроса на погашение.
type RedeemRequest struct {
	Payload        string `json:"payload"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// RedeemResponse описывает результат погашения.
type RedeemResponse struct {
	State           string `json:"state"`
	Reason          string `json:"reason,omitempty"`
	CodeID          string `json:"code_id,omitempty"`
	BusinessID      string `json:"business_id,omitempty"`
	BusinessName    string `json:"business_name,omitempty"`
	PointsAwarded   int64  `json:"points_awarded"`
	DiscountApplied *int   `json:"discount_applied,omitempty"`
	Balance         *int64 `json:"balance,omitempty"`
	EventID         string `json:"event_id,omitempty"`
	ScannedAt       string `json:"scanned_at,omitempty"`
	Replayed        bool   `json:"replayed,omitempty"`
	Error           string `json:"error,omitempty"`
}

// IdempotencyKeyHeader задаёт заголовок с ключом идемпотентности, альтернатива полю тела запроса.
const IdempotencyKeyHeader = "Idempotency-Key"

// Redeem выполняет погашение кода. Анонимные запросы допускаются.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
	}

	var actor model.Actor
	if id, ok := middleware.CustomerIDFromContext(r.Context()); ok {
		actor.CustomerID = &id
	}

	res := h.service.Redeem(r.Context(), service.Request{
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	}, actor)

	resp := RedeemResponse{
		State:           string(res.State),
		Reason:          string(res.Reason),
		CodeID:          res.CodeID,
		BusinessID:      res.BusinessID,
		BusinessName:    res.BusinessName,
		PointsAwarded:   res.PointsAwarded,
		DiscountApplied: res.DiscountApplied,
		Balance:         res.Balance,
		Replayed:        res.Replayed,
	}
	if res.Event != nil {
		resp.EventID = res.Event.ID.String()
		resp.ScannedAt = res.Event.CreatedAt.Format(time.RFC3339)
	}

	status := statusFor(res.Reason)
	if res.Err != nil {
		if status == http.StatusServiceUnavailable {
			h.logger.Error("redeem error", zap.Error(res.Err))
			resp.Error = model.ErrPersistence.Error()
		} else {
			resp.Error = res.Err.Error()
		}
	}

	h.writeJSON(w, status, resp)
}

func statusFor(reason service.Reason) int {
	switch reason {
	case service.ReasonNone:
		return http.StatusOK
	case service.ReasonInvalidPayload:
		return http.StatusUnprocessableEntity
	case service.ReasonCodeNotFound:
		return http.StatusNotFound
	case service.ReasonCodeInactive:
		return http.StatusGone
	case service.ReasonScanLimitExceeded, service.ReasonCustomerLimitExceeded:
		return http.StatusConflict
	case service.ReasonPermissionDenied:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

// History возвращает последние сканирования текущего клиента.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	customerID, ok := middleware.CustomerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := h.service.RecentScans(r.Context(), customerID, limit)
	if err != nil {
		h.logger.Error("get history error", zap.Error(err), zap.String("customer_id", customerID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(recs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.writeJSON(w, http.StatusOK, recs)
}

// Balance возвращает баланс текущего клиента в заведении.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	customerID, ok := middleware.CustomerIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	businessID := chi.URLParam(r, "businessID")
	if businessID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	balance, err := h.service.Balance(r.Context(), customerID, businessID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.String("customer_id", customerID.String()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

// ResolveResponse описывает результат разбора содержимого QR-кода.
type ResolveResponse struct {
	Kind       string `json:"kind"`
	CodeID     string `json:"code_id,omitempty"`
	BusinessID string `json:"business_id,omitempty"`
}

// Resolve разбирает содержимое QR-кода без погашения.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	ref, kind, err := h.service.Resolve(r.URL.Query().Get("payload"))
	if err != nil {
		if errors.Is(err, model.ErrInvalidPayload) {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("resolve error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, ResolveResponse{
		Kind:       kind,
		CodeID:     ref.CodeID,
		BusinessID: ref.BusinessID,
	})
}

// Health сообщает, что сервис запущен.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response error", zap.Error(err))
	}
}
