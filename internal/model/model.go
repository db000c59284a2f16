// Package model содержит доменные сущности сервиса погашения QR-кодов и программы лояльности.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Business описывает заведение, которому принадлежат коды. Управляется внешней системой.
type Business struct {
	ID   string
	Name string
}

// RedeemableCode описывает код, за сканирование которого начисляются баллы.
type RedeemableCode struct {
	ID              string
	BusinessID      string
	PointsValue     int64
	DiscountPercent *int
	IsActive        bool
	// ScanLimit равен nil, если количество сканирований не ограничено.
	ScanLimit    *int
	CurrentScans int
	// Synthesized выставляется для кода по умолчанию, созданного валидатором для заведения.
	Synthesized bool
}

// Redeemable сообщает, можно ли погасить код при текущем состоянии счётчика.
func (c *RedeemableCode) Redeemable() bool {
	if !c.IsActive {
		return false
	}
	return !c.LimitReached()
}

// LimitReached сообщает, исчерпан ли лимит сканирований кода.
func (c *RedeemableCode) LimitReached() bool {
	return c.ScanLimit != nil && c.CurrentScans >= *c.ScanLimit
}

// DefaultCodeID возвращает идентификатор кода по умолчанию для заведения.
func DefaultCodeID(businessID string) string {
	return "business:" + businessID
}

// ScanEvent фиксирует факт успешного сканирования. Значения баллов и скидки сохраняются на момент сканирования.
type ScanEvent struct {
	ID              uuid.UUID
	CodeID          string
	BusinessID      string
	CustomerID      *uuid.UUID
	PointsAwarded   int64
	DiscountApplied *int
	IdempotencyKey  *string
	CreatedAt       time.Time
}

// LoyaltyBalance содержит баланс баллов клиента в конкретном заведении.
type LoyaltyBalance struct {
	CustomerID uuid.UUID `json:"customer_id"`
	BusinessID string    `json:"business_id"`
	Points     int64     `json:"points"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RecentScanRecord описывает элемент истории последних сканирований для отображения.
type RecentScanRecord struct {
	BusinessName string    `json:"business_name"`
	PointsEarned int64     `json:"points_earned"`
	ScannedAt    time.Time `json:"scanned_at"`
}

// CodeReference хранит результат разбора содержимого QR-кода: идентификатор кода и/или заведения.
type CodeReference struct {
	CodeID     string `json:"code_id,omitempty"`
	BusinessID string `json:"business_id,omitempty"`
}

// Actor описывает того, кто сканирует код. CustomerID равен nil для анонимного пользователя.
type Actor struct {
	CustomerID *uuid.UUID
}

// Anonymous сообщает, что действие выполняется без аутентификации.
func (a Actor) Anonymous() bool {
	return a.CustomerID == nil
}

// Mismatch описывает расхождение баланса с суммой начислений по событиям сканирования.
type Mismatch struct {
	CustomerID  uuid.UUID
	BusinessID  string
	Balance     int64
	EventsTotal int64
}
