// Package models содержит доменные структуры, описывающие состояние подписки
// пользователя, а также вспомогательные типы для событий покупки и
// синхронизации с бэкендом.
package models

import (
	"errors"
	"fmt"
	"time"
)

// Status: статус подписки пользователя.
type Status string

const (
	// StatusNone: подписки нет.
	StatusNone Status = "none"
	// StatusActive: подписка оплачена и не истекла.
	StatusActive Status = "active"
	// StatusGracePeriod: срок истёк, но доступ сохраняется до повторной проверки.
	StatusGracePeriod Status = "grace_period"
	// StatusExpired: подписка истекла.
	StatusExpired Status = "expired"
	// StatusPendingVerification: получен чек, ожидается результат проверки.
	StatusPendingVerification Status = "pending_verification"
)

// Valid сообщает, является ли статус одним из известных значений.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusActive, StatusGracePeriod, StatusExpired, StatusPendingVerification:
		return true
	}
	return false
}

// Entitled возвращает true для статусов, дающих доступ к платным функциям.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusGracePeriod
}

// Source: происхождение записи, используется при разрешении конфликтов.
type Source string

const (
	// SourceStore: запись получена локально из чека магазина и ещё не подтверждена.
	SourceStore Source = "store"
	// SourceBackend: запись подтверждена бэкендом.
	SourceBackend Source = "backend"
	// SourceCache: запись восстановлена из сохранённого профиля.
	SourceCache Source = "cache"
)

// Valid сообщает, является ли источник одним из известных значений.
func (s Source) Valid() bool {
	switch s {
	case SourceStore, SourceBackend, SourceCache:
		return true
	}
	return false
}

// SubscriptionRecord: снимок прав пользователя на подписку.
// Запись заменяется целиком, поля по отдельности не изменяются.
type SubscriptionRecord struct {
	UserID         string     `json:"userId"`
	Status         Status     `json:"status"`
	ProductID      string     `json:"productId,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"` // nil только при StatusNone
	Source         Source     `json:"source"`
	LastVerifiedAt time.Time  `json:"lastVerifiedAt"`
	RawReceipt     string     `json:"rawReceipt,omitempty"` // хранится только для повторной проверки
}

// ErrInvalidRecord возвращается Validate для записей с нарушенной структурой.
var ErrInvalidRecord = errors.New("invalid subscription record")

// NewRecord создаёт пустую запись со статусом none для пользователя.
func NewRecord(userID string) SubscriptionRecord {
	return SubscriptionRecord{
		UserID: userID,
		Status: StatusNone,
		Source: SourceCache,
	}
}

// Validate проверяет структурные инварианты записи.
func (r SubscriptionRecord) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalidRecord)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, r.Status)
	}
	if !r.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidRecord, r.Source)
	}
	if r.Status == StatusNone && r.ExpiresAt != nil {
		return fmt.Errorf("%w: expiresAt set for status none", ErrInvalidRecord)
	}
	if r.Status != StatusNone && r.Status != StatusPendingVerification && r.ExpiresAt == nil {
		return fmt.Errorf("%w: expiresAt required for status %s", ErrInvalidRecord, r.Status)
	}
	return nil
}

// SameEntitlement сообщает, совпадают ли статус и срок действия двух записей.
// Изменение только этих полей считается видимым для подписчиков.
func (r SubscriptionRecord) SameEntitlement(other SubscriptionRecord) bool {
	if r.Status != other.Status {
		return false
	}
	switch {
	case r.ExpiresAt == nil && other.ExpiresAt == nil:
		return true
	case r.ExpiresAt == nil || other.ExpiresAt == nil:
		return false
	default:
		return r.ExpiresAt.Equal(*other.ExpiresAt)
	}
}

// Equal сравнивает записи по всем полям.
func (r SubscriptionRecord) Equal(other SubscriptionRecord) bool {
	return r.SameEntitlement(other) &&
		r.UserID == other.UserID &&
		r.ProductID == other.ProductID &&
		r.Source == other.Source &&
		r.LastVerifiedAt.Equal(other.LastVerifiedAt) &&
		r.RawReceipt == other.RawReceipt
}
