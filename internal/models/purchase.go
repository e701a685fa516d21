package models

import "time"

// PurchaseEvent: событие о завершённой покупке, приходящее от клиента магазина.
type PurchaseEvent struct {
	UserID    string `json:"userId" validate:"required"`
	Receipt   string `json:"receipt" validate:"required"`
	ProductID string `json:"productId" validate:"required"`
}

// SubscriptionSync: запись о подписке, присланная бэкендом (webhook или очередь синхронизации).
type SubscriptionSync struct {
	UserID         string     `json:"userId" validate:"required"`
	Status         Status     `json:"status" validate:"required"`
	ProductID      string     `json:"productId"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	LastVerifiedAt time.Time  `json:"lastVerifiedAt" validate:"required"`
}

// Record преобразует синхронизацию бэкенда в запись с источником backend.
func (s SubscriptionSync) Record() SubscriptionRecord {
	return SubscriptionRecord{
		UserID:         s.UserID,
		Status:         s.Status,
		ProductID:      s.ProductID,
		ExpiresAt:      s.ExpiresAt,
		Source:         SourceBackend,
		LastVerifiedAt: s.LastVerifiedAt,
	}
}

// EntitlementChanged: уведомление об изменении прав, публикуемое в брокер.
type EntitlementChanged struct {
	EventID    string     `json:"eventId"`
	UserID     string     `json:"userId"`
	Previous   Status     `json:"previous"`
	Current    Status     `json:"current"`
	Entitled   bool       `json:"entitled"`
	ProductID  string     `json:"productId,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}
