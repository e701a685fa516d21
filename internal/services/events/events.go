// Package events связывает очереди брокера с менеджером прав: разбирает
// входящие покупки и синхронизации бэкенда и публикует изменения прав.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator"
	"github.com/google/uuid"

	"github.com/magabrotheeeer/entitlement-service/internal/entitlement"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// EntitlementService: операции менеджера прав, доступные из очередей.
type EntitlementService interface {
	HandlePurchase(ctx context.Context, event models.PurchaseEvent) error
	ApplyBackendRecord(ctx context.Context, record models.SubscriptionRecord) error
}

// Publisher публикует сообщение с ключом маршрутизации.
type Publisher interface {
	Publish(routingKey string, message any) error
}

// Handlers разбирает сообщения очередей purchase.completed и subscription.sync.
type Handlers struct {
	service  EntitlementService
	validate *validator.Validate
	log      *slog.Logger
}

// NewHandlers создаёт обработчики сообщений.
func NewHandlers(service EntitlementService, log *slog.Logger) *Handlers {
	return &Handlers{
		service:  service,
		validate: validator.New(),
		log:      log,
	}
}

// retryable сообщает, имеет ли смысл вернуть сообщение в очередь.
// Отклонённый или некорректный чек повторно не обрабатывается.
func retryable(err error) bool {
	return errors.Is(err, entitlement.ErrPersistence) || errors.Is(err, entitlement.ErrTransientVerification)
}

// Purchase обрабатывает событие завершённой покупки.
func (h *Handlers) Purchase(ctx context.Context, body []byte) error {
	const op = "events.Purchase"

	var event models.PurchaseEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.log.Error("failed to decode purchase event", slog.String("op", op), sl.Err(err))
		return nil
	}
	if err := h.validate.Struct(event); err != nil {
		h.log.Error("invalid purchase event", slog.String("op", op), sl.Err(err))
		return nil
	}

	err := h.service.HandlePurchase(ctx, event)
	switch {
	case err == nil:
		return nil
	case retryable(err):
		return fmt.Errorf("%s: %w", op, err)
	default:
		h.log.Info("purchase not applied", slog.String("op", op), sl.User(event.UserID),
			slog.String("outcome", string(entitlement.Classify(err))), sl.Err(err))
		return nil
	}
}

// Sync применяет запись о подписке, присланную бэкендом.
func (h *Handlers) Sync(ctx context.Context, body []byte) error {
	const op = "events.Sync"

	var sync models.SubscriptionSync
	if err := json.Unmarshal(body, &sync); err != nil {
		h.log.Error("failed to decode subscription sync", slog.String("op", op), sl.Err(err))
		return nil
	}
	if err := h.validate.Struct(sync); err != nil {
		h.log.Error("invalid subscription sync", slog.String("op", op), sl.Err(err))
		return nil
	}

	if err := h.service.ApplyBackendRecord(ctx, sync.Record()); err != nil {
		if retryable(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		h.log.Warn("subscription sync not applied", slog.String("op", op), sl.User(sync.UserID), sl.Err(err))
	}
	return nil
}

// ChangePublisher публикует изменения прав в брокер.
type ChangePublisher struct {
	pub        Publisher
	routingKey string
	now        func() time.Time
	log        *slog.Logger
}

// NewChangePublisher создаёт издателя изменений с ключом routingKey.
func NewChangePublisher(pub Publisher, routingKey string, log *slog.Logger) *ChangePublisher {
	return &ChangePublisher{
		pub:        pub,
		routingKey: routingKey,
		now:        time.Now,
		log:        log,
	}
}

// OnChange подходит как подписчик entitlement.Manager.OnEntitlementChanged.
func (p *ChangePublisher) OnChange(c entitlement.Change) {
	msg := models.EntitlementChanged{
		EventID:    uuid.NewString(),
		UserID:     c.UserID,
		Previous:   c.Previous.Status,
		Current:    c.Current.Status,
		Entitled:   c.Current.Status.Entitled(),
		ProductID:  c.Current.ProductID,
		ExpiresAt:  c.Current.ExpiresAt,
		OccurredAt: p.now().UTC(),
	}
	if err := p.pub.Publish(p.routingKey, msg); err != nil {
		p.log.Error("failed to publish entitlement change", sl.User(c.UserID), sl.Err(err))
	}
}
