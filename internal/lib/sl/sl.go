// Package sl содержит вспомогательные функции для работы с логгером slog.
// Основная цель: единообразно формировать структурированные поля лога
// для ошибок и идентификаторов пользователя.
package sl

import (
	"log/slog"

	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// Err возвращает slog.Attr с ключом "error" и значением текста ошибки.
//
// Пример:
//
//	log.Error("failed to verify receipt", sl.Err(err))
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// User возвращает атрибут с идентификатором пользователя.
func User(userID string) slog.Attr {
	return slog.String("user_id", userID)
}

// Record возвращает группу атрибутов с видимой частью записи о подписке.
// Чек в лог не попадает.
func Record(r models.SubscriptionRecord) slog.Attr {
	attrs := []any{
		slog.String("status", string(r.Status)),
		slog.String("source", string(r.Source)),
		slog.String("product_id", r.ProductID),
		slog.Time("last_verified_at", r.LastVerifiedAt),
	}
	if r.ExpiresAt != nil {
		attrs = append(attrs, slog.Time("expires_at", *r.ExpiresAt))
	}
	return slog.Group("record", attrs...)
}
