// Package webhook принимает записи о подписках, присланные бэкендом.
//
// Тело подписывается HMAC-SHA256 общим секретом, подпись в base64
// передаётся в заголовке X-Api-Signature.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/entitlement-service/internal/entitlement"
	"github.com/magabrotheeeer/entitlement-service/internal/http/response"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// SignatureHeader: заголовок с подписью тела.
const SignatureHeader = "X-Api-Signature"

const maxBodySize = 1 << 20

// Service согласует запись бэкенда.
type Service interface {
	ApplyBackendRecord(ctx context.Context, record models.SubscriptionRecord) error
}

// Handler обрабатывает POST /subscriptions/webhook.
type Handler struct {
	log           *slog.Logger
	service       Service
	validate      *validator.Validate
	webhookSecret string // Секрет для проверки подписи
}

// New создаёт Handler.
func New(log *slog.Logger, service Service, secret string) *Handler {
	return &Handler{
		log:           log,
		service:       service,
		validate:      validator.New(),
		webhookSecret: secret,
	}
}

// Sign возвращает подпись body секретом secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(h.webhookSecret, body)), []byte(signature))
}

// ServeHTTP godoc
// @Summary Синхронизация подписки
// @Description Принимает подписанную запись о подписке от бэкенда
// @Tags Subscriptions
// @Accept json
// @Produce json
// @Param request body models.SubscriptionSync true "Запись бэкенда"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 401 {object} response.ErrorResponse "Неверная подпись"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Failure 503 {object} response.ErrorResponse "Запись не сохранена, повторите позже"
// @Router /subscriptions/webhook [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.subscription.webhook"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get(SignatureHeader)
	if h.webhookSecret == "" || signature == "" || !h.verifySignature(body, signature) {
		log.Error("invalid or missing webhook signature")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("invalid signature"))
		return
	}

	var sync models.SubscriptionSync
	if err := json.Unmarshal(body, &sync); err != nil {
		log.Error("failed to unmarshal webhook payload", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	if err := h.validate.Struct(sync); err != nil {
		log.Error("validation failed", sl.Err(err))
		var verrs validator.ValidationErrors
		render.Status(r, http.StatusUnprocessableEntity)
		if errors.As(err, &verrs) {
			render.JSON(w, r, response.ValidationError(verrs))
			return
		}
		render.JSON(w, r, response.Error("invalid request"))
		return
	}

	record := sync.Record()
	if err := record.Validate(); err != nil {
		log.Error("invalid subscription record", sl.User(sync.UserID), sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error(err.Error()))
		return
	}

	if err := h.service.ApplyBackendRecord(r.Context(), record); err != nil {
		log.Error("failed to apply backend record", sl.User(sync.UserID), sl.Err(err))
		// Бэкенд повторит доставку при 5xx.
		if errors.Is(err, entitlement.ErrPersistence) {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, response.Error("record not persisted"))
			return
		}
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not apply record"))
		return
	}

	log.Info("webhook processed", sl.Record(record))
	render.JSON(w, r, response.OK())
}
