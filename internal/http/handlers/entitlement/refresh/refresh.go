// Package refresh реализует HTTP-обработчик явной повторной проверки чека.
package refresh

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/entitlement-service/internal/entitlement"
	"github.com/magabrotheeeer/entitlement-service/internal/http/handlers/entitlement/purchase"
	"github.com/magabrotheeeer/entitlement-service/internal/http/middlewarectx"
	"github.com/magabrotheeeer/entitlement-service/internal/http/response"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// Service повторно проверяет сохранённый чек пользователя.
type Service interface {
	RefreshUser(ctx context.Context, userID string) error
	Current(ctx context.Context, userID string) (models.SubscriptionRecord, error)
}

// Handler обрабатывает POST /entitlement/refresh.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создаёт Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:     log,
		service: service,
	}
}

// ServeHTTP godoc
// @Summary Повторная проверка
// @Description Повторно проверяет сохранённый чек пользователя у бэкенда
// @Tags Entitlement
// @Produce json
// @Success 200 {object} purchase.Result "Результат проверки"
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 500 {object} response.ErrorResponse "Ошибка сервера"
// @Router /entitlement/refresh [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.entitlement.refresh"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	userID, ok := middlewarectx.UserFromContext(r.Context())
	if !ok {
		log.Error("user identification missing")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("user identification missing"))
		return
	}

	err := h.service.RefreshUser(r.Context(), userID)
	if err != nil && !entitlement.Handled(err) {
		log.Error("failed to refresh entitlement", sl.User(userID), sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not refresh entitlement"))
		return
	}
	outcome := entitlement.Classify(err)

	rec, err := h.service.Current(r.Context(), userID)
	if err != nil {
		log.Error("failed to read entitlement", sl.User(userID), sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not read entitlement"))
		return
	}

	log.Info("entitlement refreshed", sl.User(userID), slog.String("outcome", string(outcome)))
	render.JSON(w, r, response.StatusOKWithData(purchase.Result{
		Outcome:     outcome,
		Entitlement: rec.View(),
	}))
}
