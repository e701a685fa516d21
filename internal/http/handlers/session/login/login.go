// Package login реализует HTTP-обработчик открытия сессии прав пользователя.
package login

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/magabrotheeeer/entitlement-service/internal/entitlement"
	"github.com/magabrotheeeer/entitlement-service/internal/http/middlewarectx"
	"github.com/magabrotheeeer/entitlement-service/internal/http/response"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// Service открывает сессию пользователя.
type Service interface {
	OpenSession(ctx context.Context, userID string) (models.SubscriptionRecord, error)
}

// Handler обрабатывает POST /session.
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
// @Summary Открыть сессию
// @Description Загружает сохранённые права и запускает фоновую проверку чека
// @Tags Session
// @Produce json
// @Success 200 {object} models.EntitlementView "Права на момент входа"
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 500 {object} response.ErrorResponse "Ошибка сервера"
// @Router /session [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.session.login"

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

	// Сессия переживает сбой записи: права в памяти действуют.
	rec, err := h.service.OpenSession(r.Context(), userID)
	if err != nil && !errors.Is(err, entitlement.ErrPersistence) {
		log.Error("failed to open session", sl.User(userID), sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not open session"))
		return
	}
	if err != nil {
		log.Warn("session opened without persisting record", sl.User(userID), sl.Err(err))
	}

	render.JSON(w, r, response.StatusOKWithData(rec.View()))
}
