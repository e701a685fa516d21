// Package purchase реализует HTTP-обработчик завершённой покупки в магазине.
//
// Чек передаётся подсистеме прав; ответ содержит видимый результат
// (ok, pending, not_subscribed) и права после обработки.
package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/entitlement-service/internal/entitlement"
	"github.com/magabrotheeeer/entitlement-service/internal/http/middlewarectx"
	"github.com/magabrotheeeer/entitlement-service/internal/http/response"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// Request: тело запроса о покупке.
type Request struct {
	Receipt   string `json:"receipt" validate:"required,max=65536"`
	ProductID string `json:"productId" validate:"required"`
}

// Result: результат обработки покупки.
type Result struct {
	Outcome     entitlement.Outcome    `json:"outcome" example:"ok"`
	Entitlement models.EntitlementView `json:"entitlement"`
}

// Service обрабатывает покупку и возвращает текущие права.
type Service interface {
	HandlePurchase(ctx context.Context, event models.PurchaseEvent) error
	Current(ctx context.Context, userID string) (models.SubscriptionRecord, error)
}

// Handler обрабатывает POST /entitlement/purchases.
type Handler struct {
	log      *slog.Logger
	service  Service
	validate *validator.Validate
}

// New создаёт Handler.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{
		log:      log,
		service:  service,
		validate: validator.New(),
	}
}

// ServeHTTP godoc
// @Summary Завершённая покупка
// @Description Проверяет чек магазина и обновляет права пользователя
// @Tags Entitlement
// @Accept json
// @Produce json
// @Param request body Request true "Чек покупки"
// @Success 200 {object} Result "Результат проверки"
// @Failure 400 {object} response.ErrorResponse "Некорректный JSON"
// @Failure 401 {object} response.ErrorResponse "Пользователь не авторизован"
// @Failure 422 {object} response.ErrorResponse "Ошибка валидации"
// @Failure 500 {object} response.ErrorResponse "Ошибка сервера"
// @Router /entitlement/purchases [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.entitlement.purchase"

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

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		log.Error("validation failed", sl.Err(err))
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, response.ValidationError(verrs))
			return
		}
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.Error("invalid request"))
		return
	}

	err := h.service.HandlePurchase(r.Context(), models.PurchaseEvent{
		UserID:    userID,
		Receipt:   req.Receipt,
		ProductID: req.ProductID,
	})
	if err != nil && !entitlement.Handled(err) {
		log.Error("failed to handle purchase", sl.User(userID), sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not handle purchase"))
		return
	}
	outcome := entitlement.Classify(err)
	if err != nil {
		log.Warn("purchase not confirmed", sl.User(userID), slog.String("outcome", string(outcome)), sl.Err(err))
	}

	rec, err := h.service.Current(r.Context(), userID)
	if err != nil {
		log.Error("failed to read entitlement", sl.User(userID), sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not read entitlement"))
		return
	}

	log.Info("purchase handled", sl.User(userID), slog.String("outcome", string(outcome)))
	render.JSON(w, r, response.StatusOKWithData(Result{
		Outcome:     outcome,
		Entitlement: rec.View(),
	}))
}
