// Package entitlementservice собирает HTTP-маршруты и зависимости сервиса прав.
package entitlementservice

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/entitlement-service/internal/entitlement"
	"github.com/magabrotheeeer/entitlement-service/internal/http/handlers/entitlement/purchase"
	"github.com/magabrotheeeer/entitlement-service/internal/http/handlers/entitlement/refresh"
	"github.com/magabrotheeeer/entitlement-service/internal/http/handlers/entitlement/status"
	"github.com/magabrotheeeer/entitlement-service/internal/http/handlers/health"
	"github.com/magabrotheeeer/entitlement-service/internal/http/handlers/session/login"
	"github.com/magabrotheeeer/entitlement-service/internal/http/handlers/session/logout"
	"github.com/magabrotheeeer/entitlement-service/internal/http/handlers/subscription/webhook"
	"github.com/magabrotheeeer/entitlement-service/internal/http/middlewarectx"
	"github.com/magabrotheeeer/entitlement-service/internal/http/response"
	"github.com/magabrotheeeer/entitlement-service/internal/metrics"
)

// Routes содержит зависимости HTTP-маршрутов.
type Routes struct {
	Logger        *slog.Logger
	Manager       *entitlement.Manager
	Tokens        middlewarectx.TokenParser
	Limiter       *rate.Limiter
	Collector     *metrics.Collector
	Gatherer      prometheus.Gatherer
	WebhookSecret string
	Checks        map[string]health.Checker
}

func access(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, response.OK())
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, deps Routes) {
	logger := deps.Logger

	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
		metrics.Middleware(deps.Collector),
	)

	r.Get("/health", health.New(logger, deps.Checks).ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		// Webhook бэкенда подписан HMAC, JWT не требуется
		r.Post("/subscriptions/webhook", webhook.New(logger, deps.Manager, deps.WebhookSecret).ServeHTTP)

		// Группа с JWT аутентификацией
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.RateLimitMiddleware(deps.Limiter, logger))
			r.Use(middlewarectx.JWTMiddleware(deps.Tokens, logger))

			r.Post("/session", login.New(logger, deps.Manager).ServeHTTP)
			r.Delete("/session", logout.New(logger, deps.Manager).ServeHTTP)
			r.Get("/entitlement", status.New(logger, deps.Manager).ServeHTTP)
			r.Post("/entitlement/purchases", purchase.New(logger, deps.Manager).ServeHTTP)
			r.Post("/entitlement/refresh", refresh.New(logger, deps.Manager).ServeHTTP)

			// Проверка доступа к платным функциям для внешних сервисов
			r.With(middlewarectx.EntitlementRequired(deps.Manager, logger)).
				Get("/entitlement/access", access)
		})
	})

	r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
