// Package metrics собирает метрики Prometheus подсистемы прав и HTTP-сервера.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// Collector реализует entitlement.Metrics поверх Prometheus.
type Collector struct {
	verifications      *prometheus.CounterVec
	verifyLatency      prometheus.Histogram
	dedupJoins         prometheus.Counter
	reconciles         *prometheus.CounterVec
	entitlementChanges *prometheus.CounterVec
	refreshFailures    prometheus.Counter
	httpRequests       *prometheus.CounterVec
}

// NewCollector создаёт Collector и регистрирует метрики в reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_verification_attempts_total",
			Help: "Попытки проверки чека по исходу",
		}, []string{"outcome"}),
		verifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "entitlement_verification_latency_seconds",
			Help:    "Длительность одной попытки проверки чека",
			Buckets: prometheus.DefBuckets,
		}),
		dedupJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitlement_verification_dedup_joins_total",
			Help: "Вызовы, присоединившиеся к уже идущей проверке",
		}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_reconcile_total",
			Help: "Результаты согласования записей",
		}, []string{"result"}),
		entitlementChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_changes_total",
			Help: "Изменения прав по новому статусу",
		}, []string{"status"}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitlement_scheduled_refresh_failures_total",
			Help: "Неудачные плановые проверки чеков",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_http_requests_total",
			Help: "HTTP-запросы по маршруту и коду ответа",
		}, []string{"route", "status_code"}),
	}

	reg.MustRegister(
		c.verifications,
		c.verifyLatency,
		c.dedupJoins,
		c.reconciles,
		c.entitlementChanges,
		c.refreshFailures,
		c.httpRequests,
	)

	return c
}

// RecordVerification учитывает попытку проверки чека.
func (c *Collector) RecordVerification(outcome string, latency time.Duration) {
	c.verifications.WithLabelValues(outcome).Inc()
	c.verifyLatency.Observe(latency.Seconds())
}

// RecordDedupJoin учитывает присоединение к идущей проверке.
func (c *Collector) RecordDedupJoin() {
	c.dedupJoins.Inc()
}

// RecordReconcile учитывает результат согласования.
func (c *Collector) RecordReconcile(result string) {
	c.reconciles.WithLabelValues(result).Inc()
}

// RecordEntitlementChange учитывает изменение прав.
func (c *Collector) RecordEntitlementChange(status models.Status) {
	c.entitlementChanges.WithLabelValues(string(status)).Inc()
}

// RecordRefreshFailures учитывает неудачные плановые проверки.
func (c *Collector) RecordRefreshFailures(count int) {
	c.refreshFailures.Add(float64(count))
}

// RecordHTTPRequest учитывает HTTP-запрос.
func (c *Collector) RecordHTTPRequest(route string, statusCode int) {
	c.httpRequests.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
}

// Handler возвращает HTTP-обработчик для сбора метрик.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
