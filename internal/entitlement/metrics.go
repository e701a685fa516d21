package entitlement

import (
	"time"

	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// Metrics описывает сбор метрик подсистемы прав.
type Metrics interface {
	RecordVerification(outcome string, latency time.Duration)
	RecordDedupJoin()
	RecordReconcile(result string)
	RecordEntitlementChange(status models.Status)
}

type nopMetrics struct{}

func (nopMetrics) RecordVerification(string, time.Duration) {}
func (nopMetrics) RecordDedupJoin() {}
func (nopMetrics) RecordReconcile(string) {}
func (nopMetrics) RecordEntitlementChange(models.Status) {}

// Метки исходов для метрик.
const (
	verifyOK        = "ok"
	verifyRejected  = "rejected"
	verifyTransient = "transient"

	reconcileApplied = "applied"
	reconcileKept    = "kept"
	reconcileIgnored = "ignored"
	reconcileFailed  = "persist_failed"
)
