// Package scheduler содержит плановую повторную проверку чеков: живых
// сессий и сохранённых записей, срок которых подходит к концу.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/entitlement-service/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/sl"
)

// DueLister возвращает пользователей, чьи записи нужно проверить до before.
type DueLister interface {
	ListDueForRefresh(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// Refresher повторно проверяет чеки пользователей.
type Refresher interface {
	RefreshAll(ctx context.Context) int
	RefreshUsers(ctx context.Context, userIDs []string) int
	HasSession(userID string) bool
}

// FailureRecorder учитывает неудачные проверки.
type FailureRecorder interface {
	RecordRefreshFailures(count int)
}

// Result: итог одного прохода.
type Result struct {
	Offline int
	Failed  int
}

// RefreshService выполняет проход повторной проверки.
type RefreshService struct {
	refresher Refresher
	lister    DueLister
	clock     clock.Clock
	metrics   FailureRecorder
	log       *slog.Logger

	// Lookahead: насколько заранее проверяются записи без сессии.
	Lookahead time.Duration
	// BatchSize ограничивает число записей без сессии за один проход.
	BatchSize int
}

// NewRefreshService создаёт RefreshService. metrics может быть nil.
func NewRefreshService(refresher Refresher, lister DueLister, clk clock.Clock, metrics FailureRecorder,
	log *slog.Logger) *RefreshService {
	return &RefreshService{
		refresher: refresher,
		lister:    lister,
		clock:     clk,
		metrics:   metrics,
		log:       log,
		Lookahead: 24 * time.Hour,
		BatchSize: 500,
	}
}

// Sweep проверяет чеки всех открытых сессий, затем записи без сессии,
// срок которых истекает в пределах Lookahead.
func (s *RefreshService) Sweep(ctx context.Context) Result {
	const op = "scheduler.Sweep"
	log := s.log.With(slog.String("op", op))
	log.Info("starting scheduled refresh")

	var res Result
	res.Failed = s.refresher.RefreshAll(ctx)

	due, err := s.lister.ListDueForRefresh(ctx, s.clock.Now().Add(s.Lookahead), s.BatchSize)
	if err != nil {
		log.Error("failed to list records due for refresh", sl.Err(err))
	}
	offline := make([]string, 0, len(due))
	for _, id := range due {
		if !s.refresher.HasSession(id) {
			offline = append(offline, id)
		}
	}
	res.Offline = len(offline)
	if len(offline) > 0 {
		res.Failed += s.refresher.RefreshUsers(ctx, offline)
	}

	if s.metrics != nil && res.Failed > 0 {
		s.metrics.RecordRefreshFailures(res.Failed)
	}
	log.Info("scheduled refresh finished", slog.Int("offline", res.Offline), slog.Int("failed", res.Failed))
	return res
}
