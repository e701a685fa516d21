// Package scheduler запускает плановую повторную проверку чеков по расписанию cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	schedulerservice "github.com/magabrotheeeer/entitlement-service/internal/services/scheduler"
)

// Sweeper выполняет один проход проверки.
type Sweeper interface {
	Sweep(ctx context.Context) schedulerservice.Result
}

// App владеет расписанием cron.
type App struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// cronLogger передаёт сообщения cron в slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}

// New регистрирует проход sweeper по расписанию spec. Проход, не успевший
// завершиться к следующему срабатыванию, не запускается повторно.
func New(ctx context.Context, spec string, timeout time.Duration, sweeper Sweeper, logger *slog.Logger) (*App, error) {
	const op = "app.scheduler.New"

	cl := cronLogger{log: logger.With(slog.String("component", "cron"))}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	_, err := c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		sweeper.Sweep(runCtx)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: invalid schedule %q: %w", op, spec, err)
	}

	return &App{
		cron:   c,
		logger: logger,
	}, nil
}

// Run запускает расписание и ждёт отмены ctx, затем дожидается текущего прохода.
func (a *App) Run(ctx context.Context) error {
	a.cron.Start()
	a.logger.Info("refresh scheduler started")

	<-ctx.Done()

	a.logger.Info("shutting down refresh scheduler")
	<-a.cron.Stop().Done()
	return nil
}
