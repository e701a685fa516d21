// Package entitlement содержит ядро проверки прав на подписку: верификатор чеков
// и согласователь, который хранит текущую запись пользователя и решает,
// доступны ли платные функции.
package entitlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/magabrotheeeer/entitlement-service/internal/billing"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// MaxReceiptSize: максимальный размер чека в байтах.
const MaxReceiptSize = 64 << 10

// Backend: узкий интерфейс бэкенда: только проверка чека.
type Backend interface {
	VerifyReceipt(ctx context.Context, receipt, productID string) (*billing.Verification, error)
}

// Receipt: непрозрачный чек магазина и SKU, к которому он относится.
type Receipt struct {
	Token     string
	ProductID string
}

// RetryPolicy задаёт повторы при временных ошибках проверки.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	AttemptTimeout  time.Duration
}

// DefaultRetryPolicy: 3 попытки с паузами 1s и 4s, таймаут попытки 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		Multiplier:      4,
		AttemptTimeout:  10 * time.Second,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	return p
}

// MaxDuration возвращает наибольшее время проверки одного чека: все попытки
// с таймаутом и паузы между ними.
func (p RetryPolicy) MaxDuration() time.Duration {
	p = p.normalized()
	total := time.Duration(p.MaxAttempts) * p.AttemptTimeout
	wait := float64(p.InitialInterval)
	for range p.MaxAttempts - 1 {
		total += time.Duration(wait)
		wait *= p.Multiplier
	}
	return total
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxInterval = 24 * time.Hour
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
}

// ValidateReceipt проверяет чек без обращения к сети.
func ValidateReceipt(r Receipt) error {
	if strings.TrimSpace(r.Token) == "" {
		return fmt.Errorf("%w: empty token", ErrMalformedReceipt)
	}
	if len(r.Token) > MaxReceiptSize {
		return fmt.Errorf("%w: token exceeds %d bytes", ErrMalformedReceipt, MaxReceiptSize)
	}
	return nil
}

func receiptKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

type serverTimeObserver interface {
	Observe(server, local time.Time)
}

// Verifier превращает чек в подтверждённую бэкендом запись о подписке.
// Одновременные проверки одного чека объединяются в один сетевой вызов.
type Verifier struct {
	backend Backend
	clock   clock.Clock
	policy  RetryPolicy
	metrics Metrics
	log     *slog.Logger

	inflight singleflight.Group
	rejected sync.Map // хэш чека -> причина отказа
}

// NewVerifier создаёт верификатор. metrics может быть nil.
func NewVerifier(backend Backend, clk clock.Clock, policy RetryPolicy, metrics Metrics, log *slog.Logger) *Verifier {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Verifier{
		backend: backend,
		clock:   clk,
		policy:  policy.normalized(),
		metrics: metrics,
		log:     log,
	}
}

// Verify проверяет чек.
//
// Возвращает запись с source=backend либо ошибку, сопоставимую через errors.Is
// с ErrMalformedReceipt, ErrReceiptRejected или ErrTransientVerification.
// Поле UserID результата не заполняется.
func (v *Verifier) Verify(ctx context.Context, receipt Receipt) (models.SubscriptionRecord, error) {
	const op = "entitlement.Verify"

	if err := ValidateReceipt(receipt); err != nil {
		return models.SubscriptionRecord{}, fmt.Errorf("%s: %w", op, err)
	}

	key := receiptKey(receipt.Token)
	if reason, ok := v.rejected.Load(key); ok {
		return models.SubscriptionRecord{}, fmt.Errorf("%s: %w", op, &RejectedError{Reason: reason.(string)})
	}

	// Общий вызов не зависит от отмены контекста первого ожидающего.
	shared := context.WithoutCancel(ctx)
	ch := v.inflight.DoChan(key, func() (any, error) {
		return v.verifyWithRetry(shared, key, receipt)
	})

	select {
	case res := <-ch:
		if res.Shared {
			v.metrics.RecordDedupJoin()
		}
		if res.Err != nil {
			return models.SubscriptionRecord{}, fmt.Errorf("%s: %w", op, res.Err)
		}
		return res.Val.(models.SubscriptionRecord), nil
	case <-ctx.Done():
		return models.SubscriptionRecord{}, fmt.Errorf("%s: %w: %w", op, ErrTransientVerification, ctx.Err())
	}
}

func (v *Verifier) verifyWithRetry(ctx context.Context, key string, receipt Receipt) (models.SubscriptionRecord, error) {
	log := v.log.With(slog.String("receipt", key[:12]), slog.String("product_id", receipt.ProductID))

	var (
		result  models.SubscriptionRecord
		attempt int
	)
	operation := func() error {
		attempt++
		rec, err := v.attempt(ctx, receipt)
		if err != nil {
			if errors.Is(err, ErrReceiptRejected) {
				return backoff.Permanent(err)
			}
			log.Warn("verification attempt failed", slog.Int("attempt", attempt), sl.Err(err))
			return err
		}
		result = rec
		return nil
	}

	err := backoff.RetryNotify(operation, v.policy.backOff(ctx), func(err error, next time.Duration) {
		log.Debug("retrying verification", slog.Duration("backoff", next))
	})
	if err != nil {
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			v.rejected.Store(key, rejected.Reason)
			log.Info("receipt rejected", slog.String("reason", rejected.Reason))
			return models.SubscriptionRecord{}, err
		}
		log.Error("verification failed after retries", slog.Int("attempts", attempt), sl.Err(err))
		if !errors.Is(err, ErrTransientVerification) {
			err = fmt.Errorf("%w: %w", ErrTransientVerification, err)
		}
		return models.SubscriptionRecord{}, err
	}

	log.Info("receipt verified", slog.Int("attempts", attempt), slog.String("status", string(result.Status)))
	return result, nil
}

func (v *Verifier) attempt(ctx context.Context, receipt Receipt) (models.SubscriptionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, v.policy.AttemptTimeout)
	defer cancel()

	start := time.Now()
	resp, err := v.backend.VerifyReceipt(ctx, receipt.Token, receipt.ProductID)
	if err != nil {
		v.metrics.RecordVerification(verifyTransient, time.Since(start))
		return models.SubscriptionRecord{}, fmt.Errorf("%w: %w", ErrTransientVerification, err)
	}
	if obs, ok := v.clock.(serverTimeObserver); ok {
		obs.Observe(resp.ServerTime, time.Now())
	}

	if !resp.Valid {
		if resp.Reason == "" {
			v.metrics.RecordVerification(verifyTransient, time.Since(start))
			return models.SubscriptionRecord{}, fmt.Errorf("%w: negative response without reason", ErrTransientVerification)
		}
		v.metrics.RecordVerification(verifyRejected, time.Since(start))
		return models.SubscriptionRecord{}, &RejectedError{Reason: resp.Reason}
	}
	if resp.ExpiresAt == nil {
		v.metrics.RecordVerification(verifyTransient, time.Since(start))
		return models.SubscriptionRecord{}, fmt.Errorf("%w: valid response without expiresAt", ErrTransientVerification)
	}
	v.metrics.RecordVerification(verifyOK, time.Since(start))

	now := v.clock.Now()
	expiresAt := resp.ExpiresAt.UTC()
	status := models.StatusActive
	if !expiresAt.After(now) {
		status = models.StatusExpired
	}
	productID := resp.ProductID
	if productID == "" {
		productID = receipt.ProductID
	}
	return models.SubscriptionRecord{
		Status:         status,
		ProductID:      productID,
		ExpiresAt:      &expiresAt,
		Source:         models.SourceBackend,
		LastVerifiedAt: now,
		RawReceipt:     receipt.Token,
	}, nil
}
