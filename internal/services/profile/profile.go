// Package profile реализует хранилище профилей подписки: PostgreSQL как
// источник истины и redis как кэш чтения.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/entitlement-service/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// Repository: долговременное хранилище записей.
type Repository interface {
	GetSubscriptionRecord(ctx context.Context, userID string) (*models.SubscriptionRecord, error)
	PutSubscriptionRecord(ctx context.Context, userID string, record models.SubscriptionRecord) error
}

// Cache: кэш значений по ключу.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// Service читает записи через кэш и пишет сразу в оба хранилища.
type Service struct {
	repo  Repository
	cache Cache
	ttl   time.Duration
	log   *slog.Logger
}

// NewService создаёт хранилище профилей. ttl: время жизни записи в кэше.
func NewService(repo Repository, cache Cache, ttl time.Duration, log *slog.Logger) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		ttl:   ttl,
		log:   log,
	}
}

func cacheKey(userID string) string {
	return "entitlement:" + userID
}

// GetSubscriptionRecord возвращает запись пользователя или nil, если её нет.
// Ошибка кэша не мешает чтению из базы.
func (s *Service) GetSubscriptionRecord(ctx context.Context, userID string) (*models.SubscriptionRecord, error) {
	const op = "profile.GetSubscriptionRecord"
	key := cacheKey(userID)

	var cached models.SubscriptionRecord
	found, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.log.Warn("failed to read from cache", slog.String("key", key), sl.Err(err))
	}
	if found {
		return &cached, nil
	}

	rec, err := s.repo.GetSubscriptionRecord(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if rec == nil {
		return nil, nil
	}

	if err := s.cache.Set(ctx, key, rec, s.ttl); err != nil {
		s.log.Warn("failed to add to cache", slog.String("key", key), sl.Err(err))
	}
	return rec, nil
}

// PutSubscriptionRecord сохраняет запись в базе и обновляет кэш.
// Если обновить кэш не удалось, ключ удаляется, чтобы не отдавать старую запись.
func (s *Service) PutSubscriptionRecord(ctx context.Context, userID string, record models.SubscriptionRecord) error {
	const op = "profile.PutSubscriptionRecord"
	key := cacheKey(userID)

	if err := s.repo.PutSubscriptionRecord(ctx, userID, record); err != nil {
		if err := s.cache.Invalidate(ctx, key); err != nil {
			s.log.Warn("failed to remove from cache", slog.String("key", key), sl.Err(err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.cache.Set(ctx, key, record, s.ttl); err != nil {
		s.log.Warn("failed to update cache", slog.String("key", key), sl.Err(err))
		if err := s.cache.Invalidate(ctx, key); err != nil {
			s.log.Warn("failed to remove from cache", slog.String("key", key), sl.Err(err))
		}
	}
	return nil
}
