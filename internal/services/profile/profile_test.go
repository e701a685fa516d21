package profile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/entitlement-service/internal/cache"
	"github.com/magabrotheeeer/entitlement-service/internal/config"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

type RepoMock struct{ mock.Mock }

func (m *RepoMock) GetSubscriptionRecord(ctx context.Context, userID string) (*models.SubscriptionRecord, error) {
	args := m.Called(ctx, userID)
	rec, _ := args.Get(0).(*models.SubscriptionRecord)
	return rec, args.Error(1)
}

func (m *RepoMock) PutSubscriptionRecord(ctx context.Context, userID string, record models.SubscriptionRecord) error {
	return m.Called(ctx, userID, record).Error(0)
}

type CacheMock struct{ mock.Mock }

func (m *CacheMock) Get(ctx context.Context, key string, result any) (bool, error) {
	args := m.Called(ctx, key, result)
	return args.Bool(0), args.Error(1)
}

func (m *CacheMock) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return m.Called(ctx, key, value, expiration).Error(0)
}

func (m *CacheMock) Invalidate(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func NewNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func activeRecord() models.SubscriptionRecord {
	exp := time.Date(2026, 11, 13, 9, 0, 0, 0, time.UTC)
	return models.SubscriptionRecord{
		UserID:         "u1",
		Status:         models.StatusActive,
		ProductID:      "premium_monthly",
		ExpiresAt:      &exp,
		Source:         models.SourceBackend,
		LastVerifiedAt: exp.Add(-30 * 24 * time.Hour),
		RawReceipt:     "tok_abc",
	}
}

func TestService_GetFromRepositoryFillsCache(t *testing.T) {
	ctx := context.Background()
	rec := activeRecord()
	repo := new(RepoMock)
	c := new(CacheMock)

	c.On("Get", ctx, "entitlement:u1", mock.Anything).Return(false, nil)
	repo.On("GetSubscriptionRecord", ctx, "u1").Return(&rec, nil)
	c.On("Set", ctx, "entitlement:u1", &rec, time.Minute).Return(nil)

	svc := NewService(repo, c, time.Minute, NewNoopLogger())
	got, err := svc.GetSubscriptionRecord(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, &rec, got)

	repo.AssertExpectations(t)
	c.AssertExpectations(t)
}

func TestService_GetMissingIsNotCached(t *testing.T) {
	ctx := context.Background()
	repo := new(RepoMock)
	c := new(CacheMock)

	c.On("Get", ctx, "entitlement:u1", mock.Anything).Return(false, nil)
	repo.On("GetSubscriptionRecord", ctx, "u1").Return(nil, nil)

	svc := NewService(repo, c, time.Minute, NewNoopLogger())
	got, err := svc.GetSubscriptionRecord(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
	c.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_GetCacheErrorFallsBackToRepository(t *testing.T) {
	ctx := context.Background()
	rec := activeRecord()
	repo := new(RepoMock)
	c := new(CacheMock)

	c.On("Get", ctx, "entitlement:u1", mock.Anything).Return(false, errors.New("redis down"))
	repo.On("GetSubscriptionRecord", ctx, "u1").Return(&rec, nil)
	c.On("Set", ctx, "entitlement:u1", &rec, time.Minute).Return(errors.New("redis down"))

	svc := NewService(repo, c, time.Minute, NewNoopLogger())
	got, err := svc.GetSubscriptionRecord(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, &rec, got)
}

func TestService_GetRepositoryError(t *testing.T) {
	ctx := context.Background()
	repo := new(RepoMock)
	c := new(CacheMock)

	c.On("Get", ctx, "entitlement:u1", mock.Anything).Return(false, nil)
	repo.On("GetSubscriptionRecord", ctx, "u1").Return(nil, errors.New("db down"))

	svc := NewService(repo, c, time.Minute, NewNoopLogger())
	_, err := svc.GetSubscriptionRecord(ctx, "u1")
	assert.Error(t, err)
}

func TestService_Put(t *testing.T) {
	ctx := context.Background()
	rec := activeRecord()

	t.Run("writes through", func(t *testing.T) {
		repo := new(RepoMock)
		c := new(CacheMock)
		repo.On("PutSubscriptionRecord", ctx, "u1", rec).Return(nil)
		c.On("Set", ctx, "entitlement:u1", rec, time.Minute).Return(nil)

		svc := NewService(repo, c, time.Minute, NewNoopLogger())
		require.NoError(t, svc.PutSubscriptionRecord(ctx, "u1", rec))
		repo.AssertExpectations(t)
		c.AssertExpectations(t)
	})

	t.Run("repository failure invalidates cache", func(t *testing.T) {
		repo := new(RepoMock)
		c := new(CacheMock)
		repo.On("PutSubscriptionRecord", ctx, "u1", rec).Return(errors.New("db down"))
		c.On("Invalidate", ctx, "entitlement:u1").Return(nil)

		svc := NewService(repo, c, time.Minute, NewNoopLogger())
		assert.Error(t, svc.PutSubscriptionRecord(ctx, "u1", rec))
		c.AssertExpectations(t)
		c.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("cache failure drops stale key", func(t *testing.T) {
		repo := new(RepoMock)
		c := new(CacheMock)
		repo.On("PutSubscriptionRecord", ctx, "u1", rec).Return(nil)
		c.On("Set", ctx, "entitlement:u1", rec, time.Minute).Return(errors.New("redis down"))
		c.On("Invalidate", ctx, "entitlement:u1").Return(nil)

		svc := NewService(repo, c, time.Minute, NewNoopLogger())
		require.NoError(t, svc.PutSubscriptionRecord(ctx, "u1", rec))
		c.AssertExpectations(t)
	})
}

func TestService_WithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	ctx := context.Background()
	c, err := cache.InitServer(ctx, config.RedisConnection{AddressRedis: mr.Addr()})
	require.NoError(t, err)

	rec := activeRecord()
	repo := new(RepoMock)
	repo.On("PutSubscriptionRecord", mock.Anything, "u1", rec).Return(nil)

	svc := NewService(repo, c, time.Minute, NewNoopLogger())
	require.NoError(t, svc.PutSubscriptionRecord(ctx, "u1", rec))
	assert.True(t, mr.Exists("entitlement:u1"))

	// чтение обслуживается кэшем, репозиторий не вызывается
	got, err := svc.GetSubscriptionRecord(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, rec.Equal(*got))
	repo.AssertNotCalled(t, "GetSubscriptionRecord", mock.Anything, mock.Anything)

	mr.FastForward(2 * time.Minute)
	repo.On("GetSubscriptionRecord", mock.Anything, "u1").Return(nil, nil)
	got, err = svc.GetSubscriptionRecord(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
