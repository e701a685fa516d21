package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/entitlement-service/internal/lib/clock"
)

type RefresherMock struct {
	mock.Mock
}

func (m *RefresherMock) RefreshAll(ctx context.Context) int {
	return m.Called(ctx).Int(0)
}

func (m *RefresherMock) RefreshUsers(ctx context.Context, userIDs []string) int {
	return m.Called(ctx, userIDs).Int(0)
}

func (m *RefresherMock) HasSession(userID string) bool {
	return m.Called(userID).Bool(0)
}

type ListerMock struct {
	mock.Mock
}

func (m *ListerMock) ListDueForRefresh(ctx context.Context, before time.Time, limit int) ([]string, error) {
	args := m.Called(ctx, before, limit)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

type failures struct{ total int }

func (f *failures) RecordRefreshFailures(count int) { f.total += count }

func newNoopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshService_Sweep(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	refresher := new(RefresherMock)
	lister := new(ListerMock)
	rec := &failures{}

	refresher.On("RefreshAll", mock.Anything).Return(1)
	lister.On("ListDueForRefresh", mock.Anything, now.Add(24*time.Hour), 500).
		Return([]string{"live", "offline-1", "offline-2"}, nil)
	refresher.On("HasSession", "live").Return(true)
	refresher.On("HasSession", "offline-1").Return(false)
	refresher.On("HasSession", "offline-2").Return(false)
	refresher.On("RefreshUsers", mock.Anything, []string{"offline-1", "offline-2"}).Return(1)

	svc := NewRefreshService(refresher, lister, clock.NewFake(now), rec, newNoopLogger())
	res := svc.Sweep(context.Background())

	assert.Equal(t, Result{Offline: 2, Failed: 2}, res)
	assert.Equal(t, 2, rec.total)
	refresher.AssertExpectations(t)
	lister.AssertExpectations(t)
}

func TestRefreshService_ListErrorStillRefreshesSessions(t *testing.T) {
	refresher := new(RefresherMock)
	lister := new(ListerMock)

	refresher.On("RefreshAll", mock.Anything).Return(0)
	lister.On("ListDueForRefresh", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("db down"))

	svc := NewRefreshService(refresher, lister, clock.NewFake(time.Now()), nil, newNoopLogger())
	res := svc.Sweep(context.Background())

	assert.Equal(t, Result{}, res)
	refresher.AssertExpectations(t)
	refresher.AssertNotCalled(t, "RefreshUsers", mock.Anything, mock.Anything)
}
