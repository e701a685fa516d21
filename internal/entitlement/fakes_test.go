package entitlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/magabrotheeeer/entitlement-service/internal/billing"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

var errNetwork = errors.New("connection reset by peer")

type fakeResponse struct {
	v   *billing.Verification
	err error
}

func validUntil(exp time.Time, productID string) fakeResponse {
	return fakeResponse{v: &billing.Verification{VerifyResponse: billing.VerifyResponse{
		Valid:     true,
		ExpiresAt: &exp,
		ProductID: productID,
	}}}
}

func rejectedWith(reason string) fakeResponse {
	return fakeResponse{v: &billing.Verification{VerifyResponse: billing.VerifyResponse{Reason: reason}}}
}

func unavailable() fakeResponse {
	return fakeResponse{err: errNetwork}
}

// fakeBackend отдаёт ответы по порядку, последний повторяется.
type fakeBackend struct {
	mu        sync.Mutex
	calls     int
	responses []fakeResponse
	gate      chan struct{} // если задан, вызов ждёт закрытия канала
	entered   chan struct{}
}

func newFakeBackend(responses ...fakeResponse) *fakeBackend {
	return &fakeBackend{responses: responses}
}

func (f *fakeBackend) VerifyReceipt(ctx context.Context, _, _ string) (*billing.Verification, error) {
	f.mu.Lock()
	f.calls++
	idx := min(f.calls-1, len(f.responses)-1)
	resp := f.responses[idx]
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp.v, resp.err
}

func (f *fakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeBackend) SetResponses(responses ...fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = responses
	f.calls = 0
}

// memStore: хранилище профилей в памяти.
type memStore struct {
	mu      sync.Mutex
	records map[string]models.SubscriptionRecord
	puts    int
	putErr  error
	getErr  error
	putHook func(models.SubscriptionRecord) // вызывается до записи, вне блокировки
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]models.SubscriptionRecord)}
}

func (s *memStore) GetSubscriptionRecord(_ context.Context, userID string) (*models.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memStore) PutSubscriptionRecord(_ context.Context, userID string, record models.SubscriptionRecord) error {
	if s.putHook != nil {
		s.putHook(record)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.puts++
	s.records[userID] = record
	return nil
}

func (s *memStore) Record(userID string) (models.SubscriptionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID]
	return rec, ok
}

func (s *memStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *memStore) SetPutErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = err
}

// recorder собирает изменения и уведомления.
type recorder struct {
	mu      sync.Mutex
	changes []Change
	notices []Notice
}

func (r *recorder) onChange(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) onNotice(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recorder) Statuses() []models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Status, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Current.Status)
	}
	return out
}

func (r *recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		Multiplier:      4,
		AttemptTimeout:  time.Second,
	}
}

func ptr(t time.Time) *time.Time {
	return &t
}
