package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/magabrotheeeer/entitlement-service/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// Manager хранит согласователи активных сессий пользователей.
type Manager struct {
	store    ProfileStore
	verifier ReceiptVerifier
	clock    clock.Clock
	cfg      Config
	metrics  Metrics
	log      *slog.Logger

	mu        sync.RWMutex
	sessions  map[string]*Reconciler
	shared    map[string]*borrowed
	listeners []func(Change)
	notifiers []func(Notice)

	// RefreshConcurrency ограничивает число одновременных проверок в RefreshAll.
	RefreshConcurrency int
}

// borrowed: согласователь пользователя без сессии, общий для всех
// одновременных вызовов. Закрывается, когда его отпускает последний вызов.
type borrowed struct {
	r        *Reconciler
	refs     int
	ready    chan struct{}
	err      error
	promoted bool
}

// NewManager создаёт менеджер сессий.
func NewManager(store ProfileStore, verifier ReceiptVerifier, clk clock.Clock, cfg Config,
	metrics Metrics, log *slog.Logger) *Manager {
	return &Manager{
		store:              store,
		verifier:           verifier,
		clock:              clk,
		cfg:                cfg,
		metrics:            metrics,
		log:                log,
		sessions:           make(map[string]*Reconciler),
		shared:             make(map[string]*borrowed),
		RefreshConcurrency: 4,
	}
}

// OnEntitlementChanged подписывает fn на изменения во всех сессиях,
// включая создаваемые позже.
func (m *Manager) OnEntitlementChanged(fn func(Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
	for _, r := range m.sessions {
		r.OnEntitlementChanged(fn)
	}
}

// OnNotice подписывает fn на уведомления во всех сессиях.
func (m *Manager) OnNotice(fn func(Notice)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers = append(m.notifiers, fn)
	for _, r := range m.sessions {
		r.OnNotice(fn)
	}
}

func (m *Manager) newReconcilerLocked(userID string) *Reconciler {
	r := NewReconciler(userID, m.store, m.verifier, m.clock, m.cfg, m.metrics, m.log)
	for _, fn := range m.listeners {
		r.OnEntitlementChanged(fn)
	}
	for _, fn := range m.notifiers {
		r.OnNotice(fn)
	}
	return r
}

// acquire возвращает согласователь пользователя. Для открытой сессии entry
// равен nil; иначе согласователь общий для всех текущих вызовов и должен
// быть отпущен через release.
func (m *Manager) acquire(ctx context.Context, userID string) (*Reconciler, *borrowed, error) {
	m.mu.Lock()
	if r, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		return r, nil, nil
	}
	entry, ok := m.shared[userID]
	if ok {
		entry.refs++
		m.mu.Unlock()
		select {
		case <-entry.ready:
		case <-ctx.Done():
			m.release(userID, entry)
			return nil, nil, ctx.Err()
		}
	} else {
		entry = &borrowed{r: m.newReconcilerLocked(userID), refs: 1, ready: make(chan struct{})}
		m.shared[userID] = entry
		m.mu.Unlock()
		entry.err = entry.r.Load(ctx)
		close(entry.ready)
	}

	if entry.err != nil && !errors.Is(entry.err, ErrPersistence) {
		m.release(userID, entry)
		return nil, nil, entry.err
	}
	return entry.r, entry, nil
}

func (m *Manager) release(userID string, entry *borrowed) {
	if entry == nil {
		return
	}
	m.mu.Lock()
	entry.refs--
	last := entry.refs == 0
	if last && m.shared[userID] == entry {
		delete(m.shared, userID)
	}
	closeIt := last && !entry.promoted
	m.mu.Unlock()

	if closeIt {
		entry.r.Close()
	}
}

// Login открывает сессию пользователя: загружает запись и запускает фоновую
// проверку сохранённого чека. Повторный вход возвращает существующую сессию.
// Если для пользователя уже идёт операция без сессии, её согласователь
// становится согласователем сессии.
//
// Ошибка ErrPersistence не мешает входу: сессия создаётся, запись в памяти действует.
func (m *Manager) Login(ctx context.Context, userID string) (*Reconciler, error) {
	const op = "entitlement.Login"

	r, entry, err := m.acquire(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if entry == nil {
		return r, nil
	}

	m.mu.Lock()
	if existing, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		m.release(userID, entry)
		return existing, nil
	}
	entry.promoted = true
	m.sessions[userID] = r
	if m.shared[userID] == entry {
		delete(m.shared, userID)
	}
	m.mu.Unlock()
	m.release(userID, entry)

	m.log.Info("session opened", sl.User(userID), slog.String("status", string(r.CurrentStatus())))
	r.StartupRefresh()
	return r, entry.err
}

// OpenSession открывает сессию и возвращает текущую запись пользователя.
func (m *Manager) OpenSession(ctx context.Context, userID string) (models.SubscriptionRecord, error) {
	r, err := m.Login(ctx, userID)
	if r == nil {
		return models.SubscriptionRecord{}, err
	}
	return r.Current(), err
}

// Logout закрывает сессию пользователя. Сохранённая запись остаётся.
func (m *Manager) Logout(userID string) {
	m.mu.Lock()
	r, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if ok {
		r.Close()
		m.log.Info("session closed", sl.User(userID))
	}
}

// Get возвращает сессию пользователя, если она открыта.
func (m *Manager) Get(userID string) (*Reconciler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.sessions[userID]
	return r, ok
}

// HasSession сообщает, открыта ли сессия пользователя.
func (m *Manager) HasSession(userID string) bool {
	_, ok := m.Get(userID)
	return ok
}

// Sessions возвращает число открытых сессий.
func (m *Manager) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// withSession выполняет fn над сессией пользователя. Если сессии нет,
// используется временный согласователь, общий для одновременных вызовов,
// так что записи пользователя применяет один владелец.
func (m *Manager) withSession(ctx context.Context, userID string, fn func(*Reconciler) error) error {
	r, entry, err := m.acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer m.release(userID, entry)
	return fn(r)
}

// HandlePurchase передаёт событие покупки согласователю пользователя.
func (m *Manager) HandlePurchase(ctx context.Context, event models.PurchaseEvent) error {
	const op = "entitlement.Manager.HandlePurchase"
	err := m.withSession(ctx, event.UserID, func(r *Reconciler) error {
		return r.HandlePurchase(ctx, Receipt{Token: event.Receipt, ProductID: event.ProductID})
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ApplyBackendRecord согласует запись, пришедшую от бэкенда.
func (m *Manager) ApplyBackendRecord(ctx context.Context, record models.SubscriptionRecord) error {
	const op = "entitlement.Manager.ApplyBackendRecord"
	record.Source = models.SourceBackend
	err := m.withSession(ctx, record.UserID, func(r *Reconciler) error {
		return r.Reconcile(ctx, record)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RefreshUser повторно проверяет сохранённый чек пользователя,
// в том числе без открытой сессии.
func (m *Manager) RefreshUser(ctx context.Context, userID string) error {
	const op = "entitlement.Manager.RefreshUser"
	err := m.withSession(ctx, userID, func(r *Reconciler) error {
		return r.Refresh(ctx)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Current возвращает текущую запись пользователя. Без сессии запись
// читается из хранилища и переоценивается по часам.
func (m *Manager) Current(ctx context.Context, userID string) (models.SubscriptionRecord, error) {
	const op = "entitlement.Manager.Current"
	var rec models.SubscriptionRecord
	err := m.withSession(ctx, userID, func(r *Reconciler) error {
		rec = r.Current()
		return nil
	})
	if err != nil {
		return models.SubscriptionRecord{}, fmt.Errorf("%s: %w", op, err)
	}
	return rec, nil
}

// RefreshUsers проверяет чеки перечисленных пользователей с ограничением
// параллельности. Возвращает число неудачных проверок.
func (m *Manager) RefreshUsers(ctx context.Context, userIDs []string) int {
	var (
		mu     sync.Mutex
		failed int
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.RefreshConcurrency, 1))
	for _, id := range userIDs {
		g.Go(func() error {
			if err := m.RefreshUser(ctx, id); err != nil && !errors.Is(err, ErrSessionClosed) {
				m.log.Warn("scheduled refresh failed", sl.User(id), sl.Err(err))
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// RefreshAll повторно проверяет чеки всех открытых сессий.
// Ошибки отдельных сессий логируются и не прерывают обход.
func (m *Manager) RefreshAll(ctx context.Context) int {
	m.mu.RLock()
	sessions := make([]*Reconciler, 0, len(m.sessions))
	for _, r := range m.sessions {
		sessions = append(sessions, r)
	}
	m.mu.RUnlock()

	var (
		mu     sync.Mutex
		failed int
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.RefreshConcurrency, 1))
	for _, r := range sessions {
		g.Go(func() error {
			if err := r.Refresh(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
				m.log.Warn("scheduled refresh failed", sl.User(r.UserID()), sl.Err(err))
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// Close закрывает все сессии.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Reconciler)
	m.mu.Unlock()

	for _, r := range sessions {
		r.Close()
	}
}
