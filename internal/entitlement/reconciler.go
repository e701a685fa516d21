package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/magabrotheeeer/entitlement-service/internal/lib/clock"
	"github.com/magabrotheeeer/entitlement-service/internal/lib/sl"
	"github.com/magabrotheeeer/entitlement-service/internal/models"
)

// ProfileStore: долговременное хранилище записи о подписке пользователя.
type ProfileStore interface {
	// GetSubscriptionRecord возвращает nil без ошибки, если записи нет.
	GetSubscriptionRecord(ctx context.Context, userID string) (*models.SubscriptionRecord, error)
	PutSubscriptionRecord(ctx context.Context, userID string, record models.SubscriptionRecord) error
}

// ReceiptVerifier проверяет чек и возвращает запись бэкенда.
type ReceiptVerifier interface {
	Verify(ctx context.Context, receipt Receipt) (models.SubscriptionRecord, error)
}

// Change: изменение статуса или срока действия подписки.
type Change struct {
	UserID   string
	Previous models.SubscriptionRecord
	Current  models.SubscriptionRecord
}

// NoticeKind: вид пользовательского уведомления «не удалось подтвердить подписку».
type NoticeKind string

const (
	// NoticePending: проверка чека не завершилась, права не изменились.
	NoticePending NoticeKind = "pending_confirmation"
	// NoticePersistence: не удалось сохранить профиль.
	NoticePersistence NoticeKind = "persistence_failure"
)

// Notice: уведомление для интерфейса.
type Notice struct {
	UserID string
	Kind   NoticeKind
	Err    error
}

// Config: настройки согласователя.
type Config struct {
	// GracePeriod: окно после expiresAt, в течение которого доступ сохраняется.
	GracePeriod time.Duration
}

// effects собирает уведомления, которые рассылаются после снятия блокировки.
type effects struct {
	change  *Change
	notices []Notice
}

// Reconciler: единственный владелец записи о подписке пользователя в рамках сессии.
//
// Все изменения записи сериализуются; IsEntitled и CurrentStatus читают
// опубликованный снимок и не блокируются.
type Reconciler struct {
	userID   string
	store    ProfileStore
	verifier ReceiptVerifier
	clock    clock.Clock
	grace    time.Duration
	metrics  Metrics
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	record        models.SubscriptionRecord
	dirty         bool
	closed        bool
	timer         *time.Timer
	noticeReceipt string // чек, по которому уже выдано уведомление NoticePending

	snapshot atomic.Pointer[models.SubscriptionRecord]

	lmu       sync.Mutex
	nextID    int
	listeners map[int]func(Change)
	notifiers map[int]func(Notice)
}

// NewReconciler создаёт согласователь для пользователя. До Load запись пуста (none).
func NewReconciler(userID string, store ProfileStore, verifier ReceiptVerifier, clk clock.Clock,
	cfg Config, metrics Metrics, log *slog.Logger) *Reconciler {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		userID:    userID,
		store:     store,
		verifier:  verifier,
		clock:     clk,
		grace:     cfg.GracePeriod,
		metrics:   metrics,
		log:       log.With(sl.User(userID)),
		ctx:       ctx,
		cancel:    cancel,
		record:    models.NewRecord(userID),
		listeners: make(map[int]func(Change)),
		notifiers: make(map[int]func(Notice)),
	}
	r.publish()
	return r
}

// UserID возвращает идентификатор владельца записи.
func (r *Reconciler) UserID() string {
	return r.userID
}

// IsEntitled сообщает, доступны ли платные функции прямо сейчас.
func (r *Reconciler) IsEntitled() bool {
	return r.snapshot.Load().Status.Entitled()
}

// CurrentStatus возвращает текущий статус подписки.
func (r *Reconciler) CurrentStatus() models.Status {
	return r.snapshot.Load().Status
}

// Current возвращает копию текущей записи.
func (r *Reconciler) Current() models.SubscriptionRecord {
	rec := *r.snapshot.Load()
	if rec.ExpiresAt != nil {
		exp := *rec.ExpiresAt
		rec.ExpiresAt = &exp
	}
	return rec
}

// OnEntitlementChanged подписывает fn на изменения статуса или срока действия.
// Возвращает функцию отписки.
func (r *Reconciler) OnEntitlementChanged(fn func(Change)) func() {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() {
		r.lmu.Lock()
		defer r.lmu.Unlock()
		delete(r.listeners, id)
	}
}

// OnNotice подписывает fn на пользовательские уведомления.
func (r *Reconciler) OnNotice(fn func(Notice)) func() {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	id := r.nextID
	r.nextID++
	r.notifiers[id] = fn
	return func() {
		r.lmu.Lock()
		defer r.lmu.Unlock()
		delete(r.notifiers, id)
	}
}

// Load читает сохранённую запись при входе пользователя.
// Отсутствующая запись создаётся со статусом none и сохраняется.
func (r *Reconciler) Load(ctx context.Context) error {
	const op = "entitlement.Load"

	stored, err := r.store.GetSubscriptionRecord(ctx, r.userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrSessionClosed)
	}

	var (
		next    models.SubscriptionRecord
		persist bool
	)
	if stored == nil || stored.Validate() != nil {
		if stored != nil {
			r.log.Warn("stored record is invalid, starting from none", sl.Err(stored.Validate()))
		}
		next = models.NewRecord(r.userID)
		persist = true
	} else {
		next = *stored
		next.UserID = r.userID
		next.Source = models.SourceCache
		if next.Status == models.StatusPendingVerification {
			// Проверка прошлой сессии не завершилась: возвращаемся к статусу по сроку.
			next.Status = models.StatusActive
			if next.ExpiresAt == nil {
				next.Status = models.StatusNone
			}
		}
		next = r.evaluate(next, r.clock.Now())
		persist = next.Status != stored.Status
	}

	prev := r.record
	r.record = next
	r.publish()
	r.scheduleLocked()

	var eff effects
	if !prev.SameEntitlement(next) {
		eff.change = &Change{UserID: r.userID, Previous: prev, Current: next}
	}
	if persist {
		err = r.persistLocked(ctx, &eff)
	}
	r.mu.Unlock()

	r.log.Info("subscription record loaded", sl.Record(next))
	r.dispatch(eff)
	return err
}

// Reconcile применяет запись-кандидата по правилу старшинства: выигрывает
// большее lastVerifiedAt, при равенстве: source=backend.
//
// Расхождения данных не считаются ошибкой. Ошибка возвращается только при
// сбое записи в хранилище (ErrPersistence); запись в памяти остаётся в силе,
// а сохранение повторяется при следующем вызове.
func (r *Reconciler) Reconcile(ctx context.Context, candidate models.SubscriptionRecord) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("entitlement.Reconcile: %w", ErrSessionClosed)
	}
	eff, err := r.reconcileLocked(ctx, candidate)
	r.mu.Unlock()

	r.dispatch(eff)
	return err
}

func (r *Reconciler) reconcileLocked(ctx context.Context, candidate models.SubscriptionRecord) (effects, error) {
	var eff effects

	if candidate.UserID == "" {
		candidate.UserID = r.userID
	}
	if candidate.UserID != r.userID {
		r.log.Warn("ignoring candidate for another user", slog.String("candidate_user_id", candidate.UserID))
		r.metrics.RecordReconcile(reconcileIgnored)
		return eff, nil
	}
	if err := candidate.Validate(); err != nil {
		r.log.Warn("ignoring invalid candidate", sl.Err(err))
		r.metrics.RecordReconcile(reconcileIgnored)
		return eff, nil
	}

	if !wins(candidate, r.record) {
		r.metrics.RecordReconcile(reconcileKept)
		if r.dirty {
			return eff, r.persistLocked(ctx, &eff)
		}
		return eff, nil
	}

	next := r.evaluate(candidate, r.clock.Now())
	if next.RawReceipt == "" {
		// Записи бэкенда приходят без чека; сохранённый чек нужен для повторной проверки.
		next.RawReceipt = r.record.RawReceipt
	}
	if next.Status.Entitled() || next.Source == models.SourceBackend {
		r.noticeReceipt = ""
	}
	r.metrics.RecordReconcile(reconcileApplied)
	err := r.replaceLocked(ctx, next, &eff)
	return eff, err
}

// wins сообщает, вытесняет ли кандидат текущую запись.
func wins(candidate, current models.SubscriptionRecord) bool {
	if candidate.LastVerifiedAt.After(current.LastVerifiedAt) {
		return true
	}
	if candidate.LastVerifiedAt.Equal(current.LastVerifiedAt) {
		return candidate.Source == models.SourceBackend && current.Source != models.SourceBackend
	}
	return false
}

// evaluate приводит статус записи в соответствие со сроком действия на момент now.
func (r *Reconciler) evaluate(rec models.SubscriptionRecord, now time.Time) models.SubscriptionRecord {
	if rec.ExpiresAt == nil {
		return rec
	}
	switch rec.Status {
	case models.StatusActive, models.StatusGracePeriod:
		exp := *rec.ExpiresAt
		switch {
		case now.Before(exp):
			rec.Status = models.StatusActive
		case now.Before(exp.Add(r.grace)):
			rec.Status = models.StatusGracePeriod
		default:
			rec.Status = models.StatusExpired
		}
	}
	return rec
}

// HandlePurchase обрабатывает завершённую покупку или повторную проверку чека.
func (r *Reconciler) HandlePurchase(ctx context.Context, receipt Receipt) error {
	const op = "entitlement.HandlePurchase"

	if err := ValidateReceipt(receipt); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", op, ErrSessionClosed)
	}
	prev := r.record
	eff := r.beginLocked(ctx, receipt)
	r.mu.Unlock()
	r.dispatch(eff)

	rec, err := r.verifier.Verify(ctx, receipt)
	switch {
	case err == nil:
		rec.UserID = r.userID
		return r.Reconcile(ctx, rec)
	case errors.Is(err, ErrReceiptRejected):
		return r.reject(ctx, receipt, err)
	case errors.Is(err, ErrMalformedReceipt):
		r.restore(ctx, receipt, prev)
		return err
	default:
		r.fail(ctx, receipt, prev, err)
		return err
	}
}

// Refresh повторно проверяет сохранённый чек. Без чека ничего не делает.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("entitlement.Refresh: %w", ErrSessionClosed)
	}
	receipt := Receipt{Token: r.record.RawReceipt, ProductID: r.record.ProductID}
	r.mu.Unlock()

	if receipt.Token == "" {
		return nil
	}
	return r.HandlePurchase(ctx, receipt)
}

// StartupRefresh запускает проверку сохранённого чека в фоне при старте сессии.
func (r *Reconciler) StartupRefresh() {
	r.goBackground("startup refresh")
}

func (r *Reconciler) goBackground(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Refresh(r.ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
			r.log.Warn("background refresh failed", slog.String("reason", reason), sl.Err(err))
		}
	}()
}

// beginLocked переводит none/expired в pending_verification и запоминает новый чек.
// Действующая запись сохраняет чек, на котором она основана, до подтверждения нового.
func (r *Reconciler) beginLocked(ctx context.Context, receipt Receipt) effects {
	var eff effects
	if r.record.Status != models.StatusNone && r.record.Status != models.StatusExpired &&
		r.record.Status != models.StatusPendingVerification {
		return eff
	}
	next := r.record
	next.RawReceipt = receipt.Token
	next.Status = models.StatusPendingVerification
	next.Source = models.SourceStore
	if receipt.ProductID != "" {
		next.ProductID = receipt.ProductID
	}
	if next.Equal(r.record) {
		return eff
	}
	_ = r.replaceLocked(ctx, next, &eff)
	return eff
}

// restore возвращает статус, бывший до начала проверки, если запись всё ещё
// является отметкой ожидания для этого чека.
func (r *Reconciler) restore(ctx context.Context, receipt Receipt, prev models.SubscriptionRecord) {
	r.mu.Lock()
	var eff effects
	cur := r.record
	if !r.closed && cur.Status == models.StatusPendingVerification && cur.RawReceipt == receipt.Token {
		next := prev
		next.RawReceipt = receipt.Token
		_ = r.replaceLocked(ctx, next, &eff)
	}
	r.mu.Unlock()
	r.dispatch(eff)
}

// fail обрабатывает исчерпанные временные ошибки: права не меняются,
// по чеку выдаётся одно уведомление NoticePending.
func (r *Reconciler) fail(ctx context.Context, receipt Receipt, prev models.SubscriptionRecord, cause error) {
	r.restore(ctx, receipt, prev)

	r.mu.Lock()
	var eff effects
	if !r.closed && r.noticeReceipt != receipt.Token {
		r.noticeReceipt = receipt.Token
		eff.notices = append(eff.notices, Notice{UserID: r.userID, Kind: NoticePending, Err: cause})
	}
	r.mu.Unlock()
	r.dispatch(eff)
}

// reject понижает права после окончательного отказа бэкенда. Понижение
// происходит, только если запись основана на отклонённом чеке; отказ по
// любому другому чеку не затрагивает запись.
func (r *Reconciler) reject(ctx context.Context, receipt Receipt, cause error) error {
	r.mu.Lock()
	var eff effects
	cur := r.record
	if r.closed || cur.RawReceipt != receipt.Token {
		r.mu.Unlock()
		r.log.Info("rejection ignored, record rests on another receipt")
		return cause
	}

	now := r.clock.Now()
	next := models.SubscriptionRecord{
		UserID:         r.userID,
		Status:         models.StatusNone,
		Source:         models.SourceBackend,
		LastVerifiedAt: now,
	}
	if cur.ExpiresAt != nil && !now.Before(*cur.ExpiresAt) {
		exp := *cur.ExpiresAt
		next.Status = models.StatusExpired
		next.ExpiresAt = &exp
		next.ProductID = cur.ProductID
	}
	r.noticeReceipt = ""
	err := r.replaceLocked(ctx, next, &eff)
	r.mu.Unlock()

	r.dispatch(eff)
	if err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// CheckExpiry переводит active → grace_period → expired по сроку действия.
// Вызывается таймером; при входе в grace_period запускается повторная проверка.
func (r *Reconciler) CheckExpiry(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	cur := r.record
	next := r.evaluate(cur, r.clock.Now())
	if next.Status == cur.Status {
		r.scheduleLocked()
		r.mu.Unlock()
		return
	}

	var eff effects
	_ = r.replaceLocked(ctx, next, &eff)
	enteredGrace := next.Status == models.StatusGracePeriod && next.RawReceipt != ""
	r.mu.Unlock()

	r.log.Info("subscription status changed by expiry check",
		slog.String("from", string(cur.Status)), slog.String("to", string(next.Status)))
	r.dispatch(eff)
	if enteredGrace {
		r.goBackground("grace period")
	}
}

// replaceLocked заменяет запись целиком, сохраняет её и перепланирует проверку срока.
func (r *Reconciler) replaceLocked(ctx context.Context, next models.SubscriptionRecord, eff *effects) error {
	prev := r.record
	r.record = next
	r.publish()
	r.scheduleLocked()

	if !prev.SameEntitlement(next) {
		eff.change = &Change{UserID: r.userID, Previous: prev, Current: next}
		r.metrics.RecordEntitlementChange(next.Status)
	}
	if prev.Equal(next) && !r.dirty {
		return nil
	}
	return r.persistLocked(ctx, eff)
}

func (r *Reconciler) persistLocked(ctx context.Context, eff *effects) error {
	const op = "entitlement.persist"
	if err := r.store.PutSubscriptionRecord(ctx, r.userID, r.record); err != nil {
		r.dirty = true
		r.metrics.RecordReconcile(reconcileFailed)
		r.log.Error("failed to persist subscription record", sl.Err(err))
		err = fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
		eff.notices = append(eff.notices, Notice{UserID: r.userID, Kind: NoticePersistence, Err: err})
		return err
	}
	r.dirty = false
	return nil
}

func (r *Reconciler) publish() {
	rec := r.record
	r.snapshot.Store(&rec)
}

// scheduleLocked перезапускает таймер проверки срока действия.
func (r *Reconciler) scheduleLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.closed || r.record.ExpiresAt == nil {
		return
	}

	var at time.Time
	switch r.record.Status {
	case models.StatusActive:
		at = *r.record.ExpiresAt
	case models.StatusGracePeriod:
		at = r.record.ExpiresAt.Add(r.grace)
	default:
		return
	}

	delay := max(at.Sub(r.clock.Now()), 0)
	r.timer = time.AfterFunc(delay, func() {
		r.CheckExpiry(r.ctx)
	})
}

// dispatch рассылает изменения и уведомления вне блокировки записи.
// Паника подписчика не выходит за пределы согласователя.
func (r *Reconciler) dispatch(eff effects) {
	if eff.change == nil && len(eff.notices) == 0 {
		return
	}

	r.lmu.Lock()
	listeners := make([]func(Change), 0, len(r.listeners))
	for _, fn := range r.listeners {
		listeners = append(listeners, fn)
	}
	notifiers := make([]func(Notice), 0, len(r.notifiers))
	for _, fn := range r.notifiers {
		notifiers = append(notifiers, fn)
	}
	r.lmu.Unlock()

	if eff.change != nil {
		for _, fn := range listeners {
			r.safeCall(func() { fn(*eff.change) })
		}
	}
	for _, n := range eff.notices {
		for _, fn := range notifiers {
			r.safeCall(func() { fn(n) })
		}
	}
}

func (r *Reconciler) safeCall(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("entitlement listener panicked", slog.Any("panic", p))
		}
	}()
	fn()
}

// Close завершает сессию: отменяет таймер и фоновые проверки, выгружает
// запись из памяти. Сохранённая копия остаётся в хранилище.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.record = models.NewRecord(r.userID)
	r.publish()
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
