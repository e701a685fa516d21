// Package clock предоставляет доверенные часы: время устройства, скорректированное
// по времени, которое сообщает сервер в ответах на проверку чеков.
package clock

import (
	"sync"
	"time"
)

// Clock: источник текущего времени.
type Clock interface {
	Now() time.Time
}

// Trusted: часы со смещением относительно серверного времени.
// Пока сервер не сообщил время, используется локальное.
type Trusted struct {
	mu     sync.RWMutex
	offset time.Duration
	synced bool
	local  func() time.Time
}

// NewTrusted создаёт доверенные часы поверх локального времени.
func NewTrusted() *Trusted {
	return &Trusted{local: time.Now}
}

// Now возвращает текущее время с учётом смещения.
func (t *Trusted) Now() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local().Add(t.offset)
}

// Observe запоминает серверное время, полученное в момент local.
// Нулевое серверное время игнорируется.
func (t *Trusted) Observe(server, local time.Time) {
	if server.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offset = server.Sub(local)
	t.synced = true
}

// Synced сообщает, получено ли хотя бы одно серверное время.
func (t *Trusted) Synced() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.synced
}

// Fake: управляемые часы для тестов.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake создаёт часы, остановленные на now.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

// Now возвращает текущее время часов.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance сдвигает часы вперёд на d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set устанавливает время часов.
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}
