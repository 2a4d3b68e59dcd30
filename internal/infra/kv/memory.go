package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time // нулевое время — без срока
}

// MemoryStore реализует Store в памяти процесса. Используется в
// dev-окружении и тестах; срок жизни проверяется при чтении.
type MemoryStore struct {
	mu    sync.RWMutex
	now   func() time.Time
	items map[string]memoryItem
}

// NewMemoryStore создаёт хранилище в памяти. now == nil означает time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, items: make(map[string]memoryItem)}
}

// NewMemoryStores создаёт набор хранилищ в памяти для всех пространств имён.
func NewMemoryStores(now func() time.Time) *Stores {
	return NewStores(func(Namespace) Store {
		return NewMemoryStore(now)
	})
}

func (s *MemoryStore) alive(item memoryItem) bool {
	return item.expiresAt.IsZero() || s.now().Before(item.expiresAt)
}

// Get возвращает значение ключа или (nil, nil), если ключа нет либо он истёк.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[key]
	if !ok || !s.alive(item) {
		return nil, nil
	}
	return append([]byte(nil), item.value...), nil
}

// Put записывает значение с TTL; ttl <= 0 означает без срока.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.items[key] = item
	s.mu.Unlock()
	return nil
}

// GetMany возвращает значения для каждого ключа; отсутствующие — nil.
func (s *MemoryStore) GetMany(_ context.Context, keys []string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make([][]byte, len(keys))
	for i, key := range keys {
		item, ok := s.items[key]
		if !ok || !s.alive(item) {
			continue
		}
		values[i] = append([]byte(nil), item.value...)
	}
	return values, nil
}

// List возвращает до limit ключей с данным префиксом в лексикографическом
// порядке.
func (s *MemoryStore) List(_ context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	var keys []string
	for key, item := range s.items {
		if strings.HasPrefix(key, prefix) && s.alive(item) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Delete удаляет ключ.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// MemoryLocker реализует OnceRunner в памяти процесса.
type MemoryLocker struct {
	mu    sync.Mutex
	now   func() time.Time
	taken map[string]time.Time
}

// NewMemoryLocker создаёт замок в памяти. now == nil означает time.Now.
func NewMemoryLocker(now func() time.Time) *MemoryLocker {
	if now == nil {
		now = time.Now
	}
	return &MemoryLocker{now: now, taken: make(map[string]time.Time)}
}

// Once выполняет функцию, если ключ ещё не захвачен.
func (l *MemoryLocker) Once(_ context.Context, key string, ttl time.Duration, fn func() error) error {
	l.mu.Lock()
	until, ok := l.taken[key]
	if ok && l.now().Before(until) {
		l.mu.Unlock()
		return nil
	}
	l.taken[key] = l.now().Add(ttl)
	l.mu.Unlock()
	if err := fn(); err != nil {
		l.mu.Lock()
		delete(l.taken, key)
		l.mu.Unlock()
		return err
	}
	return nil
}
