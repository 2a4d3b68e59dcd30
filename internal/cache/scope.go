package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"channel-reports/internal/infra/kv"
	"channel-reports/internal/infra/metrics"
	"channel-reports/internal/infra/tasks"
)

// Scope — память одного запроса. Повторные чтения ключа внутри запроса
// разрешаются из памяти, параллельные чтения одного ключа склеиваются в
// один поход в хранилище. Ошибки чтения подавляются и считаются
// промахом; ошибки записи отдаются вызывающему.
//
// Scope безопасен для конкурентного использования горутинами одного
// запроса, но не предназначен для передачи между запросами.
type Scope struct {
	m   *Manager
	log zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// entry после разрешения неизменяема: value выставляется до закрытия
// done и больше не переписывается. Put кладёт в карту новую запись
// вместо правки старой.
type entry struct {
	done  chan struct{}
	value []byte // nil — промах
}

func resolvedEntry(value []byte) *entry {
	e := &entry{done: make(chan struct{}), value: value}
	close(e.done)
	return e
}

func scopeKey(ns kv.Namespace, key string) string {
	return string(ns) + "|" + key
}

// Get возвращает значение ключа или nil при промахе, ошибке либо
// таймауте ожидания. Начатое чтение продолжается в фоне и разрешает
// запись для последующих читателей.
func (s *Scope) Get(ctx context.Context, ns kv.Namespace, key string) json.RawMessage {
	store, ok := s.m.stores.Bucket(ns)
	if !ok {
		s.log.Error().Str("namespace", string(ns)).Msg("cache: неизвестное пространство имён")
		return nil
	}

	sk := scopeKey(ns, key)
	s.mu.Lock()
	if e, ok := s.entries[sk]; ok {
		s.mu.Unlock()
		metrics.CacheScopeHits.WithLabelValues(string(ns)).Inc()
		return s.await(ctx, ns, e)
	}
	s.ensureCapacityLocked()
	e := &entry{done: make(chan struct{})}
	s.entries[sk] = e
	s.mu.Unlock()

	metrics.CacheScopeMisses.WithLabelValues(string(ns)).Inc()
	go s.fetch(ctx, store, ns, key, e)
	return s.await(ctx, ns, e)
}

// BatchGet возвращает значения в порядке ключей; отсутствующие — nil.
// Уже известные ключи берутся из памяти, остальные читаются одним
// запросом. При таймауте возвращаются разрешённые к этому моменту
// значения, остальные позиции остаются nil.
func (s *Scope) BatchGet(ctx context.Context, ns kv.Namespace, keys []string) []json.RawMessage {
	results := make([]json.RawMessage, len(keys))
	if len(keys) == 0 {
		return results
	}
	store, ok := s.m.stores.Bucket(ns)
	if !ok {
		s.log.Error().Str("namespace", string(ns)).Msg("cache: неизвестное пространство имён")
		return results
	}

	waiters := make([]waiter, 0, len(keys))
	var (
		fetchKeys    []string
		fetchEntries []*entry
	)

	s.mu.Lock()
	for i, key := range keys {
		sk := scopeKey(ns, key)
		if e, ok := s.entries[sk]; ok {
			metrics.CacheScopeHits.WithLabelValues(string(ns)).Inc()
			waiters = append(waiters, waiter{idx: i, e: e})
			continue
		}
		s.ensureCapacityLocked()
		e := &entry{done: make(chan struct{})}
		s.entries[sk] = e
		metrics.CacheScopeMisses.WithLabelValues(string(ns)).Inc()
		fetchKeys = append(fetchKeys, key)
		fetchEntries = append(fetchEntries, e)
		waiters = append(waiters, waiter{idx: i, e: e})
	}
	s.mu.Unlock()

	if len(fetchKeys) > 0 {
		go s.fetchMany(ctx, store, ns, fetchKeys, fetchEntries)
	}

	timer := time.NewTimer(s.m.timeout)
	defer timer.Stop()
	for i, w := range waiters {
		select {
		case <-w.e.done:
			results[w.idx] = w.e.value
		case <-ctx.Done():
			metrics.CacheScopeTimeouts.WithLabelValues(string(ns)).Inc()
			harvest(waiters[i:], results)
			return results
		case <-timer.C:
			metrics.CacheScopeTimeouts.WithLabelValues(string(ns)).Inc()
			s.log.Warn().Str("namespace", string(ns)).Int("keys", len(keys)).Msg("cache: таймаут пакетного чтения")
			harvest(waiters[i:], results)
			return results
		}
	}
	return results
}

// Put пишет значение в хранилище и обновляет память запроса.
func (s *Scope) Put(ctx context.Context, ns kv.Namespace, key string, value []byte, ttl time.Duration) error {
	store, ok := s.m.stores.Bucket(ns)
	if !ok {
		return fmt.Errorf("cache: неизвестное пространство имён %q", ns)
	}
	pctx, cancel := context.WithTimeout(ctx, s.m.timeout)
	defer cancel()
	if err := store.Put(pctx, key, value, ttl); err != nil {
		return err
	}

	s.mu.Lock()
	s.ensureCapacityLocked()
	s.entries[scopeKey(ns, key)] = resolvedEntry(value)
	s.mu.Unlock()
	return nil
}

// Delete удаляет ключ из хранилища и забывает его в памяти запроса.
func (s *Scope) Delete(ctx context.Context, ns kv.Namespace, key string) error {
	store, ok := s.m.stores.Bucket(ns)
	if !ok {
		return fmt.Errorf("cache: неизвестное пространство имён %q", ns)
	}
	dctx, cancel := context.WithTimeout(ctx, s.m.timeout)
	defer cancel()
	if err := store.Delete(dctx, key); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, scopeKey(ns, key))
	s.mu.Unlock()
	return nil
}

// RefreshInBackground ставит фоновое обновление ключа: fetch считает
// свежее значение, результат пишется в хранилище свежим Scope уже после
// завершения запроса. Возвращает false, если пул не настроен или
// очередь переполнена.
func (s *Scope) RefreshInBackground(name string, ns kv.Namespace, key string, ttl time.Duration, fetch func(ctx context.Context) (any, error)) bool {
	if s.m.runner == nil {
		s.log.Debug().Str("task", name).Msg("cache: пул фоновых задач не настроен, обновление пропущено")
		return false
	}
	return s.m.runner.Submit(tasks.Task{
		Name: name,
		Run: func(ctx context.Context) error {
			value, err := fetch(ctx)
			if err != nil {
				return fmt.Errorf("cache: фоновое обновление %s/%s: %w", ns, key, err)
			}
			raw, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("cache: сериализация %s/%s: %w", ns, key, err)
			}
			return s.m.NewScope(s.log).Put(ctx, ns, key, raw, ttl)
		},
	})
}

// List возвращает до limit ключей с данным префиксом. Списки не
// запоминаются в памяти запроса; ошибка подавляется и даёт пустой
// результат.
func (s *Scope) List(ctx context.Context, ns kv.Namespace, prefix string, limit int) []string {
	store, ok := s.m.stores.Bucket(ns)
	if !ok {
		s.log.Error().Str("namespace", string(ns)).Msg("cache: неизвестное пространство имён")
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, s.m.timeout)
	defer cancel()
	keys, err := store.List(lctx, prefix, limit)
	if err != nil {
		s.log.Warn().Err(err).Str("namespace", string(ns)).Str("prefix", prefix).Msg("cache: ошибка листинга, считаем пустым")
		return nil
	}
	return keys
}

// await ждёт разрешения записи не дольше таймаута менеджера и контекста.
func (s *Scope) await(ctx context.Context, ns kv.Namespace, e *entry) json.RawMessage {
	select {
	case <-e.done:
		return e.value
	default:
	}
	timer := time.NewTimer(s.m.timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return e.value
	case <-ctx.Done():
		metrics.CacheScopeTimeouts.WithLabelValues(string(ns)).Inc()
		return nil
	case <-timer.C:
		metrics.CacheScopeTimeouts.WithLabelValues(string(ns)).Inc()
		s.log.Warn().Str("namespace", string(ns)).Msg("cache: таймаут ожидания чтения")
		return nil
	}
}

// fetch выполняет отложенное чтение. Контекст отвязан от запроса: отмена
// ожидания не прерывает чтение, результат достаётся поздним читателям.
func (s *Scope) fetch(ctx context.Context, store kv.Store, ns kv.Namespace, key string, e *entry) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.m.timeout)
	defer cancel()
	value, err := store.Get(fctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("namespace", string(ns)).Str("key", key).Msg("cache: ошибка чтения, считаем промахом")
		value = nil
	}
	e.value = value
	close(e.done)
}

func (s *Scope) fetchMany(ctx context.Context, store kv.Store, ns kv.Namespace, keys []string, entries []*entry) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.m.timeout)
	defer cancel()
	values, err := store.GetMany(fctx, keys)
	if err != nil {
		s.log.Warn().Err(err).Str("namespace", string(ns)).Int("keys", len(keys)).Msg("cache: ошибка пакетного чтения, считаем промахом")
		values = make([][]byte, len(keys))
	}
	for i, e := range entries {
		e.value = values[i]
		close(e.done)
	}
}

type waiter struct {
	idx int
	e   *entry
}

// harvest собирает уже разрешённые значения без ожидания.
func harvest(waiters []waiter, results []json.RawMessage) {
	for _, w := range waiters {
		select {
		case <-w.e.done:
			results[w.idx] = w.e.value
		default:
		}
	}
}

// ensureCapacityLocked сбрасывает карту целиком при переполнении.
// Вызывается под mu.
func (s *Scope) ensureCapacityLocked() {
	if len(s.entries) < s.m.maxEntries {
		return
	}
	s.entries = make(map[string]*entry)
	metrics.CacheScopeClears.Inc()
	s.log.Warn().Int("max_entries", s.m.maxEntries).Msg("cache: память запроса переполнена и сброшена")
}
