package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"channel-reports/internal/infra/metrics"
)

// RedisStore реализует Store поверх Redis. Ключи получают префикс
// "<namespace>:", так что пространства имён не пересекаются.
type RedisStore struct {
	client *redis.Client
	ns     Namespace
}

// NewRedisStore создаёт хранилище одного пространства имён.
func NewRedisStore(client *redis.Client, ns Namespace) *RedisStore {
	return &RedisStore{client: client, ns: ns}
}

// NewRedisStores создаёт хранилища всех пространств имён поверх одного клиента.
func NewRedisStores(client *redis.Client) *Stores {
	return NewStores(func(ns Namespace) Store {
		return NewRedisStore(client, ns)
	})
}

func (s *RedisStore) fullKey(key string) string {
	return string(s.ns) + ":" + key
}

// Get возвращает значение ключа или (nil, nil), если ключа нет.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	value, err := s.client.Get(ctx, s.fullKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveNetworkRequest("redis_kv", "get", string(s.ns), start, nil)
		return nil, nil
	}
	metrics.ObserveNetworkRequest("redis_kv", "get", string(s.ns), start, err)
	if err != nil {
		return nil, fmt.Errorf("kv: get %s: %w", s.fullKey(key), err)
	}
	return value, nil
}

// Put записывает значение с TTL; ttl <= 0 означает без срока.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	if ttl < 0 {
		ttl = 0
	}
	err := s.client.Set(ctx, s.fullKey(key), value, ttl).Err()
	metrics.ObserveNetworkRequest("redis_kv", "put", string(s.ns), start, err)
	if err != nil {
		return fmt.Errorf("kv: put %s: %w", s.fullKey(key), err)
	}
	return nil
}

// GetMany возвращает значения одним MGET; отсутствующие ключи — nil.
func (s *RedisStore) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.fullKey(key)
	}
	start := time.Now()
	raw, err := s.client.MGet(ctx, full...).Result()
	metrics.ObserveNetworkRequest("redis_kv", "mget", string(s.ns), start, err)
	if err != nil {
		return nil, fmt.Errorf("kv: mget %s: %w", s.ns, err)
	}
	values := make([][]byte, len(keys))
	for i, item := range raw {
		switch v := item.(type) {
		case nil:
		case string:
			values[i] = []byte(v)
		case []byte:
			values[i] = v
		default:
			return nil, fmt.Errorf("kv: mget %s: неожиданный тип %T", s.ns, item)
		}
	}
	return values, nil
}

// List возвращает до limit ключей с данным префиксом (без префикса
// пространства имён). Порядок ключей не определён.
func (s *RedisStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	match := s.fullKey(prefix) + "*"
	strip := len(string(s.ns)) + 1
	start := time.Now()
	var (
		keys   []string
		cursor uint64
	)
	for {
		page, next, err := s.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			metrics.ObserveNetworkRequest("redis_kv", "list", string(s.ns), start, err)
			return nil, fmt.Errorf("kv: list %s: %w", s.ns, err)
		}
		for _, key := range page {
			keys = append(keys, key[strip:])
			if len(keys) >= limit {
				metrics.ObserveNetworkRequest("redis_kv", "list", string(s.ns), start, nil)
				return keys, nil
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	metrics.ObserveNetworkRequest("redis_kv", "list", string(s.ns), start, nil)
	return keys, nil
}

// Delete удаляет ключ.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.client.Del(ctx, s.fullKey(key)).Err()
	metrics.ObserveNetworkRequest("redis_kv", "delete", string(s.ns), start, err)
	if err != nil {
		return fmt.Errorf("kv: delete %s: %w", s.fullKey(key), err)
	}
	return nil
}

// RedisLocker выполняет функцию не чаще, чем раз в ttl, через SetNX-замок.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker создаёт замок поверх Redis.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Once выполняет функцию, если ключ ещё не захвачен. При ошибке функции
// замок снимается, чтобы следующий тик мог повторить попытку.
func (l *RedisLocker) Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	full := "locks:" + key
	ok, err := l.client.SetNX(ctx, full, "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("kv: lock %s: %w", full, err)
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = l.client.Del(ctx, full).Err()
		return err
	}
	return nil
}
