package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"channel-reports/internal/infra/kv"
)

// Get читает и декодирует значение ключа. false означает промах либо
// значение, которое не удалось декодировать.
func Get[T any](ctx context.Context, scope *Scope, ns kv.Namespace, key string) (T, bool) {
	var zero T
	raw := scope.Get(ctx, ns, key)
	if raw == nil {
		return zero, false
	}
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		scope.log.Warn().Err(err).Str("namespace", string(ns)).Str("key", key).Msg("cache: повреждённое значение, считаем промахом")
		return zero, false
	}
	return value, true
}

// BatchGet читает и декодирует значения в порядке ключей. Отсутствующие
// и повреждённые значения дают nil в своей позиции.
func BatchGet[T any](ctx context.Context, scope *Scope, ns kv.Namespace, keys []string) []*T {
	raws := scope.BatchGet(ctx, ns, keys)
	values := make([]*T, len(raws))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		value := new(T)
		if err := json.Unmarshal(raw, value); err != nil {
			scope.log.Warn().Err(err).Str("namespace", string(ns)).Str("key", keys[i]).Msg("cache: повреждённое значение, считаем промахом")
			continue
		}
		values[i] = value
	}
	return values
}

// Put кодирует значение и пишет его в хранилище.
func Put(ctx context.Context, scope *Scope, ns kv.Namespace, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %s/%s: %w", ns, key, err)
	}
	return scope.Put(ctx, ns, key, raw, ttl)
}
