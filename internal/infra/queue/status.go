package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisJobStatus хранит состояние доставки задач в Redis: номер попытки
// и отметку о завершении.
type RedisJobStatus struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisJobStatus создаёт трекер. ttl ограничивает время жизни записей.
func NewRedisJobStatus(client *redis.Client, ttl time.Duration) *RedisJobStatus {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisJobStatus{client: client, ttl: ttl}
}

func (s *RedisJobStatus) deliveredKey(jobID string) string {
	return "jobstatus:" + jobID + ":delivered"
}

func (s *RedisJobStatus) attemptsKey(jobID string) string {
	return "jobstatus:" + jobID + ":attempts"
}

// EnsureJob регистрирует попытку обработки. Возвращает признак уже
// состоявшейся доставки и номер текущей попытки.
func (s *RedisJobStatus) EnsureJob(ctx context.Context, jobID string) (bool, int, error) {
	exists, err := s.client.Exists(ctx, s.deliveredKey(jobID)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("job status: %w", err)
	}
	if exists > 0 {
		return true, 0, nil
	}
	attempt, err := s.client.Incr(ctx, s.attemptsKey(jobID)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("job status: %w", err)
	}
	if err := s.client.Expire(ctx, s.attemptsKey(jobID), s.ttl).Err(); err != nil {
		return false, 0, fmt.Errorf("job status: %w", err)
	}
	return false, int(attempt), nil
}

// MarkDelivered помечает задачу доставленной.
func (s *RedisJobStatus) MarkDelivered(ctx context.Context, jobID string) error {
	if err := s.client.Set(ctx, s.deliveredKey(jobID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("job status: %w", err)
	}
	return nil
}
