package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"channel-reports/internal/domain"
)

// RedisReportQueue реализует очередь задач на базе Redis lists.
// Полученная задача переносится в список обработки и удаляется из него
// после подтверждения; при отказе она возвращается в хвост очереди.
type RedisReportQueue struct {
	client     *redis.Client
	key        string
	processing string
}

// NewRedisReportQueue создаёт очередь по указанному ключу.
func NewRedisReportQueue(client *redis.Client, key string) *RedisReportQueue {
	return &RedisReportQueue{client: client, key: key, processing: key + ":processing"}
}

// Enqueue публикует задачу в очередь.
func (q *RedisReportQueue) Enqueue(ctx context.Context, job domain.ReportJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди.
func (q *RedisReportQueue) Receive(ctx context.Context) (domain.ReportJob, domain.AckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.ReportJob{}, nil, err
		}

		payload, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", time.Second).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.ReportJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.ReportJob{}, nil, err
		}

		var job domain.ReportJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			// Нечитаемую задачу убираем из обработки, иначе она зациклится.
			_ = q.client.LRem(context.WithoutCancel(ctx), q.processing, 1, payload).Err()
			return domain.ReportJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		return job, q.ackFunc(payload), nil
	}
}

func (q *RedisReportQueue) ackFunc(payload string) domain.AckFunc {
	return func(success bool) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.client.LRem(ctx, q.processing, 1, payload).Err(); err != nil {
			return fmt.Errorf("ack job: %w", err)
		}
		if !success {
			if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
				return fmt.Errorf("requeue job: %w", err)
			}
		}
		return nil
	}
}
