package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"channel-reports/internal/adapters/fedregister"
	"channel-reports/internal/adapters/repo"
	"channel-reports/internal/cache"
	"channel-reports/internal/domain"
	"channel-reports/internal/infra/config"
	"channel-reports/internal/infra/db"
	"channel-reports/internal/infra/kv"
	"channel-reports/internal/infra/metrics"
	"channel-reports/internal/infra/queue"
	"channel-reports/internal/usecase/accounting"
	"channel-reports/internal/usecase/orders"
)

func main() {
	cfg := config.Load()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	if cfg.RedisAddr == "" {
		log.Fatal().Msg("scheduler: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: нет подключения к Redis")
	}
	defer redisClient.Close()

	stores := kv.NewRedisStores(redisClient)
	manager := cache.NewManager(stores, nil, log.With().Str("component", "cache").Logger(), cfg.Cache.Timeout, cfg.Cache.MaxEntries)

	source := repo.NewPostgres(pool)
	accountingService := accounting.NewService(source, cfg.Accounting.Threshold, cfg.Accounting.Horizon, cfg.Accounting.CountsTTL, cfg.Accounting.Concurrency)
	registry := fedregister.NewClient(fedregister.Config{BaseURL: cfg.Orders.BaseURL})
	orderService := orders.NewService(registry, cfg.Orders.StartDate, cfg.Orders.TTL, log.With().Str("component", "orders").Logger())

	var reportQueue domain.ReportQueue
	if cfg.Queues.Backend == "rabbitmq" {
		rabbit, err := queue.NewRabbitReportQueue(cfg.Queues.RabbitURL, cfg.Queues.ReportKey)
		if err != nil {
			log.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		reportQueue = rabbit
	} else {
		reportQueue = queue.NewRedisReportQueue(redisClient, cfg.Queues.ReportKey)
	}

	loop := &schedulerLoop{
		manager:    manager,
		accounting: accountingService,
		orders:     orderService,
		queue:      reportQueue,
		locker:     kv.NewRedisLocker(redisClient),
		cooldown:   cfg.Scheduler.Cooldown,
	}

	scheduleTicker := time.NewTicker(cfg.Scheduler.Interval)
	defer scheduleTicker.Stop()
	ordersTicker := time.NewTicker(cfg.Orders.RefreshInterval)
	defer ordersTicker.Stop()

	log.Info().
		Dur("interval", cfg.Scheduler.Interval).
		Dur("cooldown", cfg.Scheduler.Cooldown).
		Msg("scheduler: старт")

	// Указы обновляются сразу: ближайший тик их таймера наступит только через сутки.
	loop.refreshOrders(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler: остановка")
			return
		case <-scheduleTicker.C:
			loop.evaluate(ctx)
		case <-ordersTicker.C:
			loop.refreshOrders(ctx)
		}
	}
}

type schedulerLoop struct {
	manager    *cache.Manager
	accounting *accounting.Service
	orders     *orders.Service
	queue      domain.ReportQueue
	locker     kv.OnceRunner
	cooldown   time.Duration
}

// evaluate ставит задачи генерации для каналов с достаточной активностью.
// Замок genlock не даёт поставить второй отчёт по тому же каналу и
// таймфрейму, пока не истёк кулдаун.
func (s *schedulerLoop) evaluate(ctx context.Context) {
	scope := s.manager.NewScope(log.With().Str("component", "scheduler").Logger())
	decisions, err := s.accounting.EvaluateChannels(ctx, scope)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: ошибка оценки каналов")
		return
	}

	queued := 0
	for _, decision := range decisions {
		if !decision.ShouldGenerate {
			continue
		}
		job := domain.ReportJob{
			ID:          uuid.NewString(),
			ChannelID:   decision.ChannelID,
			Timeframe:   domain.Timeframe2h,
			RequestedAt: time.Now().UTC(),
			Cause:       domain.ReportCauseScheduled,
		}
		lockKey := fmt.Sprintf("genlock:%d:%s", decision.ChannelID, job.Timeframe)
		err := s.locker.Once(ctx, lockKey, s.cooldown, func() error {
			if err := s.queue.Enqueue(ctx, job); err != nil {
				return err
			}
			queued++
			return nil
		})
		if err != nil {
			log.Error().Err(err).Int64("channel_id", decision.ChannelID).Msg("scheduler: не удалось поставить задачу")
		}
	}

	if queued > 0 {
		log.Info().Int("queued", queued).Int("channels", len(decisions)).Msg("scheduler: задачи поставлены в очередь")
	}
}

func (s *schedulerLoop) refreshOrders(ctx context.Context) {
	scope := s.manager.NewScope(log.With().Str("component", "orders").Logger())
	if err := s.orders.Refresh(ctx, scope); err != nil {
		log.Error().Err(err).Msg("scheduler: обновление указов")
	}
}
