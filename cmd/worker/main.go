package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"channel-reports/internal/adapters/repo"
	"channel-reports/internal/adapters/synthesizer"
	"channel-reports/internal/cache"
	"channel-reports/internal/domain"
	"channel-reports/internal/infra/config"
	"channel-reports/internal/infra/db"
	"channel-reports/internal/infra/kv"
	applog "channel-reports/internal/infra/log"
	"channel-reports/internal/infra/metrics"
	"channel-reports/internal/infra/openai"
	"channel-reports/internal/infra/queue"
	"channel-reports/internal/infra/tasks"
	reportsusecase "channel-reports/internal/usecase/reports"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к БД")
	}
	defer pool.Close()

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("worker: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: нет подключения к Redis")
	}
	defer redisClient.Close()

	runner := tasks.NewRunner(logger.With().Str("component", "tasks").Logger(), cfg.Tasks.QueueSize, cfg.Tasks.Workers, cfg.Tasks.Timeout)
	defer runner.Close()

	stores := kv.NewRedisStores(redisClient)
	manager := cache.NewManager(stores, runner, logger.With().Str("component", "cache").Logger(), cfg.Cache.Timeout, cfg.Cache.MaxEntries)

	source := repo.NewPostgres(pool)

	var (
		synth     domain.ReportSynthesizer
		extractor domain.EntityExtractor
	)
	if cfg.OpenAI.APIKey != "" {
		openaiClient := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		synth = synthesizer.NewOpenAI(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.Timeout, cfg.OpenAI.MaxAttempts, cfg.OpenAI.RetryDelay)
		extractor = synthesizer.NewEntities(openaiClient, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
	} else {
		logger.Warn().Msg("worker: не указан ключ OpenAI (OPENAI_API_KEY), используется упрощённый синтез")
		synth = synthesizer.NewSimple()
	}

	reportCache := reportsusecase.NewCache(cfg.Reports.TTL, cfg.Reports.Retention, cfg.Reports.HomepageLimit, cfg.Reports.HomepageBackupTTL, logger.With().Str("component", "report_cache").Logger())
	reportService := reportsusecase.NewService(source, synth, extractor, manager, reportCache, nil, runner, cfg.Reports.MessageLimit, logger.With().Str("component", "reports").Logger())

	var reportQueue domain.ReportQueue
	if cfg.Queues.Backend == "rabbitmq" {
		rabbit, err := queue.NewRabbitReportQueue(cfg.Queues.RabbitURL, cfg.Queues.ReportKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		reportQueue = rabbit
	} else {
		reportQueue = queue.NewRedisReportQueue(redisClient, cfg.Queues.ReportKey)
	}

	worker := &jobWorker{
		log:      logger,
		queue:    reportQueue,
		statuses: queue.NewRedisJobStatus(redisClient, 24*time.Hour),
		manager:  manager,
		service:  reportService,
	}

	logger.Info().Msg("worker: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("worker: остановлен")
}

type jobWorker struct {
	log      zerolog.Logger
	queue    domain.ReportQueue
	statuses domain.ReportJobStatusRepo
	manager  *cache.Manager
	service  *reportsusecase.Service
}

const maxDeliveryAttempts = 5

type jobOutcome int

const (
	jobOutcomeCompleted jobOutcome = iota
	jobOutcomeRetry
)

func (w *jobWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("worker: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Int64("channel_id", job.ChannelID).
			Str("timeframe", string(job.Timeframe)).
			Str("cause", string(job.Cause)).
			Logger()

		if job.ID == "" {
			jobLog.Error().Msg("worker: получена задача без идентификатора, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось подтвердить задачу без идентификатора")
			}
			continue
		}

		delivered, attempt, err := w.statuses.EnsureJob(ctx, job.ID)
		if err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось зарегистрировать задачу")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("worker: не удалось вернуть задачу в очередь")
			}
			time.Sleep(time.Second)
			continue
		}

		jobLog = jobLog.With().Int("attempt", attempt).Logger()

		if delivered {
			jobLog.Info().Msg("worker: задача уже была выполнена, подтверждаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось подтвердить ранее выполненную задачу")
			}
			continue
		}

		outcome := w.handleJob(ctx, job, jobLog)

		if outcome == jobOutcomeRetry && attempt < maxDeliveryAttempts {
			jobLog.Warn().Msg("worker: задача завершилась ошибкой, повторим позже")
			if err := ack(false); err != nil {
				jobLog.Error().Err(err).Msg("worker: не удалось вернуть задачу после ошибки")
			}
			continue
		}

		if outcome == jobOutcomeRetry {
			jobLog.Error().Msg("worker: достигнут предел попыток, помечаем задачу как завершённую")
		}

		if err := w.statuses.MarkDelivered(ctx, job.ID); err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось пометить задачу выполненной")
			if ackErr := ack(false); ackErr != nil {
				jobLog.Error().Err(ackErr).Msg("worker: не удалось вернуть задачу после ошибки статуса")
			}
			time.Sleep(time.Second)
			continue
		}

		if err := ack(true); err != nil {
			jobLog.Error().Err(err).Msg("worker: не удалось подтвердить задачу")
		}
	}
}

func (w *jobWorker) handleJob(ctx context.Context, job domain.ReportJob, jobLog zerolog.Logger) jobOutcome {
	if job.Timeframe == "" {
		job.Timeframe = domain.Timeframe2h
	}

	scope := w.manager.NewScope(jobLog)
	start := time.Now()
	report, err := w.service.Generate(ctx, scope, job.ChannelID, job.Timeframe)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrChannelNotFound):
			jobLog.Warn().Msg("worker: канал не найден, задача завершена")
			return jobOutcomeCompleted
		case errors.Is(err, reportsusecase.ErrNoMessages):
			jobLog.Info().Msg("worker: нет сообщений за период, отчёт не нужен")
			return jobOutcomeCompleted
		default:
			jobLog.Error().Err(err).Msg("worker: ошибка генерации отчёта")
			return jobOutcomeRetry
		}
	}

	jobLog.Info().
		Str("report_id", report.ReportID).
		Int("messages", report.MessageCount).
		Dur("took", time.Since(start)).
		Msg("worker: отчёт готов")
	return jobOutcomeCompleted
}
