package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
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
	httpinfra "channel-reports/internal/infra/http"
	"channel-reports/internal/infra/kv"
	"channel-reports/internal/infra/metrics"
	"channel-reports/internal/infra/queue"
	"channel-reports/internal/infra/tasks"
	"channel-reports/internal/usecase/accounting"
	"channel-reports/internal/usecase/orders"
	"channel-reports/internal/usecase/reports"
)

func main() {
	cfg := config.Load()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	if cfg.RedisAddr == "" {
		log.Fatal().Msg("api: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к Redis")
	}
	defer redisClient.Close()

	runner := tasks.NewRunner(log.With().Str("component", "tasks").Logger(), cfg.Tasks.QueueSize, cfg.Tasks.Workers, cfg.Tasks.Timeout)
	defer runner.Close()

	stores := kv.NewRedisStores(redisClient)
	manager := cache.NewManager(stores, runner, log.With().Str("component", "cache").Logger(), cfg.Cache.Timeout, cfg.Cache.MaxEntries)

	source := repo.NewPostgres(pool)
	reportCache := reports.NewCache(cfg.Reports.TTL, cfg.Reports.Retention, cfg.Reports.HomepageLimit, cfg.Reports.HomepageBackupTTL, log.With().Str("component", "report_cache").Logger())
	// API только читает отчёты, синтез остаётся за worker.
	reportService := reports.NewService(source, nil, nil, manager, reportCache, nil, runner, cfg.Reports.MessageLimit, log.With().Str("component", "reports").Logger())
	accountingService := accounting.NewService(source, cfg.Accounting.Threshold, cfg.Accounting.Horizon, cfg.Accounting.CountsTTL, cfg.Accounting.Concurrency)
	registry := fedregister.NewClient(fedregister.Config{BaseURL: cfg.Orders.BaseURL})
	orderService := orders.NewService(registry, cfg.Orders.StartDate, cfg.Orders.TTL, log.With().Str("component", "orders").Logger())

	var reportQueue domain.ReportQueue
	if cfg.Queues.Backend == "rabbitmq" {
		rabbit, err := queue.NewRabbitReportQueue(cfg.Queues.RabbitURL, cfg.Queues.ReportKey)
		if err != nil {
			log.Fatal().Err(err).Msg("api: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		reportQueue = rabbit
	} else {
		reportQueue = queue.NewRedisReportQueue(redisClient, cfg.Queues.ReportKey)
	}

	srv := httpinfra.NewServer(log.With().Str("component", "http").Logger())
	srv.Router.Route("/api/v1", func(r chi.Router) {
		r.Use(httpinfra.RequestScope(manager, log.With().Str("component", "api").Logger()))

		r.Get("/reports", func(w http.ResponseWriter, r *http.Request) {
			limit := 10
			if raw := r.URL.Query().Get("limit"); raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil || parsed <= 0 {
					writeError(w, http.StatusBadRequest, "limit must be a positive integer")
					return
				}
				limit = parsed
			}
			if limit > 100 {
				limit = 100
			}
			list := reportService.Recent(r.Context(), manager.ScopeFrom(r.Context()), limit)
			if list == nil {
				list = []domain.Report{}
			}
			writeJSON(w, map[string]any{"reports": list, "count": len(list)})
		})

		r.Get("/reports/home", func(w http.ResponseWriter, r *http.Request) {
			home := reportService.Homepage(r.Context(), manager.ScopeFrom(r.Context()))
			if len(home) == 0 {
				writeError(w, http.StatusNotFound, "homepage is not ready yet")
				return
			}
			writeJSON(w, map[string]any{"reports": home, "count": len(home)})
		})

		r.Get("/channels/{channelID}/reports", func(w http.ResponseWriter, r *http.Request) {
			channelID, err := strconv.ParseInt(chi.URLParam(r, "channelID"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid channel id")
				return
			}
			var timeframe domain.Timeframe
			if raw := r.URL.Query().Get("timeframe"); raw != "" {
				timeframe, err = domain.ParseTimeframe(raw)
				if err != nil {
					writeError(w, http.StatusBadRequest, "unknown timeframe")
					return
				}
			}
			list := reportService.ChannelReports(r.Context(), manager.ScopeFrom(r.Context()), channelID, timeframe)
			if list == nil {
				list = []domain.Report{}
			}
			writeJSON(w, map[string]any{"reports": list, "count": len(list)})
		})

		r.Post("/channels/{channelID}/reports", func(w http.ResponseWriter, r *http.Request) {
			channelID, err := strconv.ParseInt(chi.URLParam(r, "channelID"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid channel id")
				return
			}
			timeframe := domain.Timeframe2h
			if raw := r.URL.Query().Get("timeframe"); raw != "" {
				timeframe, err = domain.ParseTimeframe(raw)
				if err != nil {
					writeError(w, http.StatusBadRequest, "unknown timeframe")
					return
				}
			}
			job := domain.ReportJob{
				ID:          uuid.NewString(),
				ChannelID:   channelID,
				Timeframe:   timeframe,
				RequestedAt: time.Now().UTC(),
				Cause:       domain.ReportCauseManual,
			}
			if err := reportQueue.Enqueue(r.Context(), job); err != nil {
				log.Error().Err(err).Int64("channel_id", channelID).Msg("api: не удалось поставить задачу генерации")
				writeError(w, http.StatusInternalServerError, "failed to enqueue job")
				return
			}
			writeJSON(w, map[string]string{"status": "queued", "job_id": job.ID})
		})

		r.Get("/channels/{channelID}/counts", func(w http.ResponseWriter, r *http.Request) {
			channelID, err := strconv.ParseInt(chi.URLParam(r, "channelID"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid channel id")
				return
			}
			counts, err := accountingService.ChannelCounts(r.Context(), manager.ScopeFrom(r.Context()), channelID)
			if err != nil {
				log.Error().Err(err).Int64("channel_id", channelID).Msg("api: подсчёт активности")
				writeError(w, http.StatusInternalServerError, "failed to count messages")
				return
			}
			writeJSON(w, counts)
		})

		r.Get("/decisions", func(w http.ResponseWriter, r *http.Request) {
			decisions, err := accountingService.EvaluateChannels(r.Context(), manager.ScopeFrom(r.Context()))
			if err != nil {
				log.Error().Err(err).Msg("api: решения по каналам")
				writeError(w, http.StatusInternalServerError, "failed to evaluate channels")
				return
			}
			if decisions == nil {
				decisions = []domain.ReportDecision{}
			}
			writeJSON(w, map[string]any{"decisions": decisions, "count": len(decisions)})
		})

		r.Get("/entities/{reportID}", func(w http.ResponseWriter, r *http.Request) {
			reportID := chi.URLParam(r, "reportID")
			entities, ok := reportService.Entities(r.Context(), manager.ScopeFrom(r.Context()), reportID)
			if !ok {
				writeError(w, http.StatusNotFound, "entities not found")
				return
			}
			writeJSON(w, map[string]any{"report_id": reportID, "entities": entities})
		})

		r.Get("/orders", func(w http.ResponseWriter, r *http.Request) {
			list := orderService.Orders(r.Context(), manager.ScopeFrom(r.Context()))
			if list == nil {
				list = []domain.ExecutiveOrder{}
			}
			writeJSON(w, map[string]any{"orders": list, "count": len(list)})
		})

		r.Get("/orders/{documentNumber}", func(w http.ResponseWriter, r *http.Request) {
			number := chi.URLParam(r, "documentNumber")
			order, ok := orderService.Order(r.Context(), manager.ScopeFrom(r.Context()), number)
			if !ok {
				writeError(w, http.StatusNotFound, "order not found")
				return
			}
			writeJSON(w, order)
		})
	})

	metrics.StartServer(ctx, log.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)
	go func() {
		log.Info().Msg("api: старт")
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()
	<-ctx.Done()
	log.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
