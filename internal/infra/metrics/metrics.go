package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})

	ReportBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "report_build_seconds",
		Help:    "Время полного цикла генерации отчёта",
		Buckets: prometheus.DefBuckets,
	})

	ReportGenerationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "report_generation_total",
		Help: "Результаты генерации отчётов",
	}, []string{"status"})

	ReportDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "report_decisions_total",
		Help: "Решения учёта активности по каналам",
	}, []string{"decision"})

	ReportsByChannel = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reports_by_channel_total",
		Help: "Количество сгенерированных отчётов по каналам",
	}, []string{"channel_id"})

	CacheScopeHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_scope_hits_total",
		Help: "Чтения, закрытые памятью запроса без похода в хранилище",
	}, []string{"namespace"})

	CacheScopeMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_scope_misses_total",
		Help: "Чтения, дошедшие до хранилища",
	}, []string{"namespace"})

	CacheScopeTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_scope_timeouts_total",
		Help: "Чтения, завершившиеся фолбэком по таймауту",
	}, []string{"namespace"})

	CacheScopeClears = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_scope_clears_total",
		Help: "Полные сбросы карты запроса при переполнении",
	})

	HomepageRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "homepage_refresh_total",
		Help: "Фоновые обновления кэша главной страницы",
	}, []string{"status"})

	BackgroundTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "background_tasks_total",
		Help: "Выполненные фоновые задачи",
	}, []string{"task", "status"})

	BackgroundTasksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "background_tasks_dropped_total",
		Help: "Фоновые задачи, отброшенные из-за переполнения очереди",
	})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
		ReportBuildSeconds,
		ReportGenerationTotal,
		ReportDecisionsTotal,
		ReportsByChannel,
		CacheScopeHits,
		CacheScopeMisses,
		CacheScopeTimeouts,
		CacheScopeClears,
		HomepageRefreshTotal,
		BackgroundTasksTotal,
		BackgroundTasksDropped,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// IncReportForChannel увеличивает счётчик отчётов по каналу.
func IncReportForChannel(channelID int64) {
	ReportsByChannel.WithLabelValues(strconv.FormatInt(channelID, 10)).Inc()
}
