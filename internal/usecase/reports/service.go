package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"channel-reports/internal/cache"
	"channel-reports/internal/domain"
	"channel-reports/internal/infra/kv"
	"channel-reports/internal/infra/metrics"
	"channel-reports/internal/infra/tasks"
)

// ErrNoMessages возвращается, когда за таймфрейм нет ни одного сообщения.
var ErrNoMessages = errors.New("нет сообщений за период")

// Service управляет полным циклом отчёта: выборка сообщений, сборка
// промпта, синтез, кэширование и фоновые обновления витрин.
type Service struct {
	source       domain.MessageSource
	synth        domain.ReportSynthesizer
	extractor    domain.EntityExtractor
	manager      *cache.Manager
	reports      *Cache
	prompts      *PromptBuilder
	runner       *tasks.Runner
	messageLimit int
	log          zerolog.Logger
	now          func() time.Time
}

// NewService создаёт сервис отчётов. extractor и runner могут быть nil:
// тогда сущности не извлекаются, а витрины обновляет только планировщик.
func NewService(source domain.MessageSource, synth domain.ReportSynthesizer, extractor domain.EntityExtractor, manager *cache.Manager, reportCache *Cache, prompts *PromptBuilder, runner *tasks.Runner, messageLimit int, log zerolog.Logger) *Service {
	if messageLimit <= 0 {
		messageLimit = 500
	}
	if prompts == nil {
		prompts = NewPromptBuilder()
	}
	return &Service{
		source:       source,
		synth:        synth,
		extractor:    extractor,
		manager:      manager,
		reports:      reportCache,
		prompts:      prompts,
		runner:       runner,
		messageLimit: messageLimit,
		log:          log,
		now:          time.Now,
	}
}

// Generate строит свежий отчёт, дописывает его в историю пары
// канал+таймфрейм и извлекает сущности. Ошибка синтеза — единственная,
// которая доводит генерацию до отказа.
func (s *Service) Generate(ctx context.Context, scope *cache.Scope, channelID int64, timeframe domain.Timeframe) (domain.Report, error) {
	start := time.Now()
	channel, err := s.source.GetChannel(ctx, channelID)
	if err != nil {
		return domain.Report{}, fmt.Errorf("получение канала: %w", err)
	}
	since := s.now().Add(-timeframe.Duration())
	messages, err := s.source.ListMessagesSince(ctx, channelID, since, s.messageLimit)
	if err != nil {
		return domain.Report{}, fmt.Errorf("получение сообщений: %w", err)
	}
	if len(messages) == 0 {
		return domain.Report{}, ErrNoMessages
	}

	previous := s.reports.ReportsFor(ctx, scope, channelID, timeframe)
	prompt := s.prompts.Build(channel, timeframe, messages, previous, s.now())
	if prompt.Dropped > 0 {
		s.log.Debug().
			Int64("channel", channelID).
			Int("dropped", prompt.Dropped).
			Int("included", len(prompt.Messages)).
			Msg("reports: часть сообщений не поместилась в бюджет промпта")
	}
	report, err := s.synth.Synthesize(ctx, domain.SynthesisInput{
		Channel:   channel,
		Timeframe: timeframe,
		Prompt:    prompt.Text,
		Messages:  prompt.Messages,
	})
	if err != nil {
		metrics.ReportGenerationTotal.WithLabelValues("error").Inc()
		return domain.Report{}, fmt.Errorf("синтез отчёта: %w", err)
	}

	history := append([]domain.Report{report}, previous...)
	if err := s.reports.CacheReports(ctx, scope, channelID, timeframe, history); err != nil {
		// Отчёт построен; без записи он лишь не попадёт в витрины.
		s.log.Warn().Err(err).Int64("channel", channelID).Msg("reports: история не записана в кэш")
		metrics.ReportGenerationTotal.WithLabelValues("save_error").Inc()
	} else {
		metrics.ReportGenerationTotal.WithLabelValues("ok").Inc()
	}
	metrics.IncReportForChannel(channelID)
	metrics.ReportBuildSeconds.Observe(time.Since(start).Seconds())

	s.extractEntities(ctx, scope, report)
	s.submitHomepageRefresh()

	report.CacheStatus = domain.CacheStatusMiss
	return report, nil
}

// Recent возвращает свежие отчёты для витрины.
func (s *Service) Recent(ctx context.Context, scope *cache.Scope, limit int) []domain.Report {
	return s.reports.AllReports(ctx, scope, limit)
}

// Homepage возвращает подборку главной страницы и запускает её фоновое
// обновление.
func (s *Service) Homepage(ctx context.Context, scope *cache.Scope) []domain.Report {
	reports := s.reports.HomepageReports(ctx, scope)
	s.submitHomepageRefresh()
	return reports
}

// ChannelReports возвращает отчёты канала, свежие первыми. Пустой
// таймфрейм собирает истории всех таймфреймов.
func (s *Service) ChannelReports(ctx context.Context, scope *cache.Scope, channelID int64, timeframe domain.Timeframe) []domain.Report {
	return s.reports.AllReportsForChannel(ctx, scope, channelID, timeframe)
}

// RefreshHomepage синхронно пересобирает подборку главной страницы.
func (s *Service) RefreshHomepage(ctx context.Context, scope *cache.Scope) error {
	return s.reports.RefreshHomepage(ctx, scope)
}

// Entities возвращает сущности отчёта, если они уже извлечены.
func (s *Service) Entities(ctx context.Context, scope *cache.Scope, reportID string) ([]domain.Entity, bool) {
	return cache.Get[[]domain.Entity](ctx, scope, kv.NamespaceEntities, reportID)
}

// extractEntities извлекает сущности отчёта и кладёт их в кэш. Ошибки
// не прерывают генерацию: отчёт ценнее сущностей.
func (s *Service) extractEntities(ctx context.Context, scope *cache.Scope, report domain.Report) {
	if s.extractor == nil {
		return
	}
	entities, err := s.extractor.ExtractEntities(ctx, report)
	if err != nil {
		s.log.Warn().Err(err).Str("report_id", report.ReportID).Msg("reports: извлечение сущностей не удалось")
		return
	}
	if len(entities) == 0 {
		return
	}
	if err := cache.Put(ctx, scope, kv.NamespaceEntities, report.ReportID, entities, s.reports.reportTTL); err != nil {
		s.log.Warn().Err(err).Str("report_id", report.ReportID).Msg("reports: сущности не записаны в кэш")
	}
}

func (s *Service) submitHomepageRefresh() {
	if s.runner == nil {
		return
	}
	s.runner.Submit(tasks.Task{Name: "homepage_refresh", Run: func(ctx context.Context) error {
		scope := s.manager.NewScope(s.log)
		return s.reports.RefreshHomepage(ctx, scope)
	}})
}
