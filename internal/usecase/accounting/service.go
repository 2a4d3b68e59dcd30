package accounting

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"channel-reports/internal/cache"
	"channel-reports/internal/domain"
	"channel-reports/internal/infra/kv"
	"channel-reports/internal/infra/metrics"
)

// Service отвечает за учёт активности каналов и порог генерации отчётов.
// Счётчики всегда пересчитываются целиком одним запросом к источнику и
// кэшируются на короткий срок.
type Service struct {
	source      domain.MessageSource
	threshold   int
	window      domain.Window
	horizon     time.Duration
	countsTTL   time.Duration
	concurrency int
	now         func() time.Time
}

// NewService создаёт сервис учёта.
func NewService(source domain.MessageSource, threshold int, horizon, countsTTL time.Duration, concurrency int) *Service {
	if threshold <= 0 {
		threshold = 3
	}
	if horizon <= 0 {
		horizon = 7 * 24 * time.Hour
	}
	if countsTTL <= 0 {
		countsTTL = 5 * time.Minute
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Service{
		source:      source,
		threshold:   threshold,
		window:      domain.Window5Min,
		horizon:     horizon,
		countsTTL:   countsTTL,
		concurrency: concurrency,
		now:         time.Now,
	}
}

func countsKey(channelID int64) string {
	return strconv.FormatInt(channelID, 10)
}

// ChannelCounts возвращает счётчики канала, при промахе пересчитывая их
// из источника и записывая в кэш.
func (s *Service) ChannelCounts(ctx context.Context, scope *cache.Scope, channelID int64) (domain.ChannelMessageCounts, error) {
	if counts, ok := cache.Get[domain.ChannelMessageCounts](ctx, scope, kv.NamespaceCounts, countsKey(channelID)); ok {
		return counts, nil
	}
	counts, err := s.source.CountMessages(ctx, channelID, s.now())
	if err != nil {
		return domain.ChannelMessageCounts{}, fmt.Errorf("подсчёт сообщений: %w", err)
	}
	// Потеря записи не критична: счётчики пересчитаются на следующем чтении.
	_ = cache.Put(ctx, scope, kv.NamespaceCounts, countsKey(channelID), counts, s.countsTTL)
	return counts, nil
}

// Decide применяет порог к счётчикам канала.
func (s *Service) Decide(counts domain.ChannelMessageCounts) domain.ReportDecision {
	n := counts.Count(s.window)
	decision := domain.ReportDecision{ChannelID: counts.ChannelID, Counts: counts}
	if n >= s.threshold {
		decision.ShouldGenerate = true
		decision.Reason = fmt.Sprintf("сообщений за %s: %d, порог %d достигнут", s.window, n, s.threshold)
	} else {
		decision.Reason = fmt.Sprintf("сообщений за %s: %d, порог %d не достигнут", s.window, n, s.threshold)
	}
	return decision
}

// AllChannelCounts возвращает счётчики всех активных каналов. Каналы с
// ошибкой подсчёта пропускаются.
func (s *Service) AllChannelCounts(ctx context.Context, scope *cache.Scope) ([]domain.ChannelMessageCounts, error) {
	decisions, err := s.EvaluateChannels(ctx, scope)
	if err != nil {
		return nil, err
	}
	counts := make([]domain.ChannelMessageCounts, 0, len(decisions))
	for _, decision := range decisions {
		if decision.Counts.LastUpdated.IsZero() {
			continue
		}
		counts = append(counts, decision.Counts)
	}
	return counts, nil
}

// EvaluateChannels пересчитывает счётчики всех активных каналов и
// принимает решения о генерации. Ошибка подсчёта одного канала не
// останавливает остальные: такой канал получает отказ с причиной.
func (s *Service) EvaluateChannels(ctx context.Context, scope *cache.Scope) ([]domain.ReportDecision, error) {
	since := s.now().Add(-s.horizon)
	channels, err := s.source.ListActiveChannels(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("список активных каналов: %w", err)
	}

	decisions := make([]domain.ReportDecision, len(channels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, channel := range channels {
		g.Go(func() error {
			counts, err := s.ChannelCounts(gctx, scope, channel.ID)
			if err != nil {
				decisions[i] = domain.ReportDecision{
					ChannelID: channel.ID,
					Reason:    fmt.Sprintf("ошибка подсчёта: %v", err),
				}
				return nil
			}
			decisions[i] = s.Decide(counts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, decision := range decisions {
		if decision.ShouldGenerate {
			metrics.ReportDecisionsTotal.WithLabelValues("generate").Inc()
		} else {
			metrics.ReportDecisionsTotal.WithLabelValues("skip").Inc()
		}
	}
	return decisions, nil
}
