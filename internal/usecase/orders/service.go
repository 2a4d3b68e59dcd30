package orders

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"channel-reports/internal/cache"
	"channel-reports/internal/domain"
	"channel-reports/internal/infra/kv"
)

const (
	defaultStartDate = "2025-01-20"
	defaultTTL       = 24 * time.Hour

	allOrdersKey = "all"
)

// Registry — внешний реестр указов.
type Registry interface {
	ListExecutiveOrders(ctx context.Context, since string) ([]domain.ExecutiveOrder, error)
	GetDocument(ctx context.Context, documentNumber string) (domain.ExecutiveOrder, error)
}

// Service отвечает за периодическое обновление указов и их выдачу из кэша.
type Service struct {
	registry  Registry
	startDate string
	ttl       time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewService создаёт сервис указов. Пустая дата старта означает начало
// отсчёта реестра по умолчанию.
func NewService(registry Registry, startDate string, ttl time.Duration, log zerolog.Logger) *Service {
	if startDate == "" {
		startDate = defaultStartDate
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Service{
		registry:  registry,
		startDate: startDate,
		ttl:       ttl,
		log:       log,
		now:       time.Now,
	}
}

// Refresh скачивает свежий список указов и перекладывает его в кэш:
// список целиком под общим ключом и каждый указ под своим номером.
func (s *Service) Refresh(ctx context.Context, scope *cache.Scope) error {
	fetched, err := s.fetchAll(ctx)
	if err != nil {
		return err
	}

	for _, order := range fetched {
		if err := cache.Put(ctx, scope, kv.NamespaceOrders, order.DocumentNumber, order, s.ttl); err != nil {
			return fmt.Errorf("сохранение указа %s: %w", order.DocumentNumber, err)
		}
	}
	if err := cache.Put(ctx, scope, kv.NamespaceOrders, allOrdersKey, fetched, s.ttl); err != nil {
		return fmt.Errorf("сохранение списка указов: %w", err)
	}
	s.log.Info().Int("orders", len(fetched)).Msg("orders: список указов обновлён")
	return nil
}

// fetchAll собирает актуальный список указов из реестра, свежие первыми.
func (s *Service) fetchAll(ctx context.Context) ([]domain.ExecutiveOrder, error) {
	listed, err := s.registry.ListExecutiveOrders(ctx, s.startDate)
	if err != nil {
		return nil, fmt.Errorf("список указов: %w", err)
	}

	fetched := make([]domain.ExecutiveOrder, 0, len(listed))
	for _, order := range listed {
		detail, err := s.registry.GetDocument(ctx, order.DocumentNumber)
		if err != nil {
			// Без детального текста указ всё равно остаётся в списке.
			s.log.Warn().Err(err).Str("document", order.DocumentNumber).Msg("orders: детали указа недоступны")
			detail = order
		}
		detail.FetchedAt = s.now().UTC()
		fetched = append(fetched, detail)
	}

	sort.SliceStable(fetched, func(i, j int) bool {
		return fetched[i].SigningDate > fetched[j].SigningDate
	})
	return fetched, nil
}

// Orders возвращает кэшированный список указов, свежие первыми. Пустой
// кэш ставит фоновый прогрев общего ключа; ключи отдельных указов
// наполнит ближайший плановый Refresh.
func (s *Service) Orders(ctx context.Context, scope *cache.Scope) []domain.ExecutiveOrder {
	orders, ok := cache.Get[[]domain.ExecutiveOrder](ctx, scope, kv.NamespaceOrders, allOrdersKey)
	if !ok {
		scope.RefreshInBackground("orders_warm", kv.NamespaceOrders, allOrdersKey, s.ttl, func(ctx context.Context) (any, error) {
			return s.fetchAll(ctx)
		})
	}
	return orders
}

// Order возвращает указ по номеру документа.
func (s *Service) Order(ctx context.Context, scope *cache.Scope, documentNumber string) (domain.ExecutiveOrder, bool) {
	return cache.Get[domain.ExecutiveOrder](ctx, scope, kv.NamespaceOrders, documentNumber)
}
