package reports

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"channel-reports/internal/cache"
	"channel-reports/internal/domain"
	"channel-reports/internal/infra/kv"
	"channel-reports/internal/infra/metrics"
)

const (
	defaultReportTTL = 72 * time.Hour
	defaultRetention = 30 * 24 * time.Hour
	defaultHomeLimit = 10
	defaultBackupTTL = time.Hour

	// listCeiling ограничивает число ключей, поднимаемых из хранилища
	// за один листинг.
	listCeiling = 100

	homepageCurrentKey = "current"
	homepageBackupKey  = "backup"
)

// Cache отвечает за хранение историй отчётов и выборки для витрин:
// история пары канал+таймфрейм лежит под одним ключом свежими вперёд,
// подборка главной страницы держится в двух ключах — основном и
// резервном с коротким TTL.
type Cache struct {
	reportTTL time.Duration
	retention time.Duration
	homeLimit int
	backupTTL time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

// NewCache создаёт хранилище отчётов.
func NewCache(reportTTL, retention time.Duration, homeLimit int, backupTTL time.Duration, log zerolog.Logger) *Cache {
	if reportTTL <= 0 {
		reportTTL = defaultReportTTL
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	if homeLimit <= 0 {
		homeLimit = defaultHomeLimit
	}
	if backupTTL <= 0 {
		backupTTL = defaultBackupTTL
	}
	return &Cache{
		reportTTL: reportTTL,
		retention: retention,
		homeLimit: homeLimit,
		backupTTL: backupTTL,
		log:       log,
		now:       time.Now,
	}
}

func reportKey(channelID int64, timeframe domain.Timeframe) string {
	return fmt.Sprintf("%d:%s", channelID, timeframe)
}

func channelPrefix(channelID int64) string {
	return fmt.Sprintf("%d:", channelID)
}

// CacheReports записывает историю отчётов пары канал+таймфрейм одним
// ключом. Перед записью отчёты старше горизонта хранения отбрасываются,
// число отброшенных попадает в лог.
func (c *Cache) CacheReports(ctx context.Context, scope *cache.Scope, channelID int64, timeframe domain.Timeframe, reports []domain.Report) error {
	cutoff := c.now().Add(-c.retention)
	kept := make([]domain.Report, 0, len(reports))
	for _, report := range reports {
		if report.GeneratedAt.Before(cutoff) {
			continue
		}
		report.CacheStatus = ""
		kept = append(kept, report)
	}
	if dropped := len(reports) - len(kept); dropped > 0 {
		c.log.Info().
			Int64("channel_id", channelID).
			Str("timeframe", string(timeframe)).
			Int("dropped", dropped).
			Msg("reports: из истории убраны отчёты старше горизонта хранения")
	}
	if err := cache.Put(ctx, scope, kv.NamespaceReports, reportKey(channelID, timeframe), kept, c.reportTTL); err != nil {
		return fmt.Errorf("сохранение истории отчётов: %w", err)
	}
	return nil
}

// ReportsFor возвращает историю отчётов пары канал+таймфрейм, свежие
// первыми. Пустая история — nil.
func (c *Cache) ReportsFor(ctx context.Context, scope *cache.Scope, channelID int64, timeframe domain.Timeframe) []domain.Report {
	history, ok := cache.Get[[]domain.Report](ctx, scope, kv.NamespaceReports, reportKey(channelID, timeframe))
	if !ok || len(history) == 0 {
		return nil
	}
	return markHits(history)
}

// AllReportsForChannel возвращает отчёты канала. При заданном таймфрейме
// читается одна история, при пустом — истории всех таймфреймов канала,
// склеенные свежими вперёд.
func (c *Cache) AllReportsForChannel(ctx context.Context, scope *cache.Scope, channelID int64, timeframe domain.Timeframe) []domain.Report {
	if timeframe != "" {
		return c.ReportsFor(ctx, scope, channelID, timeframe)
	}
	keys := scope.List(ctx, kv.NamespaceReports, channelPrefix(channelID), listCeiling)
	reports := c.flatten(ctx, scope, keys)
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].GeneratedAt.After(reports[j].GeneratedAt)
	})
	return markHits(reports)
}

// AllReports возвращает до limit отчётов для витрины: сегодняшние по
// числу сообщений, затем старые по свежести. Малые выборки сначала
// обслуживает подборка главной страницы; остальные собираются листингом
// историй с потолком, зависящим от лимита. limit <= 0 отдаёт всё, что
// поднял листинг.
func (c *Cache) AllReports(ctx context.Context, scope *cache.Scope, limit int) []domain.Report {
	if limit > 0 && limit <= 2*c.homeLimit {
		if home := c.homepage(ctx, scope); len(home) > 0 {
			if len(home) > limit {
				home = home[:limit]
			}
			return markHits(home)
		}
	}

	bound := listCeiling
	switch {
	case limit <= 0:
	case limit <= c.homeLimit:
		bound = 2 * limit
	default:
		if b := 3 * limit; b < bound {
			bound = b
		}
	}
	keys := scope.List(ctx, kv.NamespaceReports, "", bound)
	reports := c.flatten(ctx, scope, keys)
	c.rank(reports)
	if limit > 0 && len(reports) > limit {
		reports = reports[:limit]
	}
	return markHits(reports)
}

// HomepageReports возвращает подборку главной страницы: основной ключ,
// при его отсутствии — резервный, иначе пусто.
func (c *Cache) HomepageReports(ctx context.Context, scope *cache.Scope) []domain.Report {
	return markHits(c.homepage(ctx, scope))
}

// homepage читает подборку главной без отметки статуса кэша.
func (c *Cache) homepage(ctx context.Context, scope *cache.Scope) []domain.Report {
	if reports, ok := cache.Get[[]domain.Report](ctx, scope, kv.NamespaceHomepage, homepageCurrentKey); ok && len(reports) > 0 {
		return reports
	}
	if reports, ok := cache.Get[[]domain.Report](ctx, scope, kv.NamespaceHomepage, homepageBackupKey); ok && len(reports) > 0 {
		return reports
	}
	return nil
}

// CacheHomepage ранжирует отчёты и пишет верх подборки сразу в оба
// ключа главной страницы: основной живёт с TTL хранения отчётов,
// резервный — с коротким TTL и страхует чтения, если основной пропал.
// Резервный ключ заполняется только здесь, из основного задним числом
// он не выводится.
func (c *Cache) CacheHomepage(ctx context.Context, scope *cache.Scope, reports []domain.Report) error {
	top := make([]domain.Report, len(reports))
	copy(top, reports)
	c.rank(top)
	if len(top) > c.homeLimit {
		top = top[:c.homeLimit]
	}
	for i := range top {
		top[i].CacheStatus = ""
	}

	if err := cache.Put(ctx, scope, kv.NamespaceHomepage, homepageCurrentKey, top, c.reportTTL); err != nil {
		metrics.HomepageRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("запись главной: %w", err)
	}
	if err := cache.Put(ctx, scope, kv.NamespaceHomepage, homepageBackupKey, top, c.backupTTL); err != nil {
		metrics.HomepageRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("резервная копия главной: %w", err)
	}
	metrics.HomepageRefreshTotal.WithLabelValues("ok").Inc()
	return nil
}

// RefreshHomepage пересобирает подборку главной страницы из свежих
// историй.
func (c *Cache) RefreshHomepage(ctx context.Context, scope *cache.Scope) error {
	keys := scope.List(ctx, kv.NamespaceReports, "", listCeiling)
	return c.CacheHomepage(ctx, scope, c.flatten(ctx, scope, keys))
}

// flatten поднимает истории по ключам и склеивает их в плоский список.
func (c *Cache) flatten(ctx context.Context, scope *cache.Scope, keys []string) []domain.Report {
	if len(keys) == 0 {
		return nil
	}
	histories := cache.BatchGet[[]domain.Report](ctx, scope, kv.NamespaceReports, keys)
	var reports []domain.Report
	for _, history := range histories {
		if history == nil {
			continue
		}
		reports = append(reports, *history...)
	}
	return reports
}

// rank упорядочивает отчёты для витрины: сегодняшние (по UTC) каналы с
// наибольшей активностью первыми, затем старые по времени генерации.
func (c *Cache) rank(reports []domain.Report) {
	dayStart := c.now().UTC().Truncate(24 * time.Hour)
	sort.SliceStable(reports, func(i, j int) bool {
		iToday := !reports[i].GeneratedAt.Before(dayStart)
		jToday := !reports[j].GeneratedAt.Before(dayStart)
		if iToday != jToday {
			return iToday
		}
		if iToday && reports[i].MessageCount != reports[j].MessageCount {
			return reports[i].MessageCount > reports[j].MessageCount
		}
		return reports[i].GeneratedAt.After(reports[j].GeneratedAt)
	})
}

func markHits(reports []domain.Report) []domain.Report {
	for i := range reports {
		reports[i].CacheStatus = domain.CacheStatusHit
	}
	return reports
}
