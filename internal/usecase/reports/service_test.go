package reports

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"channel-reports/internal/cache"
	"channel-reports/internal/domain"
	"channel-reports/internal/infra/tasks"
)

type stubMessageSource struct {
	mu         sync.Mutex
	channel    domain.Channel
	channelErr error
	messages   []domain.Message
	listErr    error
	listCalls  int
	lastLimit  int
}

func (s *stubMessageSource) GetChannel(_ context.Context, channelID int64) (domain.Channel, error) {
	if s.channelErr != nil {
		return domain.Channel{}, s.channelErr
	}
	if channelID != s.channel.ID {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	return s.channel, nil
}

func (s *stubMessageSource) ListActiveChannels(context.Context, time.Time) ([]domain.Channel, error) {
	return nil, nil
}

func (s *stubMessageSource) CountMessages(context.Context, int64, time.Time) (domain.ChannelMessageCounts, error) {
	return domain.ChannelMessageCounts{}, nil
}

func (s *stubMessageSource) ListMessagesSince(_ context.Context, _ int64, _ time.Time, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	s.lastLimit = limit
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.messages, nil
}

type stubSynthesizer struct {
	mu     sync.Mutex
	report domain.Report
	err    error
	calls  int
	last   domain.SynthesisInput
}

func (s *stubSynthesizer) Synthesize(_ context.Context, input domain.SynthesisInput) (domain.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.last = input
	if s.err != nil {
		return domain.Report{}, s.err
	}
	return s.report, nil
}

type stubExtractor struct {
	mu       sync.Mutex
	entities []domain.Entity
	err      error
	calls    int
}

func (s *stubExtractor) ExtractEntities(context.Context, domain.Report) ([]domain.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.entities, s.err
}

func newTestService(source *stubMessageSource, synth *stubSynthesizer, extractor domain.EntityExtractor, runner *tasks.Runner) (*Service, *cache.Manager) {
	manager, _ := newCacheEnv(time.Now)
	svc := NewService(source, synth, extractor, manager, NewCache(0, 0, 0, 0, zerolog.Nop()), NewPromptBuilder(), runner, 0, zerolog.Nop())
	return svc, manager
}

func freshChannelSource() *stubMessageSource {
	now := time.Now().UTC()
	return &stubMessageSource{
		channel: domain.Channel{ID: 7, Name: "центр", City: "Казань"},
		messages: []domain.Message{
			{ID: "m2", ChannelID: 7, AuthorName: "а", Content: "второе", Timestamp: now},
			{ID: "m1", ChannelID: 7, AuthorName: "б", Content: "первое", Timestamp: now.Add(-time.Minute)},
		},
	}
}

func TestGenerateBuildsAndCaches(t *testing.T) {
	source := freshChannelSource()
	synth := &stubSynthesizer{report: testReport(7, domain.Timeframe6h, time.Now().UTC(), 2)}
	svc, manager := newTestService(source, synth, nil, nil)
	ctx := context.Background()

	report, err := svc.Generate(ctx, manager.NewScope(zerolog.Nop()), 7, domain.Timeframe6h)
	if err != nil {
		t.Fatalf("генерация завершилась ошибкой: %v", err)
	}
	if report.CacheStatus != domain.CacheStatusMiss {
		t.Fatalf("свежий отчёт должен отдаваться как miss, получили %q", report.CacheStatus)
	}
	if source.lastLimit != 500 {
		t.Fatalf("ожидали лимит выборки 500, получили %d", source.lastLimit)
	}
	if !strings.Contains(synth.last.Prompt, "центр") {
		t.Fatalf("в промпте нет имени канала: %s", synth.last.Prompt)
	}
	if len(synth.last.Messages) != 2 || synth.last.Messages[0].ID != "m2" || synth.last.Messages[1].ID != "m1" {
		t.Fatalf("синтезатор должен получать сообщения в порядке подачи: %+v", synth.last.Messages)
	}

	// Новая сессия читает историю из кэша, не дёргая синтезатор.
	history := svc.ChannelReports(ctx, manager.NewScope(zerolog.Nop()), 7, domain.Timeframe6h)
	if len(history) != 1 || history[0].ReportID != report.ReportID {
		t.Fatalf("отчёт не попал в историю: %+v", history)
	}
	if history[0].CacheStatus != domain.CacheStatusHit {
		t.Fatalf("повторное чтение должно быть hit, получили %q", history[0].CacheStatus)
	}
	if synth.calls != 1 {
		t.Fatalf("синтезатор должен вызываться один раз, вызван %d", synth.calls)
	}
}

func TestGenerateAppendsHistoryAndContext(t *testing.T) {
	source := freshChannelSource()
	fresh := testReport(7, domain.Timeframe6h, time.Now().UTC(), 2)
	synth := &stubSynthesizer{report: fresh}
	svc, manager := newTestService(source, synth, nil, nil)
	ctx := context.Background()

	prior := testReport(7, domain.Timeframe6h, time.Now().UTC().Add(-6*time.Hour), 4)
	prior.Body = "вчера обсуждали ремонт моста"
	if err := svc.reports.CacheReports(ctx, manager.NewScope(zerolog.Nop()), 7, domain.Timeframe6h, []domain.Report{prior}); err != nil {
		t.Fatalf("не удалось подготовить историю: %v", err)
	}

	report, err := svc.Generate(ctx, manager.NewScope(zerolog.Nop()), 7, domain.Timeframe6h)
	if err != nil {
		t.Fatalf("генерация завершилась ошибкой: %v", err)
	}

	if !strings.Contains(synth.last.Prompt, "Предыдущие отчёты (1):") {
		t.Fatalf("промпт должен включать контекст прошлых отчётов: %s", synth.last.Prompt)
	}
	if !strings.Contains(synth.last.Prompt, "вчера обсуждали ремонт моста") {
		t.Fatalf("тело прошлого отчёта должно попадать в контекст")
	}

	history := svc.ChannelReports(ctx, manager.NewScope(zerolog.Nop()), 7, domain.Timeframe6h)
	if len(history) != 2 {
		t.Fatalf("новый отчёт должен дописываться в историю, получили %d", len(history))
	}
	if history[0].ReportID != report.ReportID || history[1].ReportID != prior.ReportID {
		t.Fatalf("история должна держать свежие отчёты первыми: %+v", history)
	}
}

func TestGenerateNoMessages(t *testing.T) {
	source := freshChannelSource()
	source.messages = nil
	synth := &stubSynthesizer{}
	svc, manager := newTestService(source, synth, nil, nil)

	_, err := svc.Generate(context.Background(), manager.NewScope(zerolog.Nop()), 7, domain.Timeframe2h)
	if !errors.Is(err, ErrNoMessages) {
		t.Fatalf("ожидали ErrNoMessages, получили %v", err)
	}
	if synth.calls != 0 {
		t.Fatalf("без сообщений синтезатор не вызывается, вызван %d", synth.calls)
	}
}

func TestGenerateUnknownChannel(t *testing.T) {
	source := freshChannelSource()
	synth := &stubSynthesizer{}
	svc, manager := newTestService(source, synth, nil, nil)

	_, err := svc.Generate(context.Background(), manager.NewScope(zerolog.Nop()), 99, domain.Timeframe6h)
	if !errors.Is(err, domain.ErrChannelNotFound) {
		t.Fatalf("ожидали ErrChannelNotFound, получили %v", err)
	}
	if source.listCalls != 0 {
		t.Fatal("без канала сообщения не запрашиваются")
	}
}

func TestGenerateSourceError(t *testing.T) {
	source := freshChannelSource()
	source.listErr = errors.New("источник недоступен")
	synth := &stubSynthesizer{}
	svc, manager := newTestService(source, synth, nil, nil)

	_, err := svc.Generate(context.Background(), manager.NewScope(zerolog.Nop()), 7, domain.Timeframe6h)
	if err == nil || !strings.Contains(err.Error(), "получение сообщений") {
		t.Fatalf("ожидали ошибку выборки сообщений, получили %v", err)
	}
	if synth.calls != 0 {
		t.Fatalf("при ошибке источника синтезатор не вызывается, вызван %d", synth.calls)
	}
}

func TestGenerateSynthesisFailure(t *testing.T) {
	source := freshChannelSource()
	synth := &stubSynthesizer{err: errors.New("ответ оборван")}
	svc, manager := newTestService(source, synth, nil, nil)
	ctx := context.Background()

	_, err := svc.Generate(ctx, manager.NewScope(zerolog.Nop()), 7, domain.Timeframe6h)
	if err == nil || !strings.Contains(err.Error(), "синтез отчёта") {
		t.Fatalf("ошибка синтеза должна доходить до вызывающего, получили %v", err)
	}
	if got := svc.reports.ReportsFor(ctx, manager.NewScope(zerolog.Nop()), 7, domain.Timeframe6h); got != nil {
		t.Fatalf("после ошибки синтеза история должна остаться пустой: %+v", got)
	}
}

func TestGenerateExtractsEntities(t *testing.T) {
	source := freshChannelSource()
	synth := &stubSynthesizer{report: testReport(7, domain.Timeframe6h, time.Now().UTC(), 2)}
	extractor := &stubExtractor{entities: []domain.Entity{{Type: domain.EntityPerson, Name: "Иванов"}}}
	svc, manager := newTestService(source, synth, extractor, nil)
	ctx := context.Background()

	report, err := svc.Generate(ctx, manager.NewScope(zerolog.Nop()), 7, domain.Timeframe6h)
	if err != nil {
		t.Fatalf("генерация завершилась ошибкой: %v", err)
	}
	if extractor.calls != 1 {
		t.Fatalf("экстрактор должен вызываться один раз, вызван %d", extractor.calls)
	}
	entities, ok := svc.Entities(ctx, manager.NewScope(zerolog.Nop()), report.ReportID)
	if !ok || len(entities) != 1 || entities[0].Name != "Иванов" {
		t.Fatalf("сущности не сохранились: ok=%v %+v", ok, entities)
	}
}

func TestGenerateEntityFailureNonFatal(t *testing.T) {
	source := freshChannelSource()
	synth := &stubSynthesizer{report: testReport(7, domain.Timeframe6h, time.Now().UTC(), 2)}
	extractor := &stubExtractor{err: errors.New("модель недоступна")}
	svc, manager := newTestService(source, synth, extractor, nil)
	ctx := context.Background()

	report, err := svc.Generate(ctx, manager.NewScope(zerolog.Nop()), 7, domain.Timeframe6h)
	if err != nil {
		t.Fatalf("отказ экстрактора не должен валить генерацию: %v", err)
	}
	if _, ok := svc.Entities(ctx, manager.NewScope(zerolog.Nop()), report.ReportID); ok {
		t.Fatal("при отказе экстрактора сущностей в кэше быть не должно")
	}
}

func TestGenerateRefreshesHomepageInBackground(t *testing.T) {
	source := freshChannelSource()
	synth := &stubSynthesizer{report: testReport(7, domain.Timeframe6h, time.Now().UTC(), 2)}
	runner := tasks.NewRunner(zerolog.Nop(), 8, 1, time.Second)
	svc, manager := newTestService(source, synth, nil, runner)
	ctx := context.Background()

	report, err := svc.Generate(ctx, manager.NewScope(zerolog.Nop()), 7, domain.Timeframe6h)
	if err != nil {
		t.Fatalf("генерация завершилась ошибкой: %v", err)
	}
	runner.Close()

	home := svc.reports.HomepageReports(ctx, manager.NewScope(zerolog.Nop()))
	if len(home) != 1 || home[0].ReportID != report.ReportID {
		t.Fatalf("фоновое обновление главной не сработало: %+v", home)
	}
}

func TestHomepageReadTriggersRefresh(t *testing.T) {
	source := freshChannelSource()
	runner := tasks.NewRunner(zerolog.Nop(), 8, 1, time.Second)
	svc, manager := newTestService(source, &stubSynthesizer{}, nil, runner)
	ctx := context.Background()

	report := testReport(5, domain.Timeframe6h, time.Now().UTC(), 4)
	if err := svc.reports.CacheReports(ctx, manager.NewScope(zerolog.Nop()), 5, domain.Timeframe6h, []domain.Report{report}); err != nil {
		t.Fatalf("не удалось сохранить историю: %v", err)
	}

	if got := svc.Homepage(ctx, manager.NewScope(zerolog.Nop())); len(got) != 0 {
		t.Fatalf("до первого обновления подборка пуста, получили %d", len(got))
	}
	runner.Close()

	got := svc.reports.HomepageReports(ctx, manager.NewScope(zerolog.Nop()))
	if len(got) != 1 || got[0].ReportID != report.ReportID {
		t.Fatalf("чтение главной должно запускать фоновое обновление: %+v", got)
	}
}
