package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"channel-reports/internal/infra/metrics"
)

// Task — единица фоновой работы с именем для логов и метрик.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Runner выполняет фоновые задачи на фиксированном пуле воркеров.
// Очередь ограничена: при переполнении новая задача отбрасывается,
// чтобы не блокировать обработку запроса.
type Runner struct {
	log     zerolog.Logger
	queue   chan Task
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRunner создаёт пул и запускает воркеры.
func NewRunner(log zerolog.Logger, queueSize, workers int, timeout time.Duration) *Runner {
	if queueSize <= 0 {
		queueSize = 64
	}
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &Runner{
		log:     log,
		queue:   make(chan Task, queueSize),
		timeout: timeout,
	}
	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

// Submit ставит задачу в очередь. Возвращает false, если очередь полна
// и задача отброшена.
func (r *Runner) Submit(task Task) bool {
	if task.Run == nil {
		return false
	}
	select {
	case r.queue <- task:
		return true
	default:
		metrics.BackgroundTasksDropped.Inc()
		r.log.Warn().Str("task", task.Name).Msg("tasks: очередь переполнена, задача отброшена")
		return false
	}
}

// Close закрывает очередь и дожидается завершения начатых задач.
func (r *Runner) Close() {
	r.once.Do(func() {
		close(r.queue)
	})
	r.wg.Wait()
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for task := range r.queue {
		r.execute(task)
	}
}

// execute выполняет задачу с собственным дедлайном, не связанным с
// контекстом исходного запроса.
func (r *Runner) execute(task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			metrics.BackgroundTasksTotal.WithLabelValues(task.Name, "panic").Inc()
			r.log.Error().Interface("panic", rec).Str("task", task.Name).Msg("tasks: паника в фоновой задаче")
		}
	}()

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		metrics.BackgroundTasksTotal.WithLabelValues(task.Name, "error").Inc()
		r.log.Error().Err(err).Str("task", task.Name).Dur("elapsed", time.Since(start)).Msg("tasks: задача завершилась ошибкой")
		return
	}
	metrics.BackgroundTasksTotal.WithLabelValues(task.Name, "ok").Inc()
}
