package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"channel-reports/internal/infra/kv"
	"channel-reports/internal/infra/tasks"
)

// Manager — долгоживущая обёртка над хранилищем. На каждый входящий
// запрос или задачу создаётся собственный Scope; сам Manager состояния
// запроса не хранит.
type Manager struct {
	stores     *kv.Stores
	runner     *tasks.Runner
	log        zerolog.Logger
	timeout    time.Duration
	maxEntries int
}

// NewManager создаёт менеджер. runner нужен для фоновых обновлений и
// может быть nil — тогда RefreshInBackground превращается в no-op.
// timeout ограничивает ожидание чтения, maxEntries — число записей в
// памяти одного запроса.
func NewManager(stores *kv.Stores, runner *tasks.Runner, log zerolog.Logger, timeout time.Duration, maxEntries int) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Manager{
		stores:     stores,
		runner:     runner,
		log:        log,
		timeout:    timeout,
		maxEntries: maxEntries,
	}
}

// NewScope создаёт память одного запроса.
func (m *Manager) NewScope(log zerolog.Logger) *Scope {
	return &Scope{
		m:       m,
		log:     log,
		entries: make(map[string]*entry),
	}
}

type scopeCtxKey struct{}

// WithScope кладёт Scope в контекст запроса. Ставится middleware на
// входе, чтобы все обработчики одного запроса делили общую память.
func WithScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, scope)
}

// ScopeFrom достаёт Scope из контекста. Если middleware не отработал,
// возвращает свежий Scope: вызывающий теряет дедупликацию внутри
// запроса, но не падает.
func (m *Manager) ScopeFrom(ctx context.Context) *Scope {
	if scope, ok := ctx.Value(scopeCtxKey{}).(*Scope); ok && scope != nil {
		return scope
	}
	return m.NewScope(m.log)
}
