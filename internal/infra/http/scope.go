package http

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"channel-reports/internal/cache"
)

// RequestScope выдаёт каждому запросу собственный Scope кэша и кладёт его в
// контекст. Обработчики достают его через cache.ScopeFrom: повторные чтения
// одного ключа в рамках запроса закрываются памятью Scope без похода в
// хранилище. Scope живёт ровно до конца запроса и между запросами не делится.
func RequestScope(m *cache.Manager, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopeLog := logger
			if reqID := middleware.GetReqID(r.Context()); reqID != "" {
				scopeLog = logger.With().Str("request_id", reqID).Logger()
			}
			scope := m.NewScope(scopeLog)
			next.ServeHTTP(w, r.WithContext(cache.WithScope(r.Context(), scope)))
		})
	}
}
