package trackings_api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/DropFlow/TrackFlow/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey int

const userIDKey ctxKey = iota

// RequireUser достаёт пользователя из X-User-ID. Заголовок ставит
// входной шлюз после аутентификации; без него запрос не обслуживается.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get("X-User-ID")
		if uid == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "X-User-ID header is required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, uid)))
	})
}

func userID(r *http.Request) string {
	uid, _ := r.Context().Value(userIDKey).(string)
	return uid
}

// Metrics пишет счётчик и гистограмму запросов по шаблону маршрута,
// чтобы /trackings/17 и /trackings/42 не плодили лейблы.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.HTTPRequestTotal.WithLabelValues(pattern, strconv.Itoa(ww.Status()), r.Method).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(pattern, r.Method).Observe(time.Since(start).Seconds())
	})
}
