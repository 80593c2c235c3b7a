package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/clarity/internal/metrics"
)

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// requestLogState は内側のミドルウェアからログ用の情報を受け取るための入れ物。
type requestLogState struct {
	mu     sync.Mutex
	userID string
}

var requestLogStateKey = contextKey("request_log_state")

// markRequestUser は認証済みユーザーIDをリクエストログに記録させる。
// ロギングミドルウェアの内側でのみ効果がある。
func markRequestUser(ctx context.Context, userID string) {
	if st, ok := ctx.Value(requestLogStateKey).(*requestLogState); ok {
		st.mu.Lock()
		st.userID = userID
		st.mu.Unlock()
	}
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力し、ステータスコード別の件数を記録するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、user_id（認証済みの場合）を含む。
func NewLoggingMiddleware(logger *slog.Logger, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			state := &requestLogState{}
			ctx := context.WithValue(r.Context(), requestLogStateKey, state)

			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}

			// 内側のAuthGuardが設定したユーザーID、またはすでにコンテキストにあるユーザーIDを追加
			state.mu.Lock()
			userID := state.userID
			state.mu.Unlock()
			if userID == "" {
				userID, _ = UserIDFromContext(r.Context())
			}
			if userID != "" {
				attrs = append(attrs, slog.String("user_id", userID))
			}

			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			collector.RecordHTTPStatus(rec.statusCode)
			logger.LogAttrs(r.Context(), level, "http_request", attrs...)
		})
	}
}
