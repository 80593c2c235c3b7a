package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/clarity/internal/middleware"
)

// Pinger はデータベースの疎通確認インターフェース。*sql.DBが実装する。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Health はサーバーとデータベースの疎通状況を返す。
// GET /api/health
func Health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, "Database unavailable")
				return
			}
		}
		writeJSON(w, http.StatusOK, successResponse{Status: statusSuccess, Message: "Server health 100%"})
	}
}
