package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/clarity/internal/metrics"
	"github.com/hitoshi/clarity/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector
	MetricsHandler    http.Handler // nilの場合は/metricsを公開しない
	TokenVerifier     middleware.AccessTokenVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Production        bool
	TrustProxyHeaders bool // trueの場合のみX-Forwarded-For / X-Real-IPを接続元IPとして採用する

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// Gmail連携
	GmailService GmailServiceInterface
	ClientURL    string

	// ヘルスチェック
	DB Pinger
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	(RealIP) → Recovery → SecurityHeaders → Logging → CORS
//
// RealIPはTrustProxyHeadersが有効な場合のみ挿入する。無効な場合、IPごとのレート制限は
// TCP接続元のアドレスで判定され、クライアントが送るヘッダーでは変えられない。
//
// /api/auth/* にはIPごとのレート制限を、認証が必要なルートには
// AuthGuard → RateLimit(General) を追加で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	render := middleware.NewErrorRenderer(deps.Production, logger)

	r := chi.NewRouter()

	if deps.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.Production))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig, render)
	gmailHandler := NewGmailHandler(deps.GmailService, deps.ClientURL, render)
	guard := middleware.NewAuthGuard(deps.TokenVerifier, render)

	// --- 認証不要のルート ---

	r.Get("/api/health", Health(deps.DB))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Use(deps.RateLimiter.AuthMiddleware())

		r.Post("/google/callback", authHandler.GoogleCallback)
		r.Post("/refresh-token", authHandler.RefreshToken)
		r.Post("/logout", authHandler.Logout)

		r.With(guard).Get("/me", authHandler.Me)
	})

	// Googleの同意画面からのリダイレクト。stateトークンで利用者を特定する。
	r.Get("/api/gmail/callback", gmailHandler.Callback)

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: AuthGuard → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(guard)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/gmail/auth-url", gmailHandler.AuthURL)
		r.Get("/api/gmail/accounts", gmailHandler.ListAccounts)
		r.Delete("/api/gmail/accounts/{id}", gmailHandler.RevokeAccount)
	})

	return r
}
