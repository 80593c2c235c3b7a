package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/clarity/internal/auth"
	"github.com/hitoshi/clarity/internal/config"
	"github.com/hitoshi/clarity/internal/database"
	"github.com/hitoshi/clarity/internal/gmail"
	"github.com/hitoshi/clarity/internal/handler"
	"github.com/hitoshi/clarity/internal/logger"
	"github.com/hitoshi/clarity/internal/metrics"
	"github.com/hitoshi/clarity/internal/middleware"
	"github.com/hitoshi/clarity/internal/repository"
	"github.com/hitoshi/clarity/internal/token"
	"github.com/hitoshi/clarity/internal/upstream"
	"github.com/hitoshi/clarity/internal/worker/refresh"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8000"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("app_env", cfg.AppEnv),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// components はserveとworkerで共有するサービス群。
type components struct {
	codec        *token.Codec
	authService  *auth.Service
	gmailService *gmail.Service
	scheduler    *refresh.Scheduler
}

// buildComponents はリポジトリ、トークン、上流クライアント、サービスを組み立てる。
func buildComponents(cfg *config.Config, db *sql.DB, collector metrics.MetricsCollector) *components {
	log := slog.Default()

	userRepo := repository.NewPostgresUserRepo(db)
	gmailRepo := repository.NewPostgresGmailAccountRepo(db)

	codec := token.NewCodec(token.Config{
		AccessSecret:  cfg.JWTAccessSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		StateSecret:   cfg.JWTStateSecret,
		AccessTTL:     cfg.JWTAccessExpiresIn,
		RefreshTTL:    cfg.JWTRefreshExpires,
		StateTTL:      cfg.OAuthStateExpires,
	})

	authService := auth.NewService(
		auth.NewGoogleIDTokenVerifier(cfg.GoogleClientID),
		userRepo, codec, collector, log,
	)

	policy := upstream.Policy{
		Timeout:    cfg.UpstreamTimeout,
		MaxRetries: cfg.UpstreamMaxRetries,
		OnRetry: func(op string, attempt int, err error) {
			collector.RecordUpstreamRetry(op)
			log.Warn("retrying upstream call",
				slog.String("operation", op),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}
	provider := gmail.NewGoogleProvider(gmail.GoogleProviderConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GmailRedirectURI,
	}, policy)
	gmailService := gmail.NewService(provider, gmailRepo, codec, collector, log)

	scheduler := refresh.NewScheduler(gmailService, gmailService, log, collector, refresh.Config{
		Interval:       cfg.GmailRefreshInterval,
		Lookahead:      cfg.GmailRefreshLookahead,
		MaxConcurrency: cfg.GmailRefreshMaxConcurrent,
		Locker:         repository.NewPostgresAdvisoryLock(db, repository.GmailRefreshLockKey),
	})

	return &components{
		codec:        codec,
		authService:  authService,
		gmailService: gmailService,
		scheduler:    scheduler,
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// トークン更新スケジューラを同一プロセスで並行して実行する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	if version, dirty, err := database.MigrationVersion(cfg.DatabaseURL); err != nil {
		slog.Warn("failed to read migration version", slog.String("error", err.Error()))
	} else {
		slog.Info("database schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 3. サービスの初期化
	c := buildComponents(cfg, db, collector)

	// 4. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAuth))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Metrics:           collector,
		MetricsHandler:    metrics.Handler(registry),
		TokenVerifier:     c.codec,
		CORSAllowedOrigin: cfg.ClientURL,
		RateLimiter:       rateLimiter,
		Production:        cfg.IsProduction(),
		TrustProxyHeaders: cfg.TrustProxyHeaders,

		AuthService: c.authService,
		AuthConfig: handler.AuthHandlerConfig{
			Cookies: auth.CookiePolicy{
				Production: cfg.IsProduction(),
				Domain:     cfg.CookieDomain,
			},
			AccessTTL:  c.codec.AccessTTL(),
			RefreshTTL: c.codec.RefreshTTL(),
		},

		GmailService: c.gmailService,
		ClientURL:    cfg.ClientURL,

		DB: db,
	})

	// 5. トークン更新スケジューラをバックグラウンドで起動
	schedCtx, cancelSched := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		c.scheduler.Start(schedCtx)
	}()

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down API server...")
	case listenErr = <-serveErr:
		if listenErr != nil {
			slog.Error("server listen error", slog.String("error", listenErr.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		cancelSched()
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	cancelSched()
	<-schedDone

	if listenErr != nil {
		return fmt.Errorf("server listen failed: %w", listenErr)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// APIサーバーと分離してトークン更新スケジューラのみを実行する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	c := buildComponents(cfg, db, metrics.Nop{})

	slog.Info("worker starting",
		slog.Duration("refresh_interval", cfg.GmailRefreshInterval),
		slog.Duration("refresh_lookahead", cfg.GmailRefreshLookahead),
		slog.Int("max_concurrent", cfg.GmailRefreshMaxConcurrent),
	)

	// スケジューラをメインgoroutineで実行（ブロッキング）
	c.scheduler.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /api/health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	healthURL := fmt.Sprintf("http://localhost:%s/api/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
