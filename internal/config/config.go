package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Google OAuth
	// サインインはIDトークン検証のみでリダイレクトしないため、リダイレクトURIはGmail連携用のみ
	GoogleClientID     string `envconfig:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET"`
	GmailRedirectURI   string `envconfig:"GMAIL_REDIRECT_URI" default:"http://localhost:8000/api/gmail/callback"`

	// JWT
	JWTAccessSecret    string        `envconfig:"JWT_ACCESS_SECRET"`
	JWTAccessExpiresIn time.Duration `envconfig:"JWT_ACCESS_EXPIRES_IN" default:"15m"`
	JWTRefreshSecret   string        `envconfig:"JWT_REFRESH_SECRET"`
	JWTRefreshExpires  time.Duration `envconfig:"JWT_REFRESH_EXPIRES_IN" default:"168h"`
	JWTStateSecret     string        `envconfig:"JWT_STATE_SECRET"`
	OAuthStateExpires  time.Duration `envconfig:"OAUTH_STATE_EXPIRES_IN" default:"10m"`

	// Gmail token refresh
	GmailRefreshInterval      time.Duration `envconfig:"GMAIL_REFRESH_INTERVAL" default:"5m"`
	GmailRefreshLookahead     time.Duration `envconfig:"GMAIL_REFRESH_LOOKAHEAD" default:"10m"`
	GmailRefreshMaxConcurrent int           `envconfig:"GMAIL_REFRESH_MAX_CONCURRENT" default:"4"`

	// Upstream (Google)
	UpstreamTimeout    time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"10s"`
	UpstreamMaxRetries int           `envconfig:"UPSTREAM_MAX_RETRIES" default:"2"`

	// Rate Limit（req/min）
	RateLimitGeneral int `envconfig:"RATE_LIMIT_GENERAL" default:"120"`
	RateLimitAuth    int `envconfig:"RATE_LIMIT_AUTH" default:"20"`

	// Server
	// TrustProxyHeaders はX-Forwarded-For / X-Real-IPを接続元IPとして信頼するか。
	// リバースプロキシ配下で、プロキシがこれらのヘッダーを上書きする場合のみ有効にする。
	TrustProxyHeaders bool `envconfig:"TRUST_PROXY_HEADERS" default:"false"`

	ServerPort string `envconfig:"SERVER_PORT" default:"8000"`
	ClientURL  string `envconfig:"CLIENT_URL" default:"http://localhost:5173"`
	AppEnv     string `envconfig:"APP_ENV" default:"development"`

	// Cookie
	CookieDomain string `envconfig:"COOKIE_DOMAIN"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envファイルがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	if cfg.JWTStateSecret == "" {
		cfg.JWTStateSecret = cfg.JWTAccessSecret
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsProduction は本番環境として起動しているかを返す。
// Cookieのsecure属性やエラーメッセージの秘匿に使用する。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// validate は必須項目と値の整合性を検証する。
func (c *Config) validate() error {
	var missing []string

	required := []struct {
		key   string
		value string
	}{
		{"DATABASE_URL", c.DatabaseURL},
		{"GOOGLE_CLIENT_ID", c.GoogleClientID},
		{"GOOGLE_CLIENT_SECRET", c.GoogleClientSecret},
		{"JWT_ACCESS_SECRET", c.JWTAccessSecret},
		{"JWT_REFRESH_SECRET", c.JWTRefreshSecret},
	}
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	if c.JWTAccessExpiresIn <= 0 || c.JWTRefreshExpires <= 0 || c.OAuthStateExpires <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}

	if c.GmailRefreshInterval <= 0 {
		return fmt.Errorf("GMAIL_REFRESH_INTERVAL must be positive")
	}

	return nil
}
