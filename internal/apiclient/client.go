package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// RefreshWindow は有効期限がこの時間以内に迫ったときに事前更新を行う閾値。
const RefreshWindow = 60 * time.Second

// ErrSessionExpired はセッションが失効し再サインインが必要であることを示す。
var ErrSessionExpired = errors.New("session expired")

// APIError はAPIが返したエラーレスポンス。
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Client はClarity APIのクライアント。
type Client struct {
	baseURL   string
	http      *http.Client
	session   SessionState
	refresher RefreshStrategy
	onExpired func()
	logger    *slog.Logger
	now       func() time.Time

	refreshMu sync.Mutex
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithHTTPClient は使用するhttp.Clientを差し替える。Jarが未設定の場合は設定する。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSession はセッション状態の保持先を差し替える。
func WithSession(s SessionState) Option {
	return func(c *Client) { c.session = s }
}

// WithRefreshStrategy はアクセストークンの更新方法を差し替える。
func WithRefreshStrategy(r RefreshStrategy) Option {
	return func(c *Client) { c.refresher = r }
}

// WithOnSessionExpired はセッション失効時に呼ばれる関数を設定する。
// サインイン画面への遷移などに使う。
func WithOnSessionExpired(fn func()) Option {
	return func(c *Client) { c.onExpired = fn }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New はClientを生成する。
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: NewMemorySession(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		c.http.Jar = jar
	}
	if c.refresher == nil {
		c.refresher = &EndpointRefresher{HTTPClient: c.http, URL: c.baseURL + RefreshPath}
	}

	return c, nil
}

// Session はクライアントが保持するセッション状態を返す。
func (c *Client) Session() SessionState {
	return c.session
}

// skipsPreflight は送信前の期限チェックを行わないパス。
// 更新エンドポイント自身と、セッションを確立・破棄するエンドポイントが対象。
func skipsPreflight(path string) bool {
	switch path {
	case RefreshPath, signInPath, logoutPath:
		return true
	}
	return false
}

// retriesOn401 は401応答時に更新と再送を行うパスかを返す。認証系エンドポイントは対象外。
func retriesOn401(path string) bool {
	return !strings.HasPrefix(path, "/api/auth/")
}

// do はリクエストを送信し、成功時はレスポンスをdstにデコードする。
func (c *Client) do(ctx context.Context, method, path string, body, dst any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = b
	}

	if !skipsPreflight(path) {
		if err := c.ensureFresh(ctx); err != nil {
			return err
		}
	}

	resp, err := c.send(ctx, method, path, payload)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized && retriesOn401(path) {
		drain(resp)

		if err := c.refresh(ctx, true); err != nil {
			c.expire()
			return fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}

		// 再送は1回のみ。再度401の場合はセッション失効とする。
		resp, err = c.send(ctx, method, path, payload)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			c.expire()
			return ErrSessionExpired
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	return resp, nil
}

// ensureFresh は送信前にアクセストークンの有効期限を確認する。
// 期限切れならセッションを破棄し、RefreshWindow以内なら更新を待つ。
func (c *Client) ensureFresh(ctx context.Context) error {
	expiresAt, ok := c.session.ExpiresAt()
	if !ok {
		return nil
	}

	now := c.now()
	if !now.Before(expiresAt) {
		c.expire()
		return ErrSessionExpired
	}
	if expiresAt.Sub(now) > RefreshWindow {
		return nil
	}

	if err := c.refresh(ctx, false); err != nil {
		c.expire()
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	return nil
}

// refresh はアクセストークンを更新する。同時に呼ばれた場合は1回にまとめる。
// forceがfalseの場合、待機中に他の呼び出しが更新を済ませていれば何もしない。
func (c *Client) refresh(ctx context.Context, force bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if !force {
		if expiresAt, ok := c.session.ExpiresAt(); ok && expiresAt.Sub(c.now()) > RefreshWindow {
			return nil
		}
	}

	expiresAt, err := c.refresher.Refresh(ctx)
	if err != nil {
		c.logger.Warn("access token refresh failed", slog.String("error", err.Error()))
		return err
	}
	c.session.SetExpiresAt(expiresAt)
	c.logger.Debug("access token refreshed", slog.Time("expires_at", expiresAt))
	return nil
}

// expire はセッション状態を破棄し、失効を通知する。
func (c *Client) expire() {
	c.session.Clear()
	if c.onExpired != nil {
		c.onExpired()
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func readAPIError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(raw))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Message}
}
