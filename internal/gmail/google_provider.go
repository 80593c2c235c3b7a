package gmail

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/hitoshi/clarity/internal/upstream"
)

const defaultGoogleRevokeURL = "https://oauth2.googleapis.com/revoke"

// Scope は連携時に要求するスコープ（Gmail読み取り専用）。
const Scope = gmailapi.GmailReadonlyScope

// GoogleProviderConfig はGoogleProviderの設定。
type GoogleProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	GmailBaseURL string
}

// GoogleProvider はGoogle OAuth 2.0とGmail APIを利用するProvider実装。
type GoogleProvider struct {
	oauth        *oauth2.Config
	revokeURL    string
	gmailBaseURL string
	policy       upstream.Policy
}

// NewGoogleProvider はGoogleProviderを生成する。
// すべての上流呼び出しはpolicyのタイムアウトとリトライ方針に従う。
func NewGoogleProvider(cfg GoogleProviderConfig, policy upstream.Policy) *GoogleProvider {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	revokeURL := cfg.RevokeURL
	if revokeURL == "" {
		revokeURL = defaultGoogleRevokeURL
	}

	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{Scope},
		},
		revokeURL:    revokeURL,
		gmailBaseURL: cfg.GmailBaseURL,
		policy:       policy,
	}
}

// AuthCodeURL は同意画面のURLを生成する。
// リフレッシュトークンを確実に得るためオフラインアクセスと再同意を要求する。
func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange は認可コードをトークンに交換する。
// 認可コードは1回しか使えないため再試行しない。
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	var tok *oauth2.Token
	err := p.policy.Once(ctx, "gmail.exchange", func(ctx context.Context) error {
		var err error
		tok, err = p.oauth.Exchange(p.policy.WithHTTPClient(ctx), code)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return tok, nil
}

// FetchProfile はトークンの所有者のGmailプロフィールを取得する。
func (p *GoogleProvider) FetchProfile(ctx context.Context, tok *oauth2.Token) (*Profile, error) {
	var profile *Profile
	err := p.policy.Do(ctx, "gmail.get_profile", func(ctx context.Context) error {
		opts := []option.ClientOption{
			option.WithHTTPClient(oauth2.NewClient(p.policy.WithHTTPClient(ctx), oauth2.StaticTokenSource(tok))),
		}
		if p.gmailBaseURL != "" {
			opts = append(opts, option.WithEndpoint(p.gmailBaseURL))
		}

		svc, err := gmailapi.NewService(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create gmail service: %w", err)
		}

		res, err := svc.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return err
		}
		profile = &Profile{EmailAddress: res.EmailAddress, HistoryID: res.HistoryId}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gmail profile: %w", err)
	}
	return profile, nil
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// 上流が新しいリフレッシュトークンを返さなかった場合、返却値のRefreshTokenは引数と同じ値になる。
func (p *GoogleProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	var tok *oauth2.Token
	err := p.policy.Do(ctx, "gmail.refresh", func(ctx context.Context) error {
		src := p.oauth.TokenSource(p.policy.WithHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
		var err error
		tok, err = src.Token()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh access token: %w", err)
	}
	return tok, nil
}

// Revoke は上流でトークンを失効させる。
func (p *GoogleProvider) Revoke(ctx context.Context, token string) error {
	client := p.policy.HTTPClient()
	err := p.policy.Do(ctx, "gmail.revoke", func(ctx context.Context) error {
		form := url.Values{"token": {token}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("failed to create revoke request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &upstream.StatusError{Op: "revoke", StatusCode: resp.StatusCode, Body: string(body)}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// grantedScope は上流が返したスコープを返す。返されなかった場合は要求したスコープとみなす。
func grantedScope(tok *oauth2.Token) string {
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		return s
	}
	return Scope
}

// tokenExpiry はトークンの有効期限を返す。上流が期限を返さなかった場合はnow+1時間とする。
func tokenExpiry(tok *oauth2.Token, now time.Time) time.Time {
	if tok.Expiry.IsZero() {
		return now.Add(time.Hour)
	}
	return tok.Expiry
}

// compile-time interface check
var _ Provider = (*GoogleProvider)(nil)
