package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	signInPath = "/api/auth/google/callback"
	logoutPath = "/api/auth/logout"
)

// User はサインイン中のユーザー。
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
}

// GmailAccount は連携済みのGmailアカウント。
type GmailAccount struct {
	ID          string    `json:"id"`
	GoogleEmail string    `json:"googleEmail"`
	IsDefault   bool      `json:"isDefault"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// RevokeResult は連携解除の結果。
type RevokeResult struct {
	LocalRemoved    bool `json:"localRemoved"`
	UpstreamRevoked bool `json:"upstreamRevoked"`
}

// SignIn はGoogleのIDトークンでサインインし、セッションの有効期限を保存する。
func (c *Client) SignIn(ctx context.Context, idToken string) (*User, error) {
	var resp struct {
		Data struct {
			User      User  `json:"user"`
			ExpiresAt int64 `json:"expiresAt"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, signInPath, map[string]string{"idToken": idToken}, &resp); err != nil {
		return nil, err
	}

	c.session.SetExpiresAt(time.UnixMilli(resp.Data.ExpiresAt))
	return &resp.Data.User, nil
}

// Me は現在のユーザーを返す。
func (c *Client) Me(ctx context.Context) (*User, error) {
	var resp struct {
		Data struct {
			User User `json:"user"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data.User, nil
}

// Logout はサーバー側のCookieを削除し、ローカルのセッション状態も破棄する。
// サーバー呼び出しが失敗してもローカルの状態は破棄する。
func (c *Client) Logout(ctx context.Context) error {
	defer c.session.Clear()
	if err := c.do(ctx, http.MethodPost, logoutPath, nil, nil); err != nil {
		return fmt.Errorf("failed to logout: %w", err)
	}
	return nil
}

// GmailAuthURL はGmail連携の同意画面URLを返す。
func (c *Client) GmailAuthURL(ctx context.Context) (string, error) {
	var resp struct {
		Data struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/gmail/auth-url", nil, &resp); err != nil {
		return "", err
	}
	return resp.Data.URL, nil
}

// GmailAccounts は連携済みアカウントの一覧を返す。
func (c *Client) GmailAccounts(ctx context.Context) ([]GmailAccount, error) {
	var resp struct {
		Data struct {
			Accounts []GmailAccount `json:"accounts"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/gmail/accounts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Accounts, nil
}

// RevokeGmailAccount は連携を解除する。
func (c *Client) RevokeGmailAccount(ctx context.Context, accountID string) (*RevokeResult, error) {
	var resp struct {
		Data RevokeResult `json:"data"`
	}
	path := "/api/gmail/accounts/" + url.PathEscape(accountID)
	if err := c.do(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}
