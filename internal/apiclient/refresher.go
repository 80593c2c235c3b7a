package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RefreshPath はアクセストークン更新エンドポイントのパス。
const RefreshPath = "/api/auth/refresh-token"

// RefreshStrategy はアクセストークンの更新方法。
// 成功時は新しいアクセストークンの有効期限を返す。
type RefreshStrategy interface {
	Refresh(ctx context.Context) (time.Time, error)
}

// EndpointRefresher はリフレッシュトークンCookieを使って更新エンドポイントを呼び出す。
type EndpointRefresher struct {
	HTTPClient *http.Client
	URL        string
}

// Refresh は更新エンドポイントにPOSTし、レスポンスのexpiresAt（エポックミリ秒）を返す。
func (r *EndpointRefresher) Refresh(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create refresh request: %w", err)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to refresh access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, readAPIError(resp)
	}

	var body struct {
		ExpiresAt int64 `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if body.ExpiresAt == 0 {
		return time.Time{}, fmt.Errorf("refresh response missing expiresAt")
	}
	return time.UnixMilli(body.ExpiresAt), nil
}

// compile-time interface check
var _ RefreshStrategy = (*EndpointRefresher)(nil)
