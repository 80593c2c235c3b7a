// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/clarity/internal/auth"
	"github.com/hitoshi/clarity/internal/model"
	"github.com/hitoshi/clarity/internal/token"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに認証済み主体を格納するためのキー。
var identityContextKey = contextKey("identity")

// AccessTokenVerifier はアクセストークンの検証インターフェース。
// token.Codecが実装する。
type AccessTokenVerifier interface {
	Verify(tokenString string, kind token.Kind) (*token.Claims, error)
}

// NewAuthGuard はaccess_token Cookieを検証し、認証済み主体をリクエストコンテキストに注入するミドルウェアを返す。
// トークンの更新は行わない。期限切れの場合もクライアントに401を返し、更新はクライアントに任せる。
func NewAuthGuard(verifier AccessTokenVerifier, render ErrorRenderer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(auth.AccessCookieName)
			if err != nil || cookie.Value == "" {
				render(w, r, model.NewUnauthorizedError("Access token missing"))
				return
			}

			claims, err := verifier.Verify(cookie.Value, token.KindAccess)
			if err != nil {
				render(w, r, &model.AppError{
					Kind:    model.KindUnauthorized,
					Message: "Invalid or expired access token",
					Err:     err,
				})
				return
			}

			identity := model.Identity{UserID: claims.UserID, Email: claims.Email}
			markRequestUser(r.Context(), identity.UserID)

			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		})
	}
}

// IdentityFromContext はリクエストコンテキストから認証済み主体を取得する。
// AuthGuardを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (model.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(model.Identity)
	if !ok || identity.UserID == "" {
		return model.Identity{}, false
	}
	return identity, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("user ID not found in context")
	}
	return identity.UserID, nil
}

// ContextWithIdentity はコンテキストに認証済み主体を注入する。
func ContextWithIdentity(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// ContextWithUserID はコンテキストにユーザーIDのみを持つ主体を注入する。テスト用。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithIdentity(ctx, model.Identity{UserID: userID})
}
