// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/clarity/internal/auth"
	"github.com/hitoshi/clarity/internal/middleware"
	"github.com/hitoshi/clarity/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignIn(ctx context.Context, idToken string) (*auth.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.Session, error)
	CurrentUser(ctx context.Context, userID string) (*model.User, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookies    auth.CookiePolicy
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
	render  middleware.ErrorRenderer
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig, render middleware.ErrorRenderer) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
		render:  render,
	}
}

type signInRequest struct {
	IDToken string `json:"idToken"`
}

type userResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
}

type signInData struct {
	User      userResponse `json:"user"`
	ExpiresAt int64        `json:"expiresAt"`
}

type refreshResponse struct {
	Status    string `json:"status"`
	ExpiresAt int64  `json:"expiresAt"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:     u.ID,
		Name:   u.Name,
		Email:  u.Email,
		Avatar: u.Avatar,
	}
}

// GoogleCallback はGoogleのIDトークンでサインインし、セッションCookieを設定する。
// POST /api/auth/google/callback
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.render(w, r, err)
		return
	}

	session, err := h.service.SignIn(r.Context(), req.IDToken)
	if err != nil {
		h.render(w, r, err)
		return
	}

	http.SetCookie(w, h.config.Cookies.AccessCookie(session.AccessToken, h.config.AccessTTL))
	http.SetCookie(w, h.config.Cookies.RefreshCookie(session.RefreshToken, h.config.RefreshTTL))

	writeSuccess(w, signInData{
		User:      toUserResponse(session.User),
		ExpiresAt: session.AccessExpiresAt.UnixMilli(),
	})
}

// RefreshToken はリフレッシュトークンCookieから新しいアクセストークンを発行する。
// POST /api/auth/refresh-token
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var refreshToken string
	if cookie, err := r.Cookie(auth.RefreshCookieName); err == nil {
		refreshToken = cookie.Value
	}

	session, err := h.service.Refresh(r.Context(), refreshToken)
	if err != nil {
		h.render(w, r, err)
		return
	}

	http.SetCookie(w, h.config.Cookies.AccessCookie(session.AccessToken, h.config.AccessTTL))

	writeJSON(w, http.StatusOK, refreshResponse{
		Status:    statusSuccess,
		ExpiresAt: session.AccessExpiresAt.UnixMilli(),
	})
}

// Me は現在のログインユーザー情報を返す。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		h.render(w, r, model.NewUnauthorizedError("User not authenticated"))
		return
	}

	user, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		h.render(w, r, err)
		return
	}

	writeSuccess(w, map[string]userResponse{"user": toUserResponse(user)})
}

// Logout は両方のセッションCookieを削除する。常に200を返す。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.config.Cookies.ClearAccessCookie())
	http.SetCookie(w, h.config.Cookies.ClearRefreshCookie())

	writeJSON(w, http.StatusOK, successResponse{Status: statusSuccess, Message: "Logged out successfully"})
}
