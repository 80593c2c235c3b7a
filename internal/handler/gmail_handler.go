package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/clarity/internal/gmail"
	"github.com/hitoshi/clarity/internal/middleware"
	"github.com/hitoshi/clarity/internal/model"
	"github.com/hitoshi/clarity/internal/security"
)

// GmailServiceInterface はGmail連携ハンドラーが必要とするサービスインターフェース。
type GmailServiceInterface interface {
	AuthURL(ctx context.Context, userID string) (string, error)
	HandleCallback(ctx context.Context, code, state string) (*model.GmailAccount, error)
	ListAccounts(ctx context.Context, userID string) ([]*model.GmailAccount, error)
	Revoke(ctx context.Context, accountID, userID string) (*gmail.RevokeResult, error)
}

// GmailHandler はGmail連携のHTTPハンドラー。
type GmailHandler struct {
	service   GmailServiceInterface
	clientURL string
	render    middleware.ErrorRenderer
	sanitizer *security.ProfileSanitizer
}

// NewGmailHandler はGmailHandlerを生成する。
// clientURLはコールバック後のリダイレクト先のベースURL。
func NewGmailHandler(service GmailServiceInterface, clientURL string, render middleware.ErrorRenderer) *GmailHandler {
	return &GmailHandler{
		service:   service,
		clientURL: strings.TrimRight(clientURL, "/"),
		render:    render,
		sanitizer: security.NewProfileSanitizer(),
	}
}

// gmailAccountResponse はトークンを含まない公開用のアカウント情報。
type gmailAccountResponse struct {
	ID          string    `json:"id"`
	GoogleEmail string    `json:"googleEmail"`
	IsDefault   bool      `json:"isDefault"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type revokeResponse struct {
	Status  string             `json:"status"`
	Message string             `json:"message"`
	Data    revokeResponseData `json:"data"`
}

type revokeResponseData struct {
	LocalRemoved    bool `json:"localRemoved"`
	UpstreamRevoked bool `json:"upstreamRevoked"`
}

func toGmailAccountResponse(a *model.GmailAccount) gmailAccountResponse {
	return gmailAccountResponse{
		ID:          a.ID,
		GoogleEmail: a.GoogleEmail,
		IsDefault:   a.IsDefault,
		CreatedAt:   a.CreatedAt,
		ExpiresAt:   a.ExpiresAt,
	}
}

// AuthURL はGmail連携の同意画面URLを返す。
// GET /api/gmail/auth-url
func (h *GmailHandler) AuthURL(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		h.render(w, r, model.NewUnauthorizedError("User not authenticated"))
		return
	}

	authURL, err := h.service.AuthURL(r.Context(), userID)
	if err != nil {
		h.render(w, r, err)
		return
	}

	writeSuccess(w, map[string]string{"url": authURL})
}

// Callback はGoogleからのOAuthコールバックを処理し、フロントエンドへリダイレクトする。
// ブラウザはリダイレクト途中のため、失敗時もJSONは返さずエラー画面へリダイレクトする。
// GET /api/gmail/callback?code=xxx&state=yyy
func (h *GmailHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		h.redirectError(w, r, upstreamErr)
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		h.redirectError(w, r, "invalid_params")
		return
	}

	account, err := h.service.HandleCallback(r.Context(), code, state)
	if err != nil {
		slog.Warn("gmail callback failed", slog.String("error", err.Error()))
		h.redirectError(w, r, callbackReason(err))
		return
	}

	params := url.Values{
		"email":     {account.GoogleEmail},
		"accountId": {account.ID},
	}
	http.Redirect(w, r, h.clientURL+"/gmail/success?"+params.Encode(), http.StatusFound)
}

func (h *GmailHandler) redirectError(w http.ResponseWriter, r *http.Request, reason string) {
	params := url.Values{"reason": {h.sanitizer.Reason(reason)}}
	http.Redirect(w, r, h.clientURL+"/gmail/error?"+params.Encode(), http.StatusFound)
}

// callbackReason はリダイレクト先に渡す理由文字列を返す。
// 内部エラーの詳細は含めない。
func callbackReason(err error) string {
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Unknown error"
}

// ListAccounts は連携済みアカウントの一覧を返す。
// GET /api/gmail/accounts
func (h *GmailHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		h.render(w, r, model.NewUnauthorizedError("User not authenticated"))
		return
	}

	accounts, err := h.service.ListAccounts(r.Context(), userID)
	if err != nil {
		h.render(w, r, err)
		return
	}

	resp := make([]gmailAccountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, toGmailAccountResponse(a))
	}
	writeSuccess(w, map[string][]gmailAccountResponse{"accounts": resp})
}

// RevokeAccount は連携を解除する。
// DELETE /api/gmail/accounts/{id}
func (h *GmailHandler) RevokeAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		h.render(w, r, model.NewUnauthorizedError("User not authenticated"))
		return
	}

	accountID := chi.URLParam(r, "id")
	if accountID == "" {
		h.render(w, r, model.NewValidationError("Invalid account ID"))
		return
	}

	result, err := h.service.Revoke(r.Context(), accountID, userID)
	if err != nil {
		h.render(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, revokeResponse{
		Status:  statusSuccess,
		Message: "Gmail account revoked successfully",
		Data: revokeResponseData{
			LocalRemoved:    result.LocalRemoved,
			UpstreamRevoked: result.UpstreamRevoked,
		},
	})
}
