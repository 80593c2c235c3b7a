package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/clarity/internal/model"
)

// internalErrorMessage は本番環境で想定外のエラーを秘匿する際の文言。
const internalErrorMessage = "Internal server error"

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorRenderer はエラーをHTTPレスポンスとして書き込む関数。
type ErrorRenderer func(w http.ResponseWriter, r *http.Request, err error)

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Status:  "error",
		Message: message,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, internalErrorMessage)
}

// StatusFromError はエラー種別に対応するHTTPステータスコードを返す。
// AppError以外は500とする。
func StatusFromError(err error) int {
	var appErr *model.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindUnauthorized:
		return http.StatusUnauthorized
	case model.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// NewErrorRenderer はエラーを統一フォーマットで書き込むErrorRendererを返す。
// productionがtrueの場合、500系のエラーは詳細を返さず一般的なメッセージに置き換える。
func NewErrorRenderer(production bool, logger *slog.Logger) ErrorRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request, err error) {
		status := StatusFromError(err)

		message := err.Error()
		var appErr *model.AppError
		if errors.As(err, &appErr) && status != http.StatusInternalServerError {
			message = appErr.Message
		}

		if status == http.StatusInternalServerError {
			logger.Error("request failed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)
			if production {
				message = internalErrorMessage
			}
		}

		WriteErrorResponse(w, status, message)
	}
}
