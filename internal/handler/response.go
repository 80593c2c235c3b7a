package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/clarity/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限（1MiB）。
const maxBodyBytes = 1 << 20

const statusSuccess = "success"

// successResponse は成功時のレスポンスの統一フォーマット。
type successResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeSuccess は {status:"success", data} を200で書き込む。
func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, successResponse{Status: statusSuccess, Data: data})
}

// decodeJSON はリクエストボディを上限付きでデコードする。
// 不正なJSONや上限超過はValidationErrorとして返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return model.NewValidationError("Request body too large")
		case errors.Is(err, io.EOF):
			return model.NewValidationError("Request body required")
		default:
			return model.NewValidationError("Invalid JSON body")
		}
	}
	return nil
}
