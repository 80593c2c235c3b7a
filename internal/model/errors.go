package model

import (
	"errors"
	"fmt"
)

// ErrorKind はエラーの分類を表す。HTTPステータスへの変換に使用する。
type ErrorKind string

const (
	// KindValidation は呼び出し元の入力不備（400）。
	KindValidation ErrorKind = "validation"
	// KindUnauthorized は認証情報の欠落・無効・期限切れ、または所有者不一致（401）。
	KindUnauthorized ErrorKind = "unauthorized"
	// KindNotFound は参照先リソースが存在しない（404）。
	KindNotFound ErrorKind = "not_found"
	// KindDatabase は永続化層などの想定外の失敗（500）。
	KindDatabase ErrorKind = "database"
)

// AppError はアプリケーション共通のエラー型。
// Messageはクライアントに返す文言、Errは原因となったエラー。
type AppError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap は原因エラーを返す。
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewValidationError は入力不備エラーを生成する。
func NewValidationError(message string) *AppError {
	return &AppError{Kind: KindValidation, Message: message}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError(message string) *AppError {
	return &AppError{Kind: KindUnauthorized, Message: message}
}

// NewNotFoundError はリソース未検出エラーを生成する。
func NewNotFoundError(message string) *AppError {
	return &AppError{Kind: KindNotFound, Message: message}
}

// NewDatabaseError は想定外の失敗をラップしたエラーを生成する。
func NewDatabaseError(message string, err error) *AppError {
	return &AppError{Kind: KindDatabase, Message: message, Err: err}
}

// IsKind はエラーチェーン中に指定種別のAppErrorが含まれるかを返す。
func IsKind(err error, kind ErrorKind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
