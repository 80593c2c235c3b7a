package model

import "time"

// GmailAccount はユーザーが読み取り権限を付与したGmailメールボックスを表す。
// (UserID, GoogleEmail) の組で一意。再連携時は同じレコードのトークンを上書きする。
type GmailAccount struct {
	ID              string
	UserID          string
	GoogleEmail     string
	GoogleAccountID string
	Scope           string
	AccessToken     string
	RefreshToken    string // 未取得の場合は空文字
	ExpiresAt       time.Time
	IsDefault       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasRefreshToken はリフレッシュトークンを保持しているかを返す。
func (a *GmailAccount) HasRefreshToken() bool {
	return a.RefreshToken != ""
}
