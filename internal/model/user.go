// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// GoogleIDはGoogleのsubject IDであり、ユーザーの同一性判定キーとなる。
type User struct {
	ID        string
	Name      string
	Email     string
	GoogleID  string
	Avatar    string // 未設定の場合は空文字
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity はアクセストークンから復元されたリクエスト主体を表す。
type Identity struct {
	UserID string
	Email  string
}
