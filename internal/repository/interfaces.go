// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/clarity/internal/model"
)

// ErrDuplicate は一意制約違反で作成に失敗したことを示す。
// Constraintに違反した制約名が入る。
type ErrDuplicate struct {
	Constraint string
}

func (e *ErrDuplicate) Error() string {
	return "duplicate key violates unique constraint " + e.Constraint
}

// IsDuplicate はエラーチェーン中にErrDuplicateが含まれるかを返す。
// constraintが空の場合は制約名を問わない。
func IsDuplicate(err error, constraint string) bool {
	var dup *ErrDuplicate
	if !errors.As(err, &dup) {
		return false
	}
	return constraint == "" || dup.Constraint == constraint
}

// 一意制約名。
const (
	ConstraintUsersEmail     = "users_email_key"
	ConstraintUsersGoogleID  = "users_google_id_key"
	ConstraintGmailUserEmail = "gmail_accounts_user_email_unique"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByGoogleID はGoogleのsubject idでユーザーを検索する。見つからない場合はnilを返す。
	FindByGoogleID(ctx context.Context, googleID string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。一意制約違反時は*ErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error
}

// GmailAccountRepository は連携済みGmailアカウントの永続化インターフェース。
type GmailAccountRepository interface {
	// FindByUserAndEmail はユーザーIDとGmailアドレスで検索する。見つからない場合はnilを返す。
	FindByUserAndEmail(ctx context.Context, userID, googleEmail string) (*model.GmailAccount, error)

	// FindByIDAndUser は所有者を限定してIDで検索する。
	// 他ユーザーのアカウントは存在しないものとして扱い、nilを返す。
	FindByIDAndUser(ctx context.Context, id, userID string) (*model.GmailAccount, error)

	// Create はアカウントを作成する。(user_id, google_email) の重複時は*ErrDuplicateを返す。
	Create(ctx context.Context, account *model.GmailAccount) error

	// UpdateTokens はトークン関連のフィールド（access_token、refresh_token、expires_at、scope）を上書きする。
	UpdateTokens(ctx context.Context, account *model.GmailAccount) error

	// Delete は指定IDのアカウントを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, id string) error

	// ListByUser はユーザーの連携済みアカウントを作成日時の昇順で返す。
	ListByUser(ctx context.Context, userID string) ([]*model.GmailAccount, error)

	// ListExpiring は before より前に失効し、リフレッシュトークンを持つアカウントを返す。
	ListExpiring(ctx context.Context, before time.Time) ([]*model.GmailAccount, error)
}
