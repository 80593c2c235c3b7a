package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/clarity/internal/model"
)

// PostgresGmailAccountRepo はPostgreSQLを使用したGmailアカウントリポジトリ。
type PostgresGmailAccountRepo struct {
	db *sql.DB
}

// NewPostgresGmailAccountRepo はPostgresGmailAccountRepoを生成する。
func NewPostgresGmailAccountRepo(db *sql.DB) *PostgresGmailAccountRepo {
	return &PostgresGmailAccountRepo{db: db}
}

const gmailAccountColumns = `id, user_id, google_email, google_account_id, scope,
	access_token, refresh_token, expires_at, is_default, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanGmailAccount(s rowScanner) (*model.GmailAccount, error) {
	a := &model.GmailAccount{}
	var refreshToken sql.NullString
	if err := s.Scan(
		&a.ID, &a.UserID, &a.GoogleEmail, &a.GoogleAccountID, &a.Scope,
		&a.AccessToken, &refreshToken, &a.ExpiresAt, &a.IsDefault, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.RefreshToken = nullStringValue(refreshToken)
	return a, nil
}

// FindByUserAndEmail はユーザーIDとGmailアドレスで検索する。見つからない場合はnilを返す。
func (r *PostgresGmailAccountRepo) FindByUserAndEmail(ctx context.Context, userID, googleEmail string) (*model.GmailAccount, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+gmailAccountColumns+` FROM gmail_accounts WHERE user_id = $1 AND google_email = $2`,
		userID, googleEmail,
	)
	a, err := scanGmailAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find gmail account by email: %w", err)
	}
	return a, nil
}

// FindByIDAndUser は所有者を限定してIDで検索する。見つからない場合はnilを返す。
func (r *PostgresGmailAccountRepo) FindByIDAndUser(ctx context.Context, id, userID string) (*model.GmailAccount, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+gmailAccountColumns+` FROM gmail_accounts WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	a, err := scanGmailAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		// 不正なUUID形式は存在しないIDとして扱う
		if isInvalidTextRepresentation(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find gmail account by ID: %w", err)
	}
	return a, nil
}

// Create はアカウントを作成する。
func (r *PostgresGmailAccountRepo) Create(ctx context.Context, a *model.GmailAccount) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO gmail_accounts (id, user_id, google_email, google_account_id, scope,
			access_token, refresh_token, expires_at, is_default, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.UserID, a.GoogleEmail, a.GoogleAccountID, a.Scope,
		a.AccessToken, nullString(a.RefreshToken), a.ExpiresAt, a.IsDefault, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if dup := asDuplicate(err); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to insert gmail account: %w", err)
	}
	return nil
}

// UpdateTokens はトークン関連のフィールドを上書きする。
func (r *PostgresGmailAccountRepo) UpdateTokens(ctx context.Context, a *model.GmailAccount) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE gmail_accounts
		 SET access_token = $1, refresh_token = $2, expires_at = $3, scope = $4,
		     google_account_id = $5, updated_at = $6
		 WHERE id = $7`,
		a.AccessToken, nullString(a.RefreshToken), a.ExpiresAt, a.Scope,
		a.GoogleAccountID, a.UpdatedAt, a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update gmail account tokens: %w", err)
	}
	return nil
}

// Delete は指定IDのアカウントを削除する。
func (r *PostgresGmailAccountRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM gmail_accounts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete gmail account: %w", err)
	}
	return nil
}

// ListByUser はユーザーの連携済みアカウントを作成日時の昇順で返す。
func (r *PostgresGmailAccountRepo) ListByUser(ctx context.Context, userID string) ([]*model.GmailAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+gmailAccountColumns+` FROM gmail_accounts WHERE user_id = $1 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list gmail accounts: %w", err)
	}
	return collectGmailAccounts(rows)
}

// ListExpiring は before より前に失効し、リフレッシュトークンを持つアカウントを返す。
func (r *PostgresGmailAccountRepo) ListExpiring(ctx context.Context, before time.Time) ([]*model.GmailAccount, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+gmailAccountColumns+` FROM gmail_accounts
		 WHERE expires_at < $1 AND refresh_token IS NOT NULL AND refresh_token <> ''
		 ORDER BY expires_at ASC`,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring gmail accounts: %w", err)
	}
	return collectGmailAccounts(rows)
}

func collectGmailAccounts(rows *sql.Rows) ([]*model.GmailAccount, error) {
	defer rows.Close()

	accounts := make([]*model.GmailAccount, 0)
	for rows.Next() {
		a, err := scanGmailAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gmail account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate gmail accounts: %w", err)
	}
	return accounts, nil
}

// compile-time interface check
var _ GmailAccountRepository = (*PostgresGmailAccountRepo)(nil)
