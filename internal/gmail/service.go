// Package gmail はGmailアカウントのOAuth連携、トークン更新、連携解除を提供する。
package gmail

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hitoshi/clarity/internal/metrics"
	"github.com/hitoshi/clarity/internal/model"
	"github.com/hitoshi/clarity/internal/repository"
	"github.com/hitoshi/clarity/internal/token"
)

// Profile はGmail APIのusers.getProfileの結果。
type Profile struct {
	EmailAddress string
	HistoryID    uint64
}

// Provider はGoogle側のOAuthおよびGmail APIの呼び出しを抽象化する。
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	FetchProfile(ctx context.Context, tok *oauth2.Token) (*Profile, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Revoke(ctx context.Context, token string) error
}

// StateTokens はOAuth stateトークンの発行・検証インターフェース。
// token.Codecが実装する。
type StateTokens interface {
	IssueStateToken(userID string) (string, error)
	Verify(tokenString string, kind token.Kind) (*token.Claims, error)
}

// RevokeResult は連携解除の結果。
// 上流での失効は失敗してもローカルの削除は行う。
type RevokeResult struct {
	LocalRemoved    bool
	UpstreamRevoked bool
}

// Service はGmail連携のビジネスロジックを提供する。
type Service struct {
	provider Provider
	repo     repository.GmailAccountRepository
	states   StateTokens
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	provider Provider,
	repo repository.GmailAccountRepository,
	states StateTokens,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider: provider,
		repo:     repo,
		states:   states,
		metrics:  collector,
		logger:   logger,
		now:      time.Now,
	}
}

// AuthURL はユーザーIDを埋め込んだstateトークン付きの同意画面URLを返す。
func (s *Service) AuthURL(_ context.Context, userID string) (string, error) {
	if userID == "" {
		return "", model.NewValidationError("userId required")
	}

	state, err := s.states.IssueStateToken(userID)
	if err != nil {
		return "", model.NewDatabaseError("Failed to issue state token", err)
	}
	return s.provider.AuthCodeURL(state), nil
}

// HandleCallback はOAuthコールバックを処理し、連携済みアカウントを返す。
// 同じユーザーが同じGmailアドレスを再連携した場合は既存レコードのトークンを上書きする。
func (s *Service) HandleCallback(ctx context.Context, code, state string) (*model.GmailAccount, error) {
	account, err := s.handleCallback(ctx, code, state)
	if err != nil {
		s.metrics.RecordGmailLink(metrics.ResultFailure)
		return nil, err
	}
	s.metrics.RecordGmailLink(metrics.ResultSuccess)
	return account, nil
}

func (s *Service) handleCallback(ctx context.Context, code, state string) (*model.GmailAccount, error) {
	if code == "" || state == "" {
		return nil, model.NewValidationError("code and state parameters required")
	}

	claims, err := s.states.Verify(state, token.KindState)
	if err != nil {
		return nil, &model.AppError{Kind: model.KindUnauthorized, Message: "Invalid or expired state parameter", Err: err}
	}
	userID := claims.UserID

	tok, err := s.provider.Exchange(ctx, code)
	if err != nil {
		return nil, model.NewDatabaseError("Failed to handle Gmail callback", err)
	}
	if tok.AccessToken == "" {
		return nil, model.NewValidationError("Failed to obtain access token")
	}

	profile, err := s.provider.FetchProfile(ctx, tok)
	if err != nil {
		return nil, model.NewDatabaseError("Failed to handle Gmail callback", err)
	}
	if profile.EmailAddress == "" {
		return nil, model.NewValidationError("Failed to fetch Gmail user info")
	}

	now := s.now()
	incoming := &model.GmailAccount{
		UserID:          userID,
		GoogleEmail:     profile.EmailAddress,
		GoogleAccountID: profile.EmailAddress,
		Scope:           grantedScope(tok),
		AccessToken:     tok.AccessToken,
		RefreshToken:    tok.RefreshToken,
		ExpiresAt:       tokenExpiry(tok, now),
	}

	existing, err := s.repo.FindByUserAndEmail(ctx, userID, profile.EmailAddress)
	if err != nil {
		return nil, model.NewDatabaseError("Failed to handle Gmail callback", err)
	}
	if existing != nil {
		return s.relink(ctx, existing, incoming)
	}

	incoming.ID = uuid.New().String()
	incoming.IsDefault = false
	incoming.CreatedAt = now
	incoming.UpdatedAt = now

	if err := s.repo.Create(ctx, incoming); err != nil {
		if !repository.IsDuplicate(err, repository.ConstraintGmailUserEmail) {
			return nil, model.NewDatabaseError("Failed to handle Gmail callback", err)
		}
		// 同じアドレスの連携が並行して完了した場合は先に作成された行を更新する
		winner, findErr := s.repo.FindByUserAndEmail(ctx, userID, profile.EmailAddress)
		if findErr != nil || winner == nil {
			return nil, model.NewDatabaseError("Failed to handle Gmail callback", err)
		}
		return s.relink(ctx, winner, incoming)
	}

	s.logger.Info("gmail account linked",
		slog.String("user_id", userID),
		slog.String("account_id", incoming.ID),
	)
	return incoming, nil
}

// relink は既存アカウントのトークン関連フィールドを上書きする。
// 上流がリフレッシュトークンを返さなかった場合は既存の値を維持する。
func (s *Service) relink(ctx context.Context, existing, incoming *model.GmailAccount) (*model.GmailAccount, error) {
	existing.AccessToken = incoming.AccessToken
	if incoming.RefreshToken != "" {
		existing.RefreshToken = incoming.RefreshToken
	}
	existing.ExpiresAt = incoming.ExpiresAt
	existing.Scope = incoming.Scope
	existing.GoogleAccountID = incoming.GoogleAccountID
	existing.UpdatedAt = s.now()

	if err := s.repo.UpdateTokens(ctx, existing); err != nil {
		return nil, model.NewDatabaseError("Failed to handle Gmail callback", err)
	}

	s.logger.Info("gmail account relinked",
		slog.String("user_id", existing.UserID),
		slog.String("account_id", existing.ID),
	)
	return existing, nil
}

// Revoke は所有者を限定してアカウントの連携を解除する。
// 上流での失効はベストエフォートで、失敗してもローカルのレコードは削除する。
func (s *Service) Revoke(ctx context.Context, accountID, userID string) (*RevokeResult, error) {
	if accountID == "" || userID == "" {
		return nil, model.NewValidationError("accountId and userId required")
	}

	account, err := s.repo.FindByIDAndUser(ctx, accountID, userID)
	if err != nil {
		return nil, model.NewDatabaseError("Failed to revoke Gmail account", err)
	}
	if account == nil {
		return nil, model.NewUnauthorizedError("Gmail account not found or access denied")
	}

	result := &RevokeResult{}

	// リフレッシュトークンを失効させると紐づくアクセストークンも無効になる
	upstreamToken := account.RefreshToken
	if upstreamToken == "" {
		upstreamToken = account.AccessToken
	}
	if upstreamToken != "" {
		if err := s.provider.Revoke(ctx, upstreamToken); err != nil {
			s.logger.Warn("failed to revoke token with google",
				slog.String("account_id", account.ID),
				slog.String("error", err.Error()),
			)
		} else {
			result.UpstreamRevoked = true
		}
	}

	if err := s.repo.Delete(ctx, account.ID); err != nil {
		return result, model.NewDatabaseError("Failed to revoke Gmail account", err)
	}
	result.LocalRemoved = true

	s.logger.Info("gmail account revoked",
		slog.String("user_id", userID),
		slog.String("account_id", account.ID),
		slog.Bool("upstream_revoked", result.UpstreamRevoked),
	)
	return result, nil
}

// RefreshAccessToken は所有者を限定してアカウントのアクセストークンを更新し、新しいアクセストークンを返す。
func (s *Service) RefreshAccessToken(ctx context.Context, accountID, userID string) (string, error) {
	if accountID == "" || userID == "" {
		return "", model.NewValidationError("accountId and userId required")
	}

	account, err := s.repo.FindByIDAndUser(ctx, accountID, userID)
	if err != nil {
		return "", model.NewDatabaseError("Failed to refresh token", err)
	}
	if account == nil {
		return "", model.NewUnauthorizedError("Gmail account not found or access denied")
	}

	if err := s.RefreshAccount(ctx, account); err != nil {
		return "", err
	}
	return account.AccessToken, nil
}

// RefreshAccount はアカウントのアクセストークンを上流で更新し、保存する。
// 上流が新しいリフレッシュトークンを返した場合はそれに置き換える。
// 定期更新ワーカーからも呼ばれる。
func (s *Service) RefreshAccount(ctx context.Context, account *model.GmailAccount) error {
	if !account.HasRefreshToken() {
		s.metrics.RecordTokenRefresh(metrics.ResultSkipped)
		return model.NewValidationError("Refresh token not available for this account")
	}

	tok, err := s.provider.Refresh(ctx, account.RefreshToken)
	if err != nil {
		s.metrics.RecordTokenRefresh(metrics.ResultFailure)
		return model.NewDatabaseError("Failed to refresh token", err)
	}
	if tok.AccessToken == "" {
		s.metrics.RecordTokenRefresh(metrics.ResultFailure)
		return model.NewValidationError("Failed to refresh access token")
	}

	now := s.now()
	account.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		account.RefreshToken = tok.RefreshToken
	}
	account.ExpiresAt = tokenExpiry(tok, now)
	account.UpdatedAt = now

	if err := s.repo.UpdateTokens(ctx, account); err != nil {
		s.metrics.RecordTokenRefresh(metrics.ResultFailure)
		return model.NewDatabaseError("Failed to refresh token", err)
	}

	s.metrics.RecordTokenRefresh(metrics.ResultSuccess)
	s.logger.Debug("gmail access token refreshed",
		slog.String("account_id", account.ID),
		slog.Time("expires_at", account.ExpiresAt),
	)
	return nil
}

// ListAccounts はユーザーの連携済みアカウントを返す。
func (s *Service) ListAccounts(ctx context.Context, userID string) ([]*model.GmailAccount, error) {
	if userID == "" {
		return nil, model.NewValidationError("userId required")
	}

	accounts, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, model.NewDatabaseError("Failed to fetch Gmail accounts", err)
	}
	return accounts, nil
}

// ListExpiring は before より前に失効する更新対象アカウントを返す。
func (s *Service) ListExpiring(ctx context.Context, before time.Time) ([]*model.GmailAccount, error) {
	accounts, err := s.repo.ListExpiring(ctx, before)
	if err != nil {
		return nil, model.NewDatabaseError("Failed to list expiring Gmail accounts", err)
	}
	return accounts, nil
}
