// Package auth はGoogleのIDトークンによるサインインと、JWTセッションの発行・更新を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/clarity/internal/metrics"
	"github.com/hitoshi/clarity/internal/model"
	"github.com/hitoshi/clarity/internal/repository"
	"github.com/hitoshi/clarity/internal/security"
	"github.com/hitoshi/clarity/internal/token"
)

// TokenIssuer はセッション用トークンの発行・検証インターフェース。
// token.Codecが実装する。
type TokenIssuer interface {
	IssueAccessToken(userID, email string) (string, time.Time, error)
	IssueRefreshToken(userID string) (string, time.Time, error)
	Verify(tokenString string, kind token.Kind) (*token.Claims, error)
}

// Session はサインインまたは更新で発行されたトークンの組。
// Refreshで発行された場合、RefreshTokenは空。
type Session struct {
	User             *model.User
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	verifier  IdentityVerifier
	userRepo  repository.UserRepository
	tokens    TokenIssuer
	sanitizer *security.ProfileSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	verifier IdentityVerifier,
	userRepo repository.UserRepository,
	tokens TokenIssuer,
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
		verifier:  verifier,
		userRepo:  userRepo,
		tokens:    tokens,
		sanitizer: security.NewProfileSanitizer(),
		metrics:   collector,
		logger:    logger,
		now:       time.Now,
	}
}

// SignInWithIdentityToken はIDトークンを検証し、対応するユーザーを返す。
// subject idに対応するユーザーが存在しなければ作成する。同じIDトークンで何度呼んでも同じユーザーを返す。
// 別のsubject idが既存ユーザーと同じメールアドレスを持つ場合はValidationErrorを返す。
func (s *Service) SignInWithIdentityToken(ctx context.Context, idToken string) (*model.User, error) {
	if strings.TrimSpace(idToken) == "" {
		return nil, model.NewValidationError("idToken required")
	}

	identity, err := s.verifier.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, &model.AppError{Kind: model.KindUnauthorized, Message: "Invalid Google ID token", Err: err}
	}
	if identity.Email == "" {
		return nil, model.NewUnauthorizedError("Google account has no email address")
	}

	user, err := s.userRepo.FindByGoogleID(ctx, identity.Subject)
	if err != nil {
		return nil, model.NewDatabaseError("Failed to look up user", err)
	}
	if user != nil {
		s.logger.Info("existing user signed in", slog.String("user_id", user.ID))
		return user, nil
	}

	owner, err := s.userRepo.FindByEmail(ctx, identity.Email)
	if err != nil {
		return nil, model.NewDatabaseError("Failed to look up user", err)
	}
	if owner != nil {
		s.logger.Warn("sign-in rejected: email owned by another google account",
			slog.String("user_id", owner.ID),
		)
		return nil, model.NewValidationError("email already linked to another Google account")
	}

	now := s.now()
	newUser := &model.User{
		ID:        uuid.New().String(),
		Name:      s.sanitizer.Name(identity.Name, identity.Email),
		Email:     identity.Email,
		GoogleID:  identity.Subject,
		Avatar:    s.sanitizer.AvatarURL(identity.Picture),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.userRepo.Create(ctx, newUser); err != nil {
		switch {
		case repository.IsDuplicate(err, repository.ConstraintUsersGoogleID):
			// 同じsubject idの初回サインインが競合した場合は先に作成された行を返す
			winner, findErr := s.userRepo.FindByGoogleID(ctx, identity.Subject)
			if findErr != nil {
				return nil, model.NewDatabaseError("Failed to look up user", findErr)
			}
			if winner != nil {
				return winner, nil
			}
			return nil, model.NewDatabaseError("Failed to create user", err)
		case repository.IsDuplicate(err, repository.ConstraintUsersEmail):
			return nil, model.NewValidationError("email already linked to another Google account")
		default:
			return nil, model.NewDatabaseError("Failed to create user", err)
		}
	}

	s.logger.Info("new user created", slog.String("user_id", newUser.ID))
	return newUser, nil
}

// SignIn はIDトークンでサインインし、アクセストークンとリフレッシュトークンを発行する。
func (s *Service) SignIn(ctx context.Context, idToken string) (*Session, error) {
	user, err := s.SignInWithIdentityToken(ctx, idToken)
	if err != nil {
		s.metrics.RecordSignIn(metrics.ResultFailure)
		return nil, err
	}

	session, err := s.issueSession(user)
	if err != nil {
		s.metrics.RecordSignIn(metrics.ResultFailure)
		return nil, err
	}

	s.metrics.RecordSignIn(metrics.ResultSuccess)
	return session, nil
}

// Refresh はリフレッシュトークンを検証し、新しいアクセストークンを発行する。
// アクセストークンには現在のメールアドレスを含めるため、ユーザーを再取得する。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, model.NewUnauthorizedError("Refresh token missing")
	}

	claims, err := s.tokens.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		return nil, &model.AppError{Kind: model.KindUnauthorized, Message: "Invalid or expired refresh token", Err: err}
	}

	user, err := s.CurrentUser(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}

	access, expiresAt, err := s.tokens.IssueAccessToken(user.ID, user.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	return &Session{
		User:            user,
		AccessToken:     access,
		AccessExpiresAt: expiresAt,
	}, nil
}

// CurrentUser はユーザーIDに対応するユーザーを返す。
// 存在しない場合はUnauthorizedErrorを返す。
func (s *Service) CurrentUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, model.NewDatabaseError("Failed to look up user", err)
	}
	if user == nil {
		return nil, model.NewUnauthorizedError("User not found")
	}
	return user, nil
}

func (s *Service) issueSession(user *model.User) (*Session, error) {
	access, accessExp, err := s.tokens.IssueAccessToken(user.ID, user.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	refresh, refreshExp, err := s.tokens.IssueRefreshToken(user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	return &Session{
		User:             user,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}
