package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/clarity/internal/model"
	"github.com/hitoshi/clarity/internal/repository"
	"github.com/hitoshi/clarity/internal/token"
)

// --- モック定義 ---

// memoryUserRepo はgoogle_idとemailの一意制約を再現するインメモリのUserRepository。
type memoryUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User

	findErr   error
	createErr error
	// beforeCreate はCreateの直前に呼ばれる。競合の再現に使用する。
	beforeCreate func(u *model.User)
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{users: make(map[string]*model.User)}
}

func (m *memoryUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.users[id], nil
}

func (m *memoryUserRepo) FindByGoogleID(_ context.Context, googleID string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, u := range m.users {
		if u.GoogleID == googleID {
			return u, nil
		}
	}
	return nil, nil
}

func (m *memoryUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (m *memoryUserRepo) Create(_ context.Context, user *model.User) error {
	if m.beforeCreate != nil {
		m.beforeCreate(user)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, u := range m.users {
		if u.GoogleID == user.GoogleID {
			return &repository.ErrDuplicate{Constraint: repository.ConstraintUsersGoogleID}
		}
		if u.Email == user.Email {
			return &repository.ErrDuplicate{Constraint: repository.ConstraintUsersEmail}
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memoryUserRepo) put(u *model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

type mockVerifier struct {
	identities map[string]*GoogleIdentity
}

func (m *mockVerifier) VerifyIDToken(_ context.Context, idToken string) (*GoogleIdentity, error) {
	if id, ok := m.identities[idToken]; ok {
		return id, nil
	}
	return nil, errors.New("token signature invalid")
}

func newTestCodec() *token.Codec {
	return token.NewCodec(token.Config{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		StateSecret:   "state-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		StateTTL:      10 * time.Minute,
	})
}

func newTestService(repo *memoryUserRepo) *Service {
	verifier := &mockVerifier{identities: map[string]*GoogleIdentity{
		"id-token-alice":   {Subject: "sub-alice", Email: "alice@example.com", Name: "Alice", Picture: "https://lh3.googleusercontent.com/a/alice"},
		"id-token-mallory": {Subject: "sub-mallory", Email: "alice@example.com", Name: "Mallory"},
		"id-token-noemail": {Subject: "sub-noemail"},
		"id-token-script":  {Subject: "sub-script", Email: "s@example.com", Name: "<script>x</script>", Picture: "javascript:alert(1)"},
	}}
	return NewService(verifier, repo, newTestCodec(), nil, nil)
}

// --- テスト ---

func TestSignInWithIdentityToken_NewUser_CreatesUser(t *testing.T) {
	repo := newMemoryUserRepo()
	svc := newTestService(repo)

	user, err := svc.SignInWithIdentityToken(context.Background(), "id-token-alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.GoogleID != "sub-alice" {
		t.Errorf("GoogleID = %q, want %q", user.GoogleID, "sub-alice")
	}
	if user.Email != "alice@example.com" {
		t.Errorf("Email = %q, want %q", user.Email, "alice@example.com")
	}
	if user.Name != "Alice" {
		t.Errorf("Name = %q, want %q", user.Name, "Alice")
	}
	if user.Avatar != "https://lh3.googleusercontent.com/a/alice" {
		t.Errorf("Avatar = %q", user.Avatar)
	}
	if user.ID == "" {
		t.Error("expected generated user ID")
	}
}

func TestSignInWithIdentityToken_Idempotent(t *testing.T) {
	repo := newMemoryUserRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	first, err := svc.SignInWithIdentityToken(ctx, "id-token-alice")
	if err != nil {
		t.Fatalf("first sign-in failed: %v", err)
	}
	second, err := svc.SignInWithIdentityToken(ctx, "id-token-alice")
	if err != nil {
		t.Fatalf("second sign-in failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("user IDs differ: %q vs %q", first.ID, second.ID)
	}
	if len(repo.users) != 1 {
		t.Errorf("user count = %d, want 1", len(repo.users))
	}
}

func TestSignInWithIdentityToken_EmailOwnedByOtherSubject_ReturnsValidationError(t *testing.T) {
	repo := newMemoryUserRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.SignInWithIdentityToken(ctx, "id-token-alice"); err != nil {
		t.Fatalf("first sign-in failed: %v", err)
	}

	_, err := svc.SignInWithIdentityToken(ctx, "id-token-mallory")
	if !model.IsKind(err, model.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(repo.users) != 1 {
		t.Errorf("user count = %d, want 1", len(repo.users))
	}
}

func TestSignInWithIdentityToken_ConcurrentFirstSignIn_ReturnsWinner(t *testing.T) {
	repo := newMemoryUserRepo()
	winner := &model.User{ID: "winner-id", GoogleID: "sub-alice", Email: "alice@example.com", Name: "Alice"}
	repo.beforeCreate = func(*model.User) {
		// 自分のINSERTより先に別リクエストが同じsubject idで作成した状況
		repo.put(winner)
	}
	svc := newTestService(repo)

	user, err := svc.SignInWithIdentityToken(context.Background(), "id-token-alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID != "winner-id" {
		t.Errorf("user.ID = %q, want %q", user.ID, "winner-id")
	}
}

func TestSignInWithIdentityToken_Errors(t *testing.T) {
	tests := []struct {
		name    string
		idToken string
		setup   func(*memoryUserRepo)
		want    model.ErrorKind
	}{
		{"empty token", "  ", nil, model.KindValidation},
		{"invalid token", "forged", nil, model.KindUnauthorized},
		{"no email", "id-token-noemail", nil, model.KindUnauthorized},
		{"lookup failure", "id-token-alice", func(r *memoryUserRepo) { r.findErr = errors.New("db down") }, model.KindDatabase},
		{"create failure", "id-token-alice", func(r *memoryUserRepo) { r.createErr = errors.New("db down") }, model.KindDatabase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemoryUserRepo()
			if tt.setup != nil {
				tt.setup(repo)
			}
			svc := newTestService(repo)

			_, err := svc.SignInWithIdentityToken(context.Background(), tt.idToken)
			if !model.IsKind(err, tt.want) {
				t.Errorf("error = %v, want kind %s", err, tt.want)
			}
		})
	}
}

func TestSignInWithIdentityToken_SanitizesProfile(t *testing.T) {
	repo := newMemoryUserRepo()
	svc := newTestService(repo)

	user, err := svc.SignInWithIdentityToken(context.Background(), "id-token-script")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.Name != "s@example.com" {
		t.Errorf("Name = %q, want email fallback", user.Name)
	}
	if user.Avatar != "" {
		t.Errorf("Avatar = %q, want empty", user.Avatar)
	}
}

func TestSignIn_IssuesBothTokens(t *testing.T) {
	repo := newMemoryUserRepo()
	svc := newTestService(repo)
	codec := newTestCodec()

	session, err := svc.SignIn(context.Background(), "id-token-alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	access, err := codec.Verify(session.AccessToken, token.KindAccess)
	if err != nil {
		t.Fatalf("access token did not verify: %v", err)
	}
	if access.UserID != session.User.ID || access.Email != "alice@example.com" {
		t.Errorf("access claims = %+v", access)
	}
	refresh, err := codec.Verify(session.RefreshToken, token.KindRefresh)
	if err != nil {
		t.Fatalf("refresh token did not verify: %v", err)
	}
	if refresh.UserID != session.User.ID {
		t.Errorf("refresh userId = %q, want %q", refresh.UserID, session.User.ID)
	}
	if !session.RefreshExpiresAt.After(session.AccessExpiresAt) {
		t.Error("refresh token should outlive access token")
	}
}

func TestRefresh_IssuesAccessTokenWithCurrentEmail(t *testing.T) {
	repo := newMemoryUserRepo()
	svc := newTestService(repo)
	codec := newTestCodec()
	ctx := context.Background()

	session, err := svc.SignIn(ctx, "id-token-alice")
	if err != nil {
		t.Fatalf("sign-in failed: %v", err)
	}
	repo.users[session.User.ID].Email = "alice@new.example.com"

	refreshed, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.RefreshToken != "" {
		t.Error("refresh should not rotate the refresh token")
	}
	claims, err := codec.Verify(refreshed.AccessToken, token.KindAccess)
	if err != nil {
		t.Fatalf("new access token did not verify: %v", err)
	}
	if claims.Email != "alice@new.example.com" {
		t.Errorf("Email = %q, want current email", claims.Email)
	}
}

func TestRefresh_Errors(t *testing.T) {
	repo := newMemoryUserRepo()
	svc := newTestService(repo)
	codec := newTestCodec()
	ctx := context.Background()

	session, err := svc.SignIn(ctx, "id-token-alice")
	if err != nil {
		t.Fatalf("sign-in failed: %v", err)
	}
	orphan, _, err := codec.IssueRefreshToken("deleted-user")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		message string
	}{
		{"missing", "", "Refresh token missing"},
		{"access token presented", session.AccessToken, "Invalid or expired refresh token"},
		{"garbage", "abc.def.ghi", "Invalid or expired refresh token"},
		{"unknown user", orphan, "User not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Refresh(ctx, tt.token)
			var appErr *model.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected AppError, got %v", err)
			}
			if appErr.Kind != model.KindUnauthorized {
				t.Errorf("Kind = %s, want %s", appErr.Kind, model.KindUnauthorized)
			}
			if appErr.Message != tt.message {
				t.Errorf("Message = %q, want %q", appErr.Message, tt.message)
			}
		})
	}
}

func TestCurrentUser_NotFound_ReturnsUnauthorized(t *testing.T) {
	svc := newTestService(newMemoryUserRepo())

	_, err := svc.CurrentUser(context.Background(), "missing")
	if !model.IsKind(err, model.KindUnauthorized) {
		t.Errorf("expected unauthorized, got %v", err)
	}
}
