package auth

import (
	"context"
	"fmt"

	"google.golang.org/api/idtoken"
)

// GoogleIdentity はGoogleのIDトークンから取り出した本人情報。
type GoogleIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// IdentityVerifier はIDトークンを検証して本人情報を返す。
type IdentityVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*GoogleIdentity, error)
}

// GoogleIDTokenVerifier はGoogleの公開鍵でIDトークンの署名とaudienceを検証する。
type GoogleIDTokenVerifier struct {
	clientID string
	validate func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)
}

// NewGoogleIDTokenVerifier はGoogleIDTokenVerifierを生成する。
// clientIDはIDトークンのaudとして要求する値。
func NewGoogleIDTokenVerifier(clientID string) *GoogleIDTokenVerifier {
	return &GoogleIDTokenVerifier{
		clientID: clientID,
		validate: idtoken.Validate,
	}
}

// VerifyIDToken はIDトークンを検証し、subject id・メールアドレス・表示名・画像URLを返す。
func (v *GoogleIDTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*GoogleIdentity, error) {
	payload, err := v.validate(ctx, idToken, v.clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to validate id token: %w", err)
	}
	if payload.Subject == "" {
		return nil, fmt.Errorf("id token has no subject")
	}

	return &GoogleIdentity{
		Subject:       payload.Subject,
		Email:         claimString(payload.Claims, "email"),
		EmailVerified: claimBool(payload.Claims, "email_verified"),
		Name:          claimString(payload.Claims, "name"),
		Picture:       claimString(payload.Claims, "picture"),
	}, nil
}

func claimString(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// claimBool はboolまたは"true"文字列のクレームを読む。
func claimBool(claims map[string]interface{}, key string) bool {
	switch v := claims[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// compile-time interface check
var _ IdentityVerifier = (*GoogleIDTokenVerifier)(nil)
