package auth

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/api/idtoken"
)

func TestGoogleIDTokenVerifier_MapsClaims(t *testing.T) {
	var gotAudience string
	v := NewGoogleIDTokenVerifier("client-123.apps.googleusercontent.com")
	v.validate = func(_ context.Context, _, audience string) (*idtoken.Payload, error) {
		gotAudience = audience
		return &idtoken.Payload{
			Subject: "1234567890",
			Claims: map[string]interface{}{
				"email":          "alice@example.com",
				"email_verified": true,
				"name":           "Alice",
				"picture":        "https://lh3.googleusercontent.com/a/alice",
			},
		}, nil
	}

	id, err := v.VerifyIDToken(context.Background(), "id-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAudience != "client-123.apps.googleusercontent.com" {
		t.Errorf("audience = %q, want client id", gotAudience)
	}
	if id.Subject != "1234567890" || id.Email != "alice@example.com" || id.Name != "Alice" {
		t.Errorf("identity = %+v", id)
	}
	if !id.EmailVerified {
		t.Error("EmailVerified = false, want true")
	}
}

func TestGoogleIDTokenVerifier_ValidationError(t *testing.T) {
	v := NewGoogleIDTokenVerifier("client")
	v.validate = func(context.Context, string, string) (*idtoken.Payload, error) {
		return nil, errors.New("idtoken: audience provided does not match aud claim")
	}

	if _, err := v.VerifyIDToken(context.Background(), "id-token"); err == nil {
		t.Fatal("expected error")
	}
}

func TestGoogleIDTokenVerifier_MissingSubject(t *testing.T) {
	v := NewGoogleIDTokenVerifier("client")
	v.validate = func(context.Context, string, string) (*idtoken.Payload, error) {
		return &idtoken.Payload{Claims: map[string]interface{}{}}, nil
	}

	if _, err := v.VerifyIDToken(context.Background(), "id-token"); err == nil {
		t.Fatal("expected error for missing subject")
	}
}
