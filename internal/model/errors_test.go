package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsKind_MatchesWrappedAppError(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewUnauthorizedError("Access token missing"))

	if !IsKind(err, KindUnauthorized) {
		t.Error("IsKind(KindUnauthorized) = false, want true")
	}
	if IsKind(err, KindValidation) {
		t.Error("IsKind(KindValidation) = true, want false")
	}
}

func TestIsKind_PlainError_ReturnsFalse(t *testing.T) {
	if IsKind(errors.New("boom"), KindDatabase) {
		t.Error("plain error should not match any kind")
	}
}

func TestDatabaseError_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewDatabaseError("Failed to fetch Gmail accounts", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	want := "Failed to fetch Gmail accounts: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestGmailAccount_HasRefreshToken(t *testing.T) {
	a := &GmailAccount{}
	if a.HasRefreshToken() {
		t.Error("empty refresh token should report false")
	}
	a.RefreshToken = "1//refresh"
	if !a.HasRefreshToken() {
		t.Error("non-empty refresh token should report true")
	}
}
