package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func userRequest(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/gmail/accounts", nil)
	return req.WithContext(ContextWithUserID(req.Context(), userID))
}

func ipRequest(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/google/callback", nil)
	req.RemoteAddr = remoteAddr
	return req
}

// --- GeneralMiddleware（ユーザー単位）のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{GeneralRate: 2, GeneralBurst: 5, AuthRate: 1, AuthBurst: 1, CleanupInterval: time.Minute})
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, userRequest("user-1"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	if calls != 5 {
		t.Errorf("handler call count = %d, want 5", calls)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{GeneralRate: 0.5, GeneralBurst: 2, AuthRate: 1, AuthBurst: 1, CleanupInterval: time.Minute})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), userRequest("user-1"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, userRequest("user-1"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter != 2 {
		t.Errorf("Retry-After = %q, want %q", w.Header().Get("Retry-After"), "2")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode 429 body: %v", err)
	}
	if body.Status != "error" || body.Message == "" {
		t.Errorf("body = %+v", body)
	}
}

func TestRateLimitMiddleware_IsolatesUsers(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{GeneralRate: 1, GeneralBurst: 1, AuthRate: 1, AuthBurst: 1, CleanupInterval: time.Minute})
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), userRequest("user-a"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, userRequest("user-a"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("user-a second request: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, userRequest("user-b"))
	if w.Code != http.StatusOK {
		t.Errorf("user-b first request: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestRateLimitMiddleware_NoUserID_Returns401(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/gmail/accounts", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- AuthMiddleware（クライアントIP単位）のテスト ---

func TestAuthRateLimit_LimitsPerClientIP(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{GeneralRate: 1, GeneralBurst: 1, AuthRate: 1, AuthBurst: 2, CleanupInterval: time.Minute})
	defer rl.Stop()

	handler := rl.AuthMiddleware()(okHandler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, ipRequest("203.0.113.10:5555"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	// 同じIPでポートが変わっても同一クライアントとして扱う
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, ipRequest("203.0.113.10:6666"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, ipRequest("198.51.100.7:5555"))
	if w.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want %d", w.Code, http.StatusOK)
	}

	if rl.AuthLimiterCount() != 2 {
		t.Errorf("AuthLimiterCount = %d, want 2", rl.AuthLimiterCount())
	}
	if rl.GeneralLimiterCount() != 0 {
		t.Errorf("GeneralLimiterCount = %d, want 0", rl.GeneralLimiterCount())
	}
}

func TestClientIP_WithoutPort(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.10"
	if got := clientIP(req); got != "203.0.113.10" {
		t.Errorf("clientIP = %q, want %q", got, "203.0.113.10")
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		AuthRate:        1,
		AuthBurst:       5,
		CleanupInterval: 50 * time.Millisecond, // テスト用に短く
	})
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), userRequest("user-cleanup"))
	rl.AuthMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), ipRequest("203.0.113.10:1"))

	if rl.GeneralLimiterCount() == 0 || rl.AuthLimiterCount() == 0 {
		t.Fatal("expected limiter entries")
	}

	// TTLはCleanupIntervalの2倍（100ms）
	time.Sleep(250 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 general entries after cleanup, got %d", count)
	}
	if count := rl.AuthLimiterCount(); count != 0 {
		t.Errorf("expected 0 auth entries after cleanup, got %d", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

// --- デフォルト設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60 = 2
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.AuthBurst != 20 {
		t.Errorf("AuthBurst = %d, want 20", cfg.AuthBurst)
	}
	if cfg.AuthRate <= 0 {
		t.Error("AuthRate should be positive")
	}
}
