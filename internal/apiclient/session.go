// Package apiclient はClarity APIのGoクライアントを提供する。
// アクセストークンの期限切れを事前に検知して更新し、401応答時には1回だけ更新と再送を行う。
package apiclient

import (
	"sync"
	"time"
)

// SessionState はクライアント側で保持するセッション情報。
// アクセストークン自体はhttpOnly Cookieにあり、ここでは有効期限のみを扱う。
type SessionState interface {
	ExpiresAt() (time.Time, bool)
	SetExpiresAt(t time.Time)
	Clear()
}

// MemorySession はメモリ上のSessionState実装。
type MemorySession struct {
	mu        sync.RWMutex
	expiresAt time.Time
	set       bool
}

// NewMemorySession は空のMemorySessionを生成する。
func NewMemorySession() *MemorySession {
	return &MemorySession{}
}

// ExpiresAt はアクセストークンの有効期限を返す。未設定の場合はfalseを返す。
func (s *MemorySession) ExpiresAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiresAt, s.set
}

// SetExpiresAt はサインインまたは更新で得た有効期限を記録する。
func (s *MemorySession) SetExpiresAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresAt = t
	s.set = true
}

// Clear は有効期限を破棄し、未サインインの状態に戻す。
func (s *MemorySession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresAt = time.Time{}
	s.set = false
}

// compile-time interface check
var _ SessionState = (*MemorySession)(nil)
