// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ProfileSanitizer は外部（GoogleのIDトークンやOAuthエラー）から受け取った文字列を
// 保存・表示前に無害化する。bluemondayのStrictPolicyで全てのマークアップを除去する。
package security

import (
	"html"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNameLength はユーザー名の最大文字数（users.nameの列長）。
const MaxNameLength = 100

// maxReasonLength はエラー理由としてリダイレクトURLに載せる最大文字数。
const maxReasonLength = 200

// maxSanitizePasses は多重にエスケープされた入力を剥がす回数の上限。
const maxSanitizePasses = 5

// ProfileSanitizer は外部由来のプロフィール文字列を無害化する。
// bluemondayのポリシーはスレッドセーフなため、1インスタンスを共有してよい。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
}

// NewProfileSanitizer はProfileSanitizerを生成する。
func NewProfileSanitizer() *ProfileSanitizer {
	return &ProfileSanitizer{policy: bluemonday.StrictPolicy()}
}

// Name はタグを除去したプレーンテキストの表示名を返す。
// 空白のみになった場合はfallbackを返す。
func (s *ProfileSanitizer) Name(raw, fallback string) string {
	name := s.plain(raw)
	if name == "" {
		name = fallback
	}
	return truncateRunes(name, MaxNameLength)
}

// Reason はリダイレクト先に渡すエラー理由を1行のプレーンテキストにする。
func (s *ProfileSanitizer) Reason(raw string) string {
	reason := strings.Join(strings.Fields(s.plain(raw)), " ")
	if reason == "" {
		reason = "Unknown error"
	}
	return truncateRunes(reason, maxReasonLength)
}

// AvatarURL はhttpsの絶対URLのみを通し、それ以外は空文字列を返す。
func (s *ProfileSanitizer) AvatarURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme != "https" || u.Host == "" || u.User != nil {
		return ""
	}
	return u.String()
}

// plain はマークアップを除去し、エスケープされた実体参照を元に戻す。
// 実体参照で書かれたタグ（&lt;script&gt; など）は戻した後に再度除去されるよう、
// 除去と復元を結果が変わらなくなるまで繰り返す。
// 上限回数で収束しない場合はエスケープしたままの文字列を返す。
func (s *ProfileSanitizer) plain(raw string) string {
	current := raw
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(s.policy.Sanitize(current))
		if next == current {
			return strings.TrimSpace(next)
		}
		current = next
	}
	return strings.TrimSpace(s.policy.Sanitize(current))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
