package auth

import (
	"net/http"
	"time"
)

const (
	// AccessCookieName はアクセストークンを保持するCookie名。
	AccessCookieName = "access_token"
	// RefreshCookieName はリフレッシュトークンを保持するCookie名。
	RefreshCookieName = "refresh_token"
)

// CookiePolicy はセッションCookieの属性を決定する。
// 本番ではSecure + SameSite=Strict、開発ではSameSite=Laxとする。
type CookiePolicy struct {
	Production bool
	Domain     string
}

// AccessCookie はアクセストークン用のCookieを生成する。
func (p CookiePolicy) AccessCookie(value string, ttl time.Duration) *http.Cookie {
	return p.cookie(AccessCookieName, value, int(ttl/time.Second))
}

// RefreshCookie はリフレッシュトークン用のCookieを生成する。
func (p CookiePolicy) RefreshCookie(value string, ttl time.Duration) *http.Cookie {
	return p.cookie(RefreshCookieName, value, int(ttl/time.Second))
}

// ClearAccessCookie はアクセストークンCookieを削除するCookieを生成する。
func (p CookiePolicy) ClearAccessCookie() *http.Cookie {
	return p.cookie(AccessCookieName, "", -1)
}

// ClearRefreshCookie はリフレッシュトークンCookieを削除するCookieを生成する。
func (p CookiePolicy) ClearRefreshCookie() *http.Cookie {
	return p.cookie(RefreshCookieName, "", -1)
}

func (p CookiePolicy) cookie(name, value string, maxAge int) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if p.Production {
		sameSite = http.SameSiteStrictMode
	}
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   p.Production,
		SameSite: sameSite,
	}
	if maxAge < 0 {
		c.Expires = time.Unix(0, 0)
	}
	return c
}
