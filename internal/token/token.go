// Package token はアクセストークン・リフレッシュトークン・OAuth stateトークン（JWT）の発行と検証を提供する。
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind はトークンの種別を表す。種別ごとに署名鍵とaudienceが異なる。
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
	KindState   Kind = "gmail-link-state"
)

var (
	// ErrInvalidToken は署名不正・形式不正・種別不一致などで検証に失敗したことを示す。
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken は署名は正しいが有効期限を過ぎていることを示す。
	ErrExpiredToken = errors.New("token expired")
)

// Claims はトークンに含まれるアプリケーション固有のクレーム。
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Config はCodecの設定。
type Config struct {
	AccessSecret  string
	RefreshSecret string
	StateSecret   string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	StateTTL      time.Duration
}

// Codec はJWTの発行と検証を行う。
type Codec struct {
	cfg Config
	now func() time.Time
}

// Option はCodecのオプション。
type Option func(*Codec)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec はCodecを生成する。
func NewCodec(cfg Config, opts ...Option) *Codec {
	c := &Codec{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AccessTTL はアクセストークンの有効期間を返す。
func (c *Codec) AccessTTL() time.Duration { return c.cfg.AccessTTL }

// RefreshTTL はリフレッシュトークンの有効期間を返す。
func (c *Codec) RefreshTTL() time.Duration { return c.cfg.RefreshTTL }

// IssueAccessToken はユーザーIDとメールアドレスを含むアクセストークンを発行し、失効時刻とともに返す。
func (c *Codec) IssueAccessToken(userID, email string) (string, time.Time, error) {
	return c.issue(KindAccess, userID, email)
}

// IssueRefreshToken はリフレッシュトークンを発行し、失効時刻とともに返す。
func (c *Codec) IssueRefreshToken(userID string) (string, time.Time, error) {
	return c.issue(KindRefresh, userID, "")
}

// IssueStateToken はGmail連携のOAuth stateとして使うトークンを発行する。
func (c *Codec) IssueStateToken(userID string) (string, error) {
	s, _, err := c.issue(KindState, userID, "")
	return s, err
}

func (c *Codec) issue(kind Kind, userID, email string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("failed to issue %s token: empty user id", kind)
	}
	secret, ttl := c.params(kind)

	now := c.now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Audience:  jwt.ClaimStrings{string(kind)},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign %s token: %w", kind, err)
	}
	// JWTのexpは秒精度のため、返す失効時刻も合わせる
	return signed, expiresAt.Truncate(time.Second), nil
}

// Verify はトークンを検証してクレームを返す。
// 期限切れの場合はErrExpiredToken、それ以外の失敗はErrInvalidTokenを返す。
func (c *Codec) Verify(tokenString string, kind Kind) (*Claims, error) {
	secret, _ := c.params(kind)
	if secret == "" || tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithAudience(string(kind)),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenInvalidAudience) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *Codec) params(kind Kind) (string, time.Duration) {
	switch kind {
	case KindAccess:
		return c.cfg.AccessSecret, c.cfg.AccessTTL
	case KindRefresh:
		return c.cfg.RefreshSecret, c.cfg.RefreshTTL
	case KindState:
		return c.cfg.StateSecret, c.cfg.StateTTL
	default:
		return "", 0
	}
}
