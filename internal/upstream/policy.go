// Package upstream はGoogleのエンドポイント呼び出しに共通のタイムアウトとリトライ方針を提供する。
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

const defaultBaseDelay = 200 * time.Millisecond

// Class は上流エラーの分類。
type Class int

const (
	// ClassPermanent はリトライしても結果が変わらない失敗（4xx、不正なグラント等）。
	ClassPermanent Class = iota
	// ClassTransient は一時的な失敗（タイムアウト、ネットワーク断、429/5xx）。
	ClassTransient
)

// StatusError は上流が非2xxを返したことを表す。
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Policy は1回あたりのタイムアウトとリトライ回数を保持する。
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration

	// OnRetry はリトライ直前に呼ばれる。メトリクス記録用。nil可。
	OnRetry func(op string, attempt int, err error)
}

// ClassifyStatus はHTTPステータスコードをリトライ可否に分類する。
func ClassifyStatus(statusCode int) Class {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ClassTransient
	case statusCode == http.StatusRequestTimeout:
		return ClassTransient
	case statusCode >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// Classify はエラーをリトライ可否に分類する。
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response == nil {
			return ClassTransient
		}
		return ClassifyStatus(retrieveErr.Response.StatusCode)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return ClassifyStatus(apiErr.Code)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return ClassifyStatus(statusErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassPermanent
}

// Do はfnを1回あたりTimeoutの制限付きで実行し、一時的な失敗は指数バックオフでMaxRetries回まで再試行する。
// 親コンテキストが終了した場合は直ちに打ち切る。
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	backoff := retry.WithMaxRetries(uint64(retries), retry.NewExponential(base))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		callCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || Classify(err) != ClassTransient {
			return err
		}
		if attempt <= retries && p.OnRetry != nil {
			p.OnRetry(op, attempt, err)
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Once はfnをTimeoutの制限付きで1回だけ実行する。
// 認可コードの交換のように、再送すると結果が変わる呼び出しに使う。
func (p Policy) Once(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	if err := fn(callCtx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// HTTPClient はTimeoutを設定したhttp.Clientを返す。
func (p Policy) HTTPClient() *http.Client {
	return &http.Client{Timeout: p.Timeout}
}

// WithHTTPClient はoauth2パッケージが使用するHTTPクライアントをコンテキストに設定する。
func (p Policy) WithHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient())
}
