// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値。
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、サービス層、ワーカーから利用する。
type MetricsCollector interface {
	RecordSignIn(result string)
	RecordGmailLink(result string)
	RecordTokenRefresh(result string)
	RecordSweep(duration time.Duration, refreshed, failed int)
	RecordUpstreamRetry(operation string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signIn        *prometheus.CounterVec
	gmailLink     *prometheus.CounterVec
	tokenRefresh  *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	sweepAccounts *prometheus.CounterVec
	upstreamRetry *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarity_sign_in_total",
			Help: "IDトークンによるサインインの結果別件数",
		}, []string{"result"}),
		gmailLink: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarity_gmail_link_total",
			Help: "Gmail連携コールバックの結果別件数",
		}, []string{"result"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarity_gmail_token_refresh_total",
			Help: "Gmailアクセストークン更新の結果別件数",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clarity_gmail_refresh_sweep_duration_seconds",
			Help:    "トークン更新スイープ1回の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		sweepAccounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarity_gmail_refresh_sweep_accounts_total",
			Help: "スイープで処理したアカウントの結果別件数",
		}, []string{"result"}),
		upstreamRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarity_upstream_retries_total",
			Help: "Google API呼び出しのリトライ回数",
		}, []string{"operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clarity_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.signIn,
		c.gmailLink,
		c.tokenRefresh,
		c.sweepDuration,
		c.sweepAccounts,
		c.upstreamRetry,
		c.httpStatus,
	)

	return c
}

// RecordSignIn はサインインの結果を記録する。
func (c *Collector) RecordSignIn(result string) {
	c.signIn.WithLabelValues(result).Inc()
}

// RecordGmailLink はGmail連携の結果を記録する。
func (c *Collector) RecordGmailLink(result string) {
	c.gmailLink.WithLabelValues(result).Inc()
}

// RecordTokenRefresh はGmailトークン更新の結果を記録する。
func (c *Collector) RecordTokenRefresh(result string) {
	c.tokenRefresh.WithLabelValues(result).Inc()
}

// RecordSweep はスイープの所要時間と処理件数を記録する。
func (c *Collector) RecordSweep(duration time.Duration, refreshed, failed int) {
	c.sweepDuration.Observe(duration.Seconds())
	c.sweepAccounts.WithLabelValues(ResultSuccess).Add(float64(refreshed))
	c.sweepAccounts.WithLabelValues(ResultFailure).Add(float64(failed))
}

// RecordUpstreamRetry は上流呼び出しのリトライを記録する。
func (c *Collector) RecordUpstreamRetry(operation string) {
	c.upstreamRetry.WithLabelValues(operation).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordSignIn(string)                 {}
func (Nop) RecordGmailLink(string)              {}
func (Nop) RecordTokenRefresh(string)           {}
func (Nop) RecordSweep(time.Duration, int, int) {}
func (Nop) RecordUpstreamRetry(string)          {}
func (Nop) RecordHTTPStatus(int)                {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
