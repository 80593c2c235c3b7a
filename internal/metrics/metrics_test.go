package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric はレジストリから指定名・ラベル値のメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name, labelValue string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue == "" {
				return m
			}
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == labelValue {
					return m
				}
			}
		}
	}
	return nil
}

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

func TestRecordSignIn_IncrementsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSignIn(ResultSuccess)
	c.RecordSignIn(ResultSuccess)
	c.RecordSignIn(ResultFailure)

	if m := findMetric(t, reg, "clarity_sign_in_total", ResultSuccess); m == nil || m.GetCounter().GetValue() != 2 {
		t.Errorf("sign_in_total{result=success} = %v, want 2", m.GetCounter().GetValue())
	}
	if m := findMetric(t, reg, "clarity_sign_in_total", ResultFailure); m == nil || m.GetCounter().GetValue() != 1 {
		t.Errorf("sign_in_total{result=failure} = %v, want 1", m.GetCounter().GetValue())
	}
}

func TestRecordGmailLinkAndRefresh(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGmailLink(ResultSuccess)
	c.RecordTokenRefresh(ResultFailure)

	if m := findMetric(t, reg, "clarity_gmail_link_total", ResultSuccess); m == nil {
		t.Error("clarity_gmail_link_total{result=success} not found")
	}
	if m := findMetric(t, reg, "clarity_gmail_token_refresh_total", ResultFailure); m == nil {
		t.Error("clarity_gmail_token_refresh_total{result=failure} not found")
	}
}

func TestRecordSweep_ObservesDurationAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSweep(250*time.Millisecond, 2, 1)

	m := findMetric(t, reg, "clarity_gmail_refresh_sweep_duration_seconds", "")
	if m == nil {
		t.Fatal("sweep duration histogram not found")
	}
	if m.GetHistogram().GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", m.GetHistogram().GetSampleCount())
	}
	if got := findMetric(t, reg, "clarity_gmail_refresh_sweep_accounts_total", ResultSuccess); got.GetCounter().GetValue() != 2 {
		t.Errorf("sweep accounts success = %v, want 2", got.GetCounter().GetValue())
	}
	if got := findMetric(t, reg, "clarity_gmail_refresh_sweep_accounts_total", ResultFailure); got.GetCounter().GetValue() != 1 {
		t.Errorf("sweep accounts failure = %v, want 1", got.GetCounter().GetValue())
	}
}

func TestRecordHTTPStatus_LabelsByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(401)
	c.RecordUpstreamRetry("gmail.refresh")

	if m := findMetric(t, reg, "clarity_http_responses_total", "401"); m == nil {
		t.Error("clarity_http_responses_total{status_code=401} not found")
	}
	if m := findMetric(t, reg, "clarity_upstream_retries_total", "gmail.refresh"); m == nil {
		t.Error("clarity_upstream_retries_total{operation=gmail.refresh} not found")
	}
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSignIn(ResultSuccess)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "clarity_sign_in_total") {
		t.Error("response should contain clarity_sign_in_total")
	}
}
