package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// counterValue はGather結果から指定メトリクスのカウンタ値を取り出す。
func counterValue(t *testing.T, reg *prometheus.Registry, name, labelValue string) float64 {
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
				return m.GetCounter().GetValue()
			}
			for _, l := range m.GetLabel() {
				if l.GetValue() == labelValue {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

// TestRecordClip_IncrementsCounter はクリップカウンタが結果別に増加することを検証する。
func TestRecordClip_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordClip("success")
	c.RecordClip("success")
	c.RecordClip("failure")

	if got := counterValue(t, reg, "rakunotion_clips_total", "success"); got != 2 {
		t.Errorf("success = %v, want 2", got)
	}
	if got := counterValue(t, reg, "rakunotion_clips_total", "failure"); got != 1 {
		t.Errorf("failure = %v, want 1", got)
	}
}

// TestRecordFallback_IncrementsCounter はフォールバックカウンタの増加を検証する。
func TestRecordFallback_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordFallback()

	if got := counterValue(t, reg, "rakunotion_extraction_fallback_total", ""); got != 1 {
		t.Errorf("fallbacks = %v, want 1", got)
	}
}

// TestObserveExchange_IncrementsCounter はOAuth交換カウンタの増加を検証する。
func TestObserveExchange_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveExchange("success")
	c.ObserveExchange("forbidden")

	if got := counterValue(t, reg, "rakunotion_oauth_exchange_total", "forbidden"); got != 1 {
		t.Errorf("forbidden = %v, want 1", got)
	}
}

// TestRecordMigration はビュー移行メトリクスの増加を検証する。
func TestRecordMigration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMigrationAttempt()
	c.RecordMigrationAttempt()
	c.RecordMigrationOutcome("view_not_found")

	if got := counterValue(t, reg, "rakunotion_view_migration_attempts_total", ""); got != 2 {
		t.Errorf("attempts = %v, want 2", got)
	}
	if got := counterValue(t, reg, "rakunotion_view_migration_total", "view_not_found"); got != 1 {
		t.Errorf("outcomes = %v, want 1", got)
	}
}

// TestHandler_ServesPrometheusFormat は/metricsがテキスト形式で応答することを検証する。
func TestHandler_ServesPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordClip("success")
	c.RecordNotionLatency(150 * time.Millisecond)

	ts := httptest.NewServer(Handler(reg))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "rakunotion_clips_total") {
		t.Error("rakunotion_clips_totalが出力に含まれない")
	}
	if !strings.Contains(string(body), "rakunotion_notion_api_latency_seconds") {
		t.Error("レイテンシヒストグラムが出力に含まれない")
	}
}
