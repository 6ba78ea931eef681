package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTicks("streaming", 3)
	m.AlertFired("BTCUSDT")
	m.Suppressed("cooling")
	m.Reconnect()
	m.StoreError("alerts")
	m.NotifyError()
	m.NotifySkip("quiet_hours")
	m.SetConnectionState(2)
	m.ObserveCycle(time.Millisecond)
	m.RunOnce("ok")
	if m.Registry() != nil {
		t.Fatal("nil Metrics 不应返回 registry")
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.ObserveTicks("polling", 2)
	m.ObserveTicks("polling", 0)
	m.AlertFired("BTCUSDT")
	m.Suppressed("cooling")
	m.Suppressed("cooling")
	m.SetConnectionState(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`spikewatch_ticks_total{source="polling"} 2`,
		`spikewatch_suppressed_total{reason="cooling"} 2`,
		`spikewatch_alerts_total{symbol="BTCUSDT"} 1`,
		`spikewatch_connection_state 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("/metrics 输出缺少 %q:\n%s", want, body)
		}
	}
}
