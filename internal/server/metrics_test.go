package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/telemetry"
)

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	upstream := httptest.NewServer(jsonHandler(http.StatusOK, openaiOK))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatOpenAI, nil), func(d *Deps) {
		d.Metrics = metrics
		d.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	})

	// Hit a normal endpoint first to generate metrics.
	rec := h.do(openaiReq(openaiBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	// Now check /metrics.
	rec = h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	metricsBody := rec.Body.String()
	if !strings.Contains(metricsBody, "strider_requests_total") {
		t.Error("metrics should contain strider_requests_total")
	}
	if !strings.Contains(metricsBody, "strider_request_duration_seconds") {
		t.Error("metrics should contain strider_request_duration_seconds")
	}
}

func TestMetricsMiddleware_IncrementsCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	upstream := httptest.NewServer(jsonHandler(http.StatusOK, claudeOK))
	defer upstream.Close()
	h := newHarness(t, oneProvider(upstream.URL, strider.FormatClaude, nil), func(d *Deps) {
		d.Metrics = metrics
		d.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	})

	// Make a few requests.
	for range 3 {
		h.do(claudeReq(claudeBody))
	}

	// Gather metrics and check.
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "strider_requests_total" {
			found = true
			// Should have a series for the claude dialect.
			for _, m := range f.GetMetric() {
				for _, l := range m.GetLabel() {
					if l.GetName() == "format" && l.GetValue() == "claude" {
						if m.GetCounter().GetValue() < 3 {
							t.Errorf("requests_total for claude = %f, want >= 3", m.GetCounter().GetValue())
						}
					}
				}
			}
		}
	}
	if !found {
		t.Error("strider_requests_total metric not found")
	}
}
