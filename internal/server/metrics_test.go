package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/telemetry/exporters"
	"github.com/spf13/viper"

	"github.com/flagwire/flagwire/internal/observability"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestMetricsHandlerProxiesPrometheusOutput(t *testing.T) {
	originalClient := metricsProxyClient
	t.Cleanup(func() {
		metricsProxyClient = originalClient
	})

	metricsProxyClient = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			body := "# HELP flagwire_flag_sync_requests_total Flag sync requests\nflagwire_flag_sync_requests_total{outcome=\"success\"} 3\n"
			resp := &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(body)),
				Header:     make(http.Header),
			}
			resp.Header.Set("Content-Type", "text/plain; version=0.0.4")
			return resp, nil
		}),
	}

	observability.PrometheusExporter = exporters.NewPrometheusExporter("test", ":9090")
	t.Cleanup(func() {
		observability.PrometheusExporter = nil
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	MetricsHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	contentType := rec.Header().Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") {
		t.Fatalf("expected text/plain content type, got %s", contentType)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "flag_sync_requests_total") {
		t.Fatalf("expected Prometheus output to include metric name, got: %s", body)
	}
}

func TestMetricsHandlerReturnsServiceUnavailableWithoutExporter(t *testing.T) {
	observability.PrometheusExporter = nil

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	MetricsHandler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}

	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Error.Code != "SERVICE_UNAVAILABLE" {
		t.Fatalf("expected error code SERVICE_UNAVAILABLE, got %s", resp.Error.Code)
	}
}

func TestCopyEndToEndHeadersDropsHopHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "text/plain; version=0.0.4")
	src.Set("Connection", "keep-alive")
	src.Set("Transfer-Encoding", "chunked")
	src["te"] = []string{"trailers"}
	src.Add("X-Exporter", "a")
	src.Add("X-Exporter", "b")

	dst := http.Header{}
	copyEndToEndHeaders(dst, src)

	if dst.Get("Connection") != "" || dst.Get("Transfer-Encoding") != "" || len(dst["te"]) != 0 {
		t.Fatalf("hop-by-hop headers leaked: %v", dst)
	}
	if got := dst.Values("X-Exporter"); len(got) != 2 {
		t.Fatalf("expected both X-Exporter values, got %v", got)
	}
	if dst.Get("Content-Type") == "" {
		t.Fatalf("expected Content-Type to be copied")
	}
}

func TestExporterURLFallsBackToConfiguredPort(t *testing.T) {
	viper.Set("metrics.port", 9311)
	t.Cleanup(func() { viper.Set("metrics.port", nil) })

	if observability.GetMetricsPort() != 0 {
		t.Skip("exporter already bound in this process")
	}
	if got := exporterURL(); got != "http://127.0.0.1:9311/metrics" {
		t.Fatalf("unexpected exporter URL %s", got)
	}
}
