package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body healthResponse
	decodeBody(t, resp, &body)

	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Version != "test" {
		t.Errorf("version = %q, want %q", body.Version, "test")
	}
	if body.AuthEnabled {
		t.Error("authEnabled = true without a token")
	}
	if body.DefaultTimeout != 5000 {
		t.Errorf("defaultTimeout = %d, want 5000", body.DefaultTimeout)
	}
	if body.Sandbox != "isolate" {
		t.Errorf("sandbox = %q, want isolate", body.Sandbox)
	}
	if body.Cache == nil || body.Cache.LimitBytes != 1<<30 {
		t.Errorf("cache = %+v, want limit %d", body.Cache, 1<<30)
	}
}

func TestHealthReportsAuth(t *testing.T) {
	srv := newTestServer(t, testToken)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var body healthResponse
	decodeBody(t, resp, &body)
	if !body.AuthEnabled {
		t.Error("authEnabled = false with a token configured")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, "")

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Make a request to generate metrics.
	if resp, err := http.Get(ts.URL + "/health"); err == nil {
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/plain") && !strings.Contains(contentType, "text/openmetrics") {
		t.Errorf("Content-Type = %q, expected prometheus format", contentType)
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)

	for _, name := range []string{
		"runbox_http_requests_total",
		"runbox_http_request_duration_seconds",
		"runbox_cache_bytes",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
