package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func deleteReq(t *testing.T, url string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", url, err)
	}
	resp.Body.Close()
	return resp
}

func TestCacheListAndPurge(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/execute", "", executeBody(
		`const twice = require('twice'); module.exports = (n) => twice(n);`, "4", `"cacheKey":"wf-cache"`))
	resp.Body.Close()

	got, err := http.Get(ts.URL + "/v1/cache")
	if err != nil {
		t.Fatalf("GET /v1/cache: %v", err)
	}
	var list listCacheResponse
	decodeBody(t, got, &list)

	if list.Stats.Entries != 1 || len(list.Entries) != 1 {
		t.Fatalf("entries = %d / %d, want 1", list.Stats.Entries, len(list.Entries))
	}
	e := list.Entries[0]
	if e.Key != "wf-cache" {
		t.Errorf("key = %q, want wf-cache", e.Key)
	}
	if e.InUse != 0 {
		t.Errorf("in_use = %d after the run finished", e.InUse)
	}
	if e.Packages["twice"].Version != "2.0.0" {
		t.Errorf("packages = %+v", e.Packages)
	}
	if e.SizeBytes <= 0 {
		t.Errorf("size_bytes = %d, want > 0", e.SizeBytes)
	}

	if r := deleteReq(t, ts.URL+"/v1/cache/wf-cache"); r.StatusCode != http.StatusNoContent {
		t.Errorf("purge: status = %d, want 204", r.StatusCode)
	}
	if r := deleteReq(t, ts.URL+"/v1/cache/wf-cache"); r.StatusCode != http.StatusNotFound {
		t.Errorf("second purge: status = %d, want 404", r.StatusCode)
	}
	if n := srv.cache.Stats().Entries; n != 0 {
		t.Errorf("entries after purge = %d, want 0", n)
	}
}

func TestCachePurgeBusy(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	lease, err := srv.cache.Acquire(t.Context(), "held")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	if r := deleteReq(t, ts.URL+"/v1/cache/held"); r.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", r.StatusCode)
	}
}

func TestCacheEvict(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/cache/evict", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var report struct {
		Evicted    []string `json:"evicted"`
		LimitBytes int64    `json:"limit_bytes"`
		Overrun    bool     `json:"overrun"`
	}
	decodeBody(t, resp, &report)
	if len(report.Evicted) != 0 || report.Overrun {
		t.Errorf("report = %+v, want nothing evicted", report)
	}
	if report.LimitBytes != 1<<30 {
		t.Errorf("limit_bytes = %d", report.LimitBytes)
	}
}

func TestListSandboxes(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/sandboxes")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var infos []struct {
		Name    string `json:"name"`
		Default bool   `json:"default"`
	}
	decodeBody(t, resp, &infos)
	if len(infos) != 1 || infos[0].Name != "isolate" || !infos[0].Default {
		t.Errorf("sandboxes = %+v", infos)
	}
}
