package api

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/runbox/internal/model"
)

// runLogged executes a script that writes two console lines and returns the
// execution ID from the debug block.
func runLogged(t *testing.T, url string) string {
	t.Helper()
	resp := postJSON(t, url+"/execute", "", executeBody(
		`module.exports = () => { console.log("first"); console.log("second\nline"); return 1; }`, "[]",
		`"options":{"debug":true}`))
	var res model.ExecutionResult
	decodeBody(t, resp, &res)
	if !res.Success || res.Debug == nil {
		t.Fatalf("execute failed: %+v", res)
	}
	return res.Debug.ExecutionID
}

func TestListExecutions(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	runLogged(t, ts.URL)
	runLogged(t, ts.URL)

	resp, err := http.Get(ts.URL + "/v1/executions?limit=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var body listExecutionsResponse
	decodeBody(t, resp, &body)

	if body.Total != 2 {
		t.Errorf("total = %d, want 2", body.Total)
	}
	if body.Limit != 1 || len(body.Executions) != 1 {
		t.Errorf("limit = %d, got %d executions", body.Limit, len(body.Executions))
	}
}

func TestListExecutionsEmpty(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions?limit=500&offset=-3")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `"executions":[]`) {
		t.Errorf("body = %s, want an empty executions array", raw)
	}
	if !strings.Contains(string(raw), `"limit":20`) || !strings.Contains(string(raw), `"offset":0`) {
		t.Errorf("body = %s, want clamped paging", raw)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"", "/console", "/console/history"} {
		resp, err := http.Get(ts.URL + "/v1/executions/nonexistent" + path)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %q: status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestConsoleHistory(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := runLogged(t, ts.URL)

	resp, err := http.Get(ts.URL + "/v1/executions/" + id + "/console/history")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var body consoleHistoryResponse
	decodeBody(t, resp, &body)

	if body.ExecutionID != id || body.Status != model.StatusSucceeded {
		t.Errorf("header = %s/%s", body.ExecutionID, body.Status)
	}
	if len(body.Lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(body.Lines))
	}
	if body.Lines[0].Line != "first" || body.Lines[1].Line != "second\nline" {
		t.Errorf("lines = %+v", body.Lines)
	}
	if body.Lines[0].Seq >= body.Lines[1].Seq {
		t.Errorf("seq not increasing: %d, %d", body.Lines[0].Seq, body.Lines[1].Seq)
	}
}

func TestStreamConsoleFinishedExecution(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	id := runLogged(t, ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/executions/"+id+"/console", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	var got []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			got = append(got, line)
		}
	}

	want := []string{
		"data: first",
		"data: second",
		"data: line",
		"event: done",
		"data: succeeded",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("stream = %q, want %q", got, want)
	}
}

func TestStreamConsoleLiveExecution(t *testing.T) {
	srv := newTestServer(t, "")
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/execute/async", "", executeBody(
		`module.exports = async () => {
			await new Promise(r => setTimeout(r, 300));
			console.log("tick");
			return true;
		}`, "[]", ""))
	var rec model.Execution
	decodeBody(t, resp, &rec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/executions/"+rec.ID+"/console", nil)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer stream.Body.Close()

	var sawDone bool
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		if scanner.Text() == "event: done" {
			sawDone = true
		}
	}
	if !sawDone {
		t.Error("stream ended without a done event")
	}
}
