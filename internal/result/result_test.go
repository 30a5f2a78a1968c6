package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/runbox/internal/apperr"
	"github.com/seantiz/runbox/internal/model"
	"github.com/seantiz/runbox/internal/sandbox"
)

func raws(values ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		out[i] = json.RawMessage(v)
	}
	return out
}

func TestSuccessData(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		results []json.RawMessage
		want    string
	}{
		{"batch array", "", raws("[2,4,6]"), "[2,4,6]"},
		{"batch scalar", model.ModeBatch, raws("42"), "42"},
		{"batch object", "", raws(`{"ok":true}`), `{"ok":true}`},
		{"batch no result", "", nil, "null"},
		{"per item", model.ModePerItem, raws("2", `"x"`, "null"), `[2,"x",null]`},
		{"per item missing value", model.ModePerItem, raws("1", ""), "[1,null]"},
		{"per item empty", model.ModePerItem, nil, "[]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &model.ExecutionRequest{Options: model.Options{Mode: tt.mode}}
			res := Success(req, sandbox.Outcome{Results: tt.results}, Telemetry{})

			assert.True(t, res.Success)
			assert.JSONEq(t, tt.want, string(res.Data))
			assert.Empty(t, res.Error)
			assert.Empty(t, res.ErrorType)
		})
	}
}

func TestSuccessGatesConsoleAndDebug(t *testing.T) {
	out := sandbox.Outcome{Results: raws("1"), Console: []string{"hello"}}
	tel := Telemetry{ExecutionID: "01J", UsedCache: true, Install: 0, Execution: 15 * time.Millisecond}

	res := Success(&model.ExecutionRequest{}, out, tel)
	assert.Nil(t, res.Console)
	assert.Nil(t, res.Debug)

	req := &model.ExecutionRequest{Options: model.Options{Console: true, Debug: true}}
	res = Success(req, out, tel)
	assert.Equal(t, []string{"hello"}, res.Console)
	require.NotNil(t, res.Debug)
	assert.Equal(t, "01J", res.Debug.ExecutionID)
	assert.Equal(t, model.SharedCacheKey, res.Debug.CacheKey)
	assert.Equal(t, model.ModeBatch, res.Debug.Mode)
	assert.True(t, res.Debug.UsedCache)
	assert.Equal(t, int64(0), res.Debug.InstallTimeMS)
	assert.Equal(t, int64(15), res.Debug.ExecutionTimeMS)
	assert.NotNil(t, res.Debug.Dependencies)
}

func TestDebugCopiesDependencies(t *testing.T) {
	deps := map[string]string{"lodash": "4.17.21"}
	req := &model.ExecutionRequest{CacheKey: "wf", Options: model.Options{Debug: true}}
	res := Success(req, sandbox.Outcome{Results: raws("1")}, Telemetry{Dependencies: deps})

	deps["lodash"] = "changed"
	assert.Equal(t, "4.17.21", res.Debug.Dependencies["lodash"])
	assert.Equal(t, "wf", res.Debug.CacheKey)
}

func TestFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantMsg  string
		wantType string
	}{
		{"timeout", apperr.Timeout("script timed out after 1s"), "script timed out after 1s", "timeout"},
		{"execution", fmt.Errorf("run: %w", apperr.Execution("boom")), "boom", "execution"},
		{"dependency", apperr.Dependency(errors.New("404 Not Found"), "install left-padd"), "install left-padd: 404 Not Found", "dependency"},
		{"unclassified", errors.New("disk full"), "disk full", "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Failure(&model.ExecutionRequest{}, tt.err, Telemetry{})
			assert.False(t, res.Success)
			assert.Nil(t, res.Data)
			assert.Equal(t, tt.wantMsg, res.Error)
			assert.Equal(t, tt.wantType, res.ErrorType)
		})
	}
}

func TestFailureKeepsCapturedConsole(t *testing.T) {
	tel := Telemetry{Console: []string{"before"}}

	res := Failure(&model.ExecutionRequest{Options: model.Options{Console: true, Debug: true}}, apperr.Execution("boom"), tel)
	assert.Equal(t, []string{"before"}, res.Console)
	assert.NotNil(t, res.Debug)

	res = Failure(&model.ExecutionRequest{}, apperr.Execution("boom"), tel)
	assert.Nil(t, res.Console)
	assert.Nil(t, res.Debug)
}

func TestFailureWithoutRequest(t *testing.T) {
	res := Failure(nil, apperr.Validation("invalid JSON body"), Telemetry{})
	assert.Equal(t, "invalid JSON body", res.Error)
	assert.Equal(t, "validation", res.ErrorType)
}

func TestWireShape(t *testing.T) {
	req := &model.ExecutionRequest{}
	b, err := json.Marshal(Success(req, sandbox.Outcome{Results: raws("[2,4,6]")}, Telemetry{}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"data":[2,4,6]}`, string(b))

	b, err = json.Marshal(Failure(req, apperr.Timeout("script timed out after 2s"), Telemetry{}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"error":"script timed out after 2s","errorType":"timeout"}`, string(b))
}
