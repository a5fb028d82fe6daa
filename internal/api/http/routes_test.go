package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-feature-pipeline/internal/metrics"
	"github.com/i474232898/weather-feature-pipeline/internal/store"
	"github.com/i474232898/weather-feature-pipeline/internal/weather"
)

type stubRunner struct {
	got    []weather.RunRequest
	report weather.RunReport
	err    error
}

func (r *stubRunner) Run(_ context.Context, req weather.RunRequest) (weather.RunReport, error) {
	r.got = append(r.got, req)
	return r.report, r.err
}

func newTestApp(t *testing.T, runner Runner, runs RunReader) *fiber.App {
	t.Helper()
	app := NewApp(time.Minute)
	RegisterRoutes(app, runner, runs, metrics.NewPrometheusRecorder().Handler())
	return app
}

func do(t *testing.T, app *fiber.App, method, target, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, &stubRunner{}, store.NewMemoryStore(10, time.Hour))
	resp, body := do(t, app, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateRun(t *testing.T) {
	runner := &stubRunner{report: weather.RunReport{ID: "r1", Status: weather.RunSucceeded, Rows: 240}}
	app := newTestApp(t, runner, store.NewMemoryStore(10, time.Hour))

	resp, body := do(t, app, http.MethodPost, "/api/v1/runs", `{"start_date":"2024-01-05","end_date":"2024-01-06"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "r1", body["id"])

	require.Len(t, runner.got, 1)
	assert.Equal(t, "api", runner.got[0].Trigger)
	assert.Equal(t, "2024-01-05..2024-01-06", runner.got[0].Dates.String())
}

func TestCreateRun_EmptyBodyMeansToday(t *testing.T) {
	runner := &stubRunner{report: weather.RunReport{ID: "r1"}}
	app := newTestApp(t, runner, store.NewMemoryStore(10, time.Hour))

	resp, _ := do(t, app, http.MethodPost, "/api/v1/runs", "")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, runner.got, 1)
	assert.True(t, runner.got[0].Dates.IsZero())
}

func TestCreateRun_Validation(t *testing.T) {
	runner := &stubRunner{}
	app := newTestApp(t, runner, store.NewMemoryStore(10, time.Hour))

	for _, body := range []string{
		`{"start_date":"05/01/2024"}`,
		`{"start_date":"2024-01-06","end_date":"2024-01-05"}`,
		`{"end_date":"2024-01-05"}`,
		`{not json`,
	} {
		resp, out := do(t, app, http.MethodPost, "/api/v1/runs", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Equal(t, true, out["error"])
	}
	assert.Empty(t, runner.got, "invalid requests never reach the runner")
}

func TestCreateRun_InProgress(t *testing.T) {
	app := newTestApp(t, &stubRunner{err: weather.ErrRunInProgress}, store.NewMemoryStore(10, time.Hour))
	resp, _ := do(t, app, http.MethodPost, "/api/v1/runs", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateRun_Failed(t *testing.T) {
	err := &weather.CityFetchError{City: "Kyiv", Err: fmt.Errorf("%w: both endpoints down", weather.ErrNetworkUnavailable)}
	runner := &stubRunner{report: weather.RunReport{ID: "r2", Status: weather.RunFailed}, err: err}
	app := newTestApp(t, runner, store.NewMemoryStore(10, time.Hour))

	resp, body := do(t, app, http.MethodPost, "/api/v1/runs", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["message"], "Kyiv")
	report, ok := body["report"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "failed", report["status"])
}

func TestRunsAndFeatures(t *testing.T) {
	mem := store.NewMemoryStore(10, time.Hour)
	app := newTestApp(t, &stubRunner{}, mem)

	resp, _ := do(t, app, http.MethodGet, "/api/v1/runs/latest", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, app, http.MethodGet, "/api/v1/features", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	mem.SaveRun(weather.RunReport{ID: "r1", StartedAt: time.Now(), Status: weather.RunSucceeded})
	mem.SaveFeatures("r1", weather.FeatureTable{
		{ObservationRow: weather.ObservationRow{CityName: "Paris", BaseTime: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)}},
		{ObservationRow: weather.ObservationRow{CityName: "Rome", BaseTime: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)}, IndexColumn: 1},
	})

	resp, body := do(t, app, http.MethodGet, "/api/v1/runs/latest", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "r1", body["id"])

	resp, body = do(t, app, http.MethodGet, "/api/v1/runs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["runs"], 1)

	resp, body = do(t, app, http.MethodGet, "/api/v1/features?city=Rome", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])
	rows := body["features"].([]any)
	assert.EqualValues(t, 1, rows[0].(map[string]any)["index_column"])
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, &stubRunner{}, store.NewMemoryStore(10, time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "go_goroutines")
}
