package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/murmur/internal/config"
)

func scrape(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestSetupWithoutExportersRecordsMetrics(t *testing.T) {
	tel, err := Setup(context.Background(), config.TelemetryConfig{}, "test", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	require.Nil(t, tel.tracer)
	require.Empty(t, tel.Addr())

	ctx := context.Background()
	tel.LoadFinished(ctx, "loaded", 1500*time.Millisecond)
	tel.BytesDownloaded(ctx, 4096)
	tel.BytesDownloaded(ctx, 0)
	tel.JobFinished(ctx, "completed", 2*time.Second)
	tel.JobFinished(ctx, "cancelled", 100*time.Millisecond)

	body := scrape(t, tel.Handler())
	require.Contains(t, body, "murmur_model_load_duration")
	require.Contains(t, body, "murmur_transcription_duration")
	require.Contains(t, body, "murmur_model_downloaded")
	require.Contains(t, body, "murmur_transcription_jobs")
	require.Contains(t, body, `outcome="completed"`)
	require.Contains(t, body, `outcome="cancelled"`)
	require.Contains(t, body, "go_goroutines")
}

func TestSetupServesMetricsEndpoint(t *testing.T) {
	tel, err := Setup(context.Background(), config.TelemetryConfig{PrometheusAddr: "127.0.0.1:0"}, "test", nil)
	require.NoError(t, err)
	require.NotEmpty(t, tel.Addr())

	tel.JobFinished(context.Background(), "failed", time.Second)

	resp, err := http.Get("http://" + tel.Addr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `outcome="failed"`)

	require.NoError(t, tel.Shutdown(context.Background()))
	_, err = http.Get("http://" + tel.Addr() + "/metrics")
	require.Error(t, err)
}

func TestSetupRejectsBusyMetricsAddress(t *testing.T) {
	first, err := Setup(context.Background(), config.TelemetryConfig{PrometheusAddr: "127.0.0.1:0"}, "test", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Shutdown(context.Background()) })

	_, err = Setup(context.Background(), config.TelemetryConfig{PrometheusAddr: first.Addr()}, "test", nil)
	require.ErrorContains(t, err, "listen for metrics")
}

func TestSetupStdoutTracer(t *testing.T) {
	tel, err := Setup(context.Background(), config.TelemetryConfig{TraceStdout: true}, "test", nil)
	require.NoError(t, err)
	require.NotNil(t, tel.tracer)
	require.NoError(t, tel.Shutdown(context.Background()))
}
