package telemetry

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	require.Empty(t, tel.MetricsAddr)

	counter, err := tel.Meter.Int64Counter("walproxy.test")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := tel.Tracer.Start(context.Background(), "noop")
	require.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestMetricsEndpoint(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "walproxy-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	counter, err := tel.Meter.Int64Counter("walproxy_test_frames")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	resp, err := http.Get("http://" + tel.MetricsAddr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "walproxy_test_frames")
}
