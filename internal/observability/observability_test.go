package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadiness(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.Register("postgres", func(context.Context) error { return errors.New("down") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "postgres")
}

func TestNewMetrics_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.CommandsApplied.WithLabelValues("ExecuteDeposit").Inc()
	m.SetChannelMetrics("persist", 5, 10)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// a second registry accepts the same metric names
	require.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLogLevel("DEBUG"))
	assert.Equal(t, zerolog.InfoLevel, ParseLogLevel("bogus"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLogLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLogLevel(""))
}

func TestWriter_Format(t *testing.T) {
	var buf bytes.Buffer
	_, console := Writer("Console", &buf).(zerolog.ConsoleWriter)
	assert.True(t, console)
	assert.Equal(t, io.Writer(&buf), Writer("json", &buf))

	logger := NewLoggerTo(&buf, "test", zerolog.InfoLevel)
	logger.Debug().Msg("hidden")
	logger.Info().Msg("shown")
	assert.Contains(t, buf.String(), `"component":"test"`)
	assert.NotContains(t, buf.String(), "hidden")
}
