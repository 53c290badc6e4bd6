package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	testlogger "github.com/meridian-network/meridian/internal/testutils/logger"
)

func Test_New(t *testing.T) {
	t.Run("unsupported metrics exporter", func(t *testing.T) {
		obs, err := New("foobar", "", testlogger.New(t))
		require.EqualError(t, err, `initialize meter provider: unsupported metrics exporter "foobar"`)
		// must get non-nil value back so that Shutdown can be called
		require.NotNil(t, obs)
		require.NoError(t, obs.Shutdown())
	})

	t.Run("unsupported traces exporter", func(t *testing.T) {
		obs, err := New("", "foobar", testlogger.New(t))
		require.EqualError(t, err, `initialize trace provider: unsupported traces exporter "foobar"`)
		require.NotNil(t, obs)
		require.NoError(t, obs.Shutdown())
	})

	t.Run("everything disabled", func(t *testing.T) {
		log := testlogger.New(t)
		obs, err := New("", "", log)
		require.NoError(t, err)
		require.Nil(t, obs.MetricsHandler())
		require.Nil(t, obs.PrometheusRegisterer())
		require.Same(t, log, obs.Logger())
		require.NotNil(t, obs.Meter("test"))
		require.NotNil(t, obs.Tracer("test"))
		require.NoError(t, obs.Shutdown())
	})

	t.Run("prometheus metrics are exposed by the handler", func(t *testing.T) {
		obs, err := New("prometheus", "", testlogger.New(t))
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, obs.Shutdown()) })
		require.NotNil(t, obs.PrometheusRegisterer())

		cnt, err := obs.Meter("test").Int64Counter("ticks")
		require.NoError(t, err)
		cnt.Add(context.Background(), 3)

		rec := httptest.NewRecorder()
		obs.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		body, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), "mrd_ticks_total")
	})
}

func Test_WithLogger(t *testing.T) {
	logA := testlogger.New(t)
	obs, err := New("", "", logA)
	require.NoError(t, err)
	require.Same(t, logA, obs.Logger())

	logB := testlogger.New(t).With("node", "A")
	obs2 := WithLogger(obs, logB)
	require.Same(t, logB, obs2.Logger())
	// the original must be unchanged
	require.Same(t, logA, obs.Logger())
}
