package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pyznap/pyznap/internal/logging"
	"github.com/pyznap/pyznap/internal/policy"
)

func startServer(t *testing.T, d *policy.Dispatcher) *Server {
	t.Helper()
	s := New(Config{Host: "127.0.0.1", Port: 0}, d, logging.NoopLogger{})
	require.NoError(t, s.Listen())
	go s.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func TestHealthzReturnsOK(t *testing.T) {
	s := startServer(t, nil)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusWithoutDispatcherIsUnavailable(t *testing.T) {
	s := startServer(t, nil)

	resp, err := http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusReportsEmptyListWhenIdle(t *testing.T) {
	pol := policy.Policy{Dests: []policy.Destination{{Location: "tank/backup"}}}
	d := policy.NewDispatcher([]policy.Target{{Path: "tank/data", Policy: pol}}, nil, logging.NoopLogger{})

	s := startServer(t, d)

	resp, err := http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out []activeAction
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Empty(t, out)
}
