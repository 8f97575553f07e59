package http

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/camrelay/internal/config"
	"github.com/jmylchreest/camrelay/internal/http/handlers"
)

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
	}
}

func startServer(t *testing.T, s *Server) string {
	t.Helper()
	require.NoError(t, s.Listen())

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		<-done
	})
	return "http://" + s.Addr().String()
}

func TestServer_HealthAndStatic(t *testing.T) {
	s := NewServer(testServerConfig(), nil, "1.2.3")
	handlers.NewHealthHandler("1.2.3").Register(s.API())
	s.Router().NotFound(handlers.NewStaticHandler("", nil).ServeHTTP)

	base := startServer(t, s)

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body handlers.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "Server is running", body.Message)
	assert.Equal(t, "1.2.3", body.Version)

	resp2, err := http.Get(base + "/")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	data, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<html")
}

func TestServer_Endpoints(t *testing.T) {
	cfg := &config.Config{
		Broadcast: config.BroadcastConfig{Port: 9999},
		Signaling: config.SignalingConfig{Port: 8081},
	}
	s := NewServer(testServerConfig(), nil, "")
	handlers.NewEndpointsHandler(cfg).Register(s.API())

	base := startServer(t, s)

	resp, err := http.Get(base + "/api/endpoints")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 9999, body["broadcast_port"])
	assert.EqualValues(t, 8081, body["signaling_port"])
}

func TestServer_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testServerConfig()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port

	s := NewServer(cfg, nil, "")
	err = s.Listen()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding http listener")
	assert.Nil(t, s.Addr())
}

func TestServer_ServeBeforeListen(t *testing.T) {
	s := NewServer(testServerConfig(), nil, "")
	require.Error(t, s.Serve())
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	s := NewServer(testServerConfig(), nil, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}
