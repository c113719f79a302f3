// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func findFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

func TestNewAPIServer(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		server := NewAPIServer()
		assert.Equal(t, "api-server", server.Name())
		assert.Equal(t, []string{":28283"}, *server.webConfig.WebListenAddresses)
		assert.Empty(t, *server.webConfig.WebConfigFile)
	})

	t.Run("listen options", func(t *testing.T) {
		server := NewAPIServer(WithLogger(testLogger()), WithListen([]string{":8080", ":8081"}, "web.yaml"))
		assert.Equal(t, []string{":8080", ":8081"}, *server.webConfig.WebListenAddresses)
		assert.Equal(t, "web.yaml", *server.webConfig.WebConfigFile)
	})
}

func TestAPIServer_Register(t *testing.T) {
	server := NewAPIServer(WithLogger(testLogger()))
	require.NoError(t, server.Init())

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("test response"))
	})
	require.NoError(t, server.Register("/test-endpoint", "Test", "Test endpoint", handler))
	assert.ErrorContains(t, server.Register("/test-endpoint", "Test", "again", handler), "already registered")

	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test-endpoint", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test response", rec.Body.String())

	rec = httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIServer_LandingPage(t *testing.T) {
	server := NewAPIServer(WithLogger(testLogger()))
	require.NoError(t, server.Init())
	require.NoError(t, server.Register("/metrics", "Metrics", "Prometheus metrics", http.NotFoundHandler()))
	require.NoError(t, server.Register("/debug/census", "Heap census", "POST to take a heap census now", http.NotFoundHandler()))

	rec := httptest.NewRecorder()
	server.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "<h1>raplprof</h1>")
	assert.Contains(t, body, `<a href="/metrics">Metrics</a> Prometheus metrics`)
	assert.Contains(t, body, `<a href="/debug/census">Heap census</a>`)
}

func TestAPIServer_RunWithCancelledContext(t *testing.T) {
	addr := fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	server := NewAPIServer(WithLogger(testLogger()), WithListen([]string{addr}, ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, server.Run(ctx))
	assert.NoError(t, server.Shutdown())
}

func TestAPIServer_EndToEnd(t *testing.T) {
	addr := fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	server := NewAPIServer(WithLogger(testLogger()), WithListen([]string{addr}, ""))
	require.NoError(t, server.Init())
	require.NoError(t, server.Register("/api/test", "Test API", "Test API endpoint",
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(ctx) }()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = client.Get(fmt.Sprintf("http://%s/api/test", addr))
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	cancel()
	assert.NoError(t, <-errCh)
	assert.NoError(t, server.Shutdown())
}

func TestAPIServer_PortConflict(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	server := NewAPIServer(WithLogger(testLogger()), WithListen([]string{listener.Addr().String()}, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = server.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")
}

func TestAPIServer_InvalidWebConfig(t *testing.T) {
	path := fmt.Sprintf("%s/web.yaml", t.TempDir())
	require.NoError(t, os.WriteFile(path, []byte("tls_server_config: [not a map"), 0o644))

	addr := fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	server := NewAPIServer(WithLogger(testLogger()), WithListen([]string{addr}, path))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.Error(t, server.Run(ctx))
}
