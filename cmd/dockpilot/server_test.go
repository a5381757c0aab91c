package main

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Server Tests
// =============================================================================

func TestServer_StartAndShutdown(t *testing.T) {
	app, _, engine := newTestApp(t)
	app.config.Server.Host = "127.0.0.1"
	app.config.Server.Port = 0
	app.config.Server.ShutdownTimeout = time.Second
	app.config.Monitor.Background = true
	app.config.Monitor.Interval = 10 * time.Millisecond

	server, err := NewServer(context.Background(), app)
	require.NoError(t, err)
	require.NotNil(t, server.monitor)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.True(t, engine.closed)
}

func TestServer_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	app, _, _ := newTestApp(t)
	app.config.Server.Host = "127.0.0.1"
	app.config.Server.Port = ln.Addr().(*net.TCPAddr).Port
	app.config.Server.ShutdownTimeout = time.Second

	server, err := NewServer(context.Background(), app)
	require.NoError(t, err)

	err = server.Start(context.Background())
	assert.Equal(t, ExitHTTPServerError, exitCodeOf(t, err))
	assert.Contains(t, err.Error(), strconv.Itoa(app.config.Server.Port))
}

func TestNewServer_InvalidChannel(t *testing.T) {
	app, _, engine := newTestApp(t)
	app.config.Alerts.Channels[0].Type = "pager"

	_, err := NewServer(context.Background(), app)

	assert.Equal(t, ExitConfigError, exitCodeOf(t, err))
	assert.True(t, engine.closed)
}

func TestNewServer_EngineUnavailable(t *testing.T) {
	app, _, engine := newTestApp(t)
	engine.pingErr = context.DeadlineExceeded

	_, err := NewServer(context.Background(), app)

	assert.Equal(t, ExitDockerError, exitCodeOf(t, err))
}
