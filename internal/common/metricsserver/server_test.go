package metricsserver

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/configtypes"
)

type stubHandler struct{ body string }

func (h *stubHandler) ServeHTTP(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString(h.body)
}

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	status, body, err := fasthttp.GetTimeout(nil, url, 2*time.Second)
	require.NoError(t, err)
	return status, string(body)
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(configtypes.MetricsConfig{}, &stubHandler{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, srv)
}

func TestStartServesScrapePath(t *testing.T) {
	addr := freePort(t)
	cfg := configtypes.MetricsConfig{Enabled: true, Listen: addr, Path: "/metrics"}

	srv, err := Start(cfg, &stubHandler{body: "waf_up 1\n"}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, srv)
	defer srv.Shutdown() //nolint:errcheck
	time.Sleep(100 * time.Millisecond)

	status, body := get(t, fmt.Sprintf("http://%s/metrics", addr))
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "waf_up 1\n", body)
}

func TestStartRejectsOtherPaths(t *testing.T) {
	addr := freePort(t)
	cfg := configtypes.MetricsConfig{Enabled: true, Listen: addr, Path: "/metrics"}

	srv, err := Start(cfg, &stubHandler{body: "x"}, zap.NewNop())
	require.NoError(t, err)
	defer srv.Shutdown() //nolint:errcheck
	time.Sleep(100 * time.Millisecond)

	status, _ := get(t, fmt.Sprintf("http://%s/other", addr))
	assert.Equal(t, fasthttp.StatusNotFound, status)
}

func TestStartDefaultsPath(t *testing.T) {
	addr := freePort(t)
	cfg := configtypes.MetricsConfig{Enabled: true, Listen: addr}

	srv, err := Start(cfg, &stubHandler{body: "ok"}, zap.NewNop())
	require.NoError(t, err)
	defer srv.Shutdown() //nolint:errcheck
	time.Sleep(100 * time.Millisecond)

	status, body := get(t, fmt.Sprintf("http://%s/metrics", addr))
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "ok", body)
}
