package upstream

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/waf/resolver"
)

func startEchoUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.Response.Header.Set("X-Upstream", "echo")
			ctx.SetBodyString("hello from upstream")
		})
	}()
	return ln.Addr().String()
}

func TestForwardSuccess(t *testing.T) {
	addr := startEchoUpstream(t)
	proxy, err := NewProxy(zap.NewNop())
	require.NoError(t, err)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/contact")
	ctx.Request.Header.SetMethod(fasthttp.MethodPost)
	ctx.Request.Header.SetHost("shop.example.com")

	err = proxy.Forward(&ctx, resolver.ResolvedRouting{Upstream: addr, Timeout: 5})
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "echo", string(ctx.Response.Header.Peek("X-Upstream")))
	assert.Equal(t, "hello from upstream", string(ctx.Response.Body()))
}

func TestForwardUnreachableReturns502(t *testing.T) {
	proxy, err := NewProxy(zap.NewNop())
	require.NoError(t, err)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/contact")

	err = proxy.Forward(&ctx, resolver.ResolvedRouting{Upstream: "127.0.0.1:1", Timeout: 1})
	assert.Error(t, err)
	assert.Equal(t, fasthttp.StatusBadGateway, ctx.Response.StatusCode())
}

func TestForwardWithoutUpstreamErrors(t *testing.T) {
	proxy, err := NewProxy(zap.NewNop())
	require.NoError(t, err)

	var ctx fasthttp.RequestCtx
	assert.Error(t, proxy.Forward(&ctx, resolver.ResolvedRouting{}))
}

func TestClientReuse(t *testing.T) {
	proxy, err := NewProxy(zap.NewNop())
	require.NoError(t, err)

	a := proxy.client("10.0.0.1:80", false)
	b := proxy.client("10.0.0.1:80", false)
	c := proxy.client("10.0.0.1:80", true)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}
