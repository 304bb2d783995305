// Package upstream forwards inspected requests to the resolved
// upstream. One HostClient per upstream address; the routing decision
// (address, TLS, timeout) comes from the request's effective context.
package upstream

import (
	"fmt"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/waf/resolver"
)

// defaultTimeout applies when the routing config carries none.
const defaultTimeout = 30 * time.Second

// Proxy forwards requests over pooled fasthttp host clients.
type Proxy struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*fasthttp.HostClient
}

// NewProxy creates an upstream proxy.
func NewProxy(logger *zap.Logger) (*Proxy, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &Proxy{
		logger:  logger,
		clients: make(map[string]*fasthttp.HostClient),
	}, nil
}

// Forward sends the request to the routed upstream and writes the
// upstream response into ctx. The request's headers must already be
// prepared by the caller. A transport failure becomes a 502.
func (p *Proxy) Forward(ctx *fasthttp.RequestCtx, routing resolver.ResolvedRouting) error {
	if routing.Upstream == "" {
		return fmt.Errorf("no upstream resolved")
	}

	timeout := defaultTimeout
	if routing.Timeout > 0 {
		timeout = time.Duration(routing.Timeout) * time.Second
	}

	client := p.client(routing.Upstream, routing.UseTLS)

	if err := client.DoTimeout(&ctx.Request, &ctx.Response, timeout); err != nil {
		p.logger.Warn("Upstream request failed",
			zap.String("upstream", routing.Upstream),
			zap.Bool("tls", routing.UseTLS),
			zap.Error(err))
		ctx.Response.Reset()
		ctx.SetStatusCode(fasthttp.StatusBadGateway)
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBodyString("Bad Gateway: upstream unreachable")
		return fmt.Errorf("upstream request failed: %w", err)
	}
	return nil
}

func (p *Proxy) client(addr string, useTLS bool) *fasthttp.HostClient {
	key := addr
	if useTLS {
		key = "tls:" + addr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}
	c := &fasthttp.HostClient{
		Addr:  addr,
		IsTLS: useTLS,

		MaxIdleConnDuration: 30 * time.Second,
	}
	p.clients[key] = c
	return c
}
