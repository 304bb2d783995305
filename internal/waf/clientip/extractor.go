// Package clientip normalizes the client address behind proxies. The
// gateway trusts X-Forwarded-For's first entry, then the peer address.
package clientip

import (
	"net"
	"strings"

	"github.com/valyala/fasthttp"
)

// DefaultHeaders is the header precedence the gateway uses.
var DefaultHeaders = []string{"X-Forwarded-For"}

// Extract returns the client IP from the first configured header that
// yields a parseable address, falling back to the peer address.
func Extract(ctx *fasthttp.RequestCtx, headers []string) string {
	if len(headers) == 0 {
		headers = DefaultHeaders
	}
	for _, header := range headers {
		value := strings.TrimSpace(string(ctx.Request.Header.Peek(header)))
		if value == "" {
			continue
		}
		if ip := firstEntry(value); ip != "" {
			return ip
		}
	}
	return peerIP(ctx.RemoteAddr().String())
}

// firstEntry takes the first comma-separated element of a forwarding
// header, the entry closest to the original client.
func firstEntry(value string) string {
	if idx := strings.IndexByte(value, ','); idx >= 0 {
		value = value[:idx]
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return Normalize(value)
}

func peerIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return Normalize(addr)
	}
	return Normalize(host)
}

// Normalize strips IPv6 brackets and zone identifiers and returns the
// canonical textual form. Values that do not parse as an IP pass
// through unchanged so the caller can still log them.
func Normalize(raw string) string {
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if idx := strings.IndexByte(raw, '%'); idx >= 0 {
		raw = raw[:idx]
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return raw
	}
	return ip.String()
}
