package adapter

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// NewTransport returns a transport tuned for many concurrent upstream calls.
// If resolver is non-nil, DialContext resolves hosts through the DNS cache,
// which matters for local single-host providers hit on every request.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// NewHTTPClient builds the shared upstream client. Per-request deadlines come
// from context; the client itself carries no overall timeout so streaming
// responses are never cut off mid-body.
func NewHTTPClient(resolver *dnscache.Resolver) *http.Client {
	return &http.Client{Transport: NewTransport(resolver)}
}
