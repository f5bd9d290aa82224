// Package netutil provides the dialer shared by the billing API client and
// the AI gateway connection.
package netutil

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const (
	defaultRefreshTTL = 5 * time.Minute
	dialTimeout       = 10 * time.Second
	dialKeepAlive     = 30 * time.Second
)

var (
	globalResolver     *dnscache.Resolver
	globalResolverOnce sync.Once
	resolverMutex      sync.RWMutex
	resolverRefreshTTL = defaultRefreshTTL
)

// Resolver returns the process-wide caching resolver.
func Resolver() *dnscache.Resolver {
	globalResolverOnce.Do(func() {
		resolverMutex.RLock()
		ttl := resolverRefreshTTL
		resolverMutex.RUnlock()
		initResolver(ttl)
	})
	return globalResolver
}

func initResolver(ttl time.Duration) {
	log.Debug().Dur("ttl", ttl).Msg("Initializing DNS resolver cache")

	globalResolver = &dnscache.Resolver{}

	go func() {
		ticker := time.NewTicker(ttl)
		defer ticker.Stop()

		for range ticker.C {
			globalResolver.Refresh(true)
		}
	}()
}

// SetCacheTTL sets the refresh interval. Must be called before the first
// dial to take effect.
func SetCacheTTL(ttl time.Duration) {
	resolverMutex.Lock()
	defer resolverMutex.Unlock()

	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	resolverRefreshTTL = ttl
}

// DialContext dials address after resolving its host through the cache.
// IP literals bypass the resolver.
func DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: dialKeepAlive,
	}

	if ip := net.ParseIP(host); ip != nil {
		return dialer.DialContext(ctx, network, address)
	}

	ips, err := Resolver().LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{
			Err:  "no IP addresses found",
			Name: host,
		}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// NewHTTPClient returns an HTTP client whose transport dials through the
// DNS cache.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = DialContext
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
