package subscriptions

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/finpulse/internal/entitlements"
	"github.com/rcourtman/finpulse/internal/metrics"
	"github.com/rcourtman/finpulse/internal/token"
)

const (
	// DefaultTTL is how long a fetched subscription stays fresh.
	DefaultTTL = 5 * time.Minute

	// DefaultRetryDelay is how long a failed fetch is remembered before
	// Current schedules another one.
	DefaultRetryDelay = 30 * time.Second

	backgroundFetchTimeout = 15 * time.Second
)

// Query caches the subscription per token and reports whether the first
// fetch is still outstanding. It implements entitlements.Source.
//
// Fresh values live in a TTL cache. Once an entry goes stale (TTL expiry
// or Invalidate) the last known value keeps being served while Current
// refetches in the background.
type Query struct {
	fetcher    Fetcher
	tokens     token.Source
	logger     zerolog.Logger
	retryDelay time.Duration

	cache *cache.Cache
	group singleflight.Group

	mu      sync.Mutex
	known   map[string]*entitlements.Subscription
	running map[string]bool
}

// NewQuery creates a query. ttl <= 0 uses DefaultTTL.
func NewQuery(fetcher Fetcher, tokens token.Source, ttl time.Duration, logger zerolog.Logger) *Query {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	retry := DefaultRetryDelay
	if retry > ttl {
		retry = ttl
	}
	return &Query{
		fetcher:    fetcher,
		tokens:     tokens,
		logger:     logger,
		retryDelay: retry,
		cache:      cache.New(ttl, 2*ttl),
		known:      make(map[string]*entitlements.Subscription),
		running:    make(map[string]bool),
	}
}

// Current returns the subscription for the current token and whether it is
// still loading. Loading is true only until the first fetch for the token
// has finished. Stale values are returned as-is while a refetch runs.
func (q *Query) Current() (*entitlements.Subscription, bool) {
	tok, ok := q.tokens.Token()
	if !ok {
		return nil, false
	}
	if cached, found := q.cache.Get(tok); found {
		sub, _ := cached.(*entitlements.Subscription)
		return sub, false
	}

	q.mu.Lock()
	sub, fetched := q.known[tok]
	q.startBackgroundLocked(tok)
	q.mu.Unlock()
	return sub, !fetched
}

// Refresh fetches the subscription for the current token. Concurrent calls
// for the same token share one request. On error the last known value is
// kept.
func (q *Query) Refresh(ctx context.Context) (*entitlements.Subscription, error) {
	tok, ok := q.tokens.Token()
	if !ok {
		metrics.RecordSubscriptionFetch("no_token")
		return nil, token.ErrNoToken
	}
	return q.refresh(ctx, tok)
}

// Invalidate marks every cached subscription stale and refetches the one
// for the current token. Readers keep seeing the last known value until
// the refetch lands.
func (q *Query) Invalidate() {
	q.cache.Flush()

	tok, ok := q.tokens.Token()
	if !ok {
		return
	}
	q.mu.Lock()
	q.startBackgroundLocked(tok)
	q.mu.Unlock()
}

func (q *Query) refresh(ctx context.Context, tok string) (*entitlements.Subscription, error) {
	v, err, shared := q.group.Do(tok, func() (interface{}, error) {
		return q.fetch(ctx, tok)
	})
	if err != nil {
		q.logger.Warn().Err(err).Msg("Subscription fetch failed")
		return nil, err
	}

	sub, _ := v.(*entitlements.Subscription)
	q.logger.Debug().
		Bool("shared", shared).
		Bool("active", sub.IsActive()).
		Msg("Subscription refreshed")
	return sub, nil
}

func (q *Query) fetch(ctx context.Context, tok string) (*entitlements.Subscription, error) {
	q.mu.Lock()
	q.running[tok] = true
	q.mu.Unlock()

	sub, err := q.fetcher.Current(ctx, tok)

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, tok)

	if err != nil {
		metrics.RecordSubscriptionFetch("error")
		// A first fetch that fails settles to "no subscription" so callers
		// stop waiting. Either way the value is held until the retry delay.
		last, fetched := q.known[tok]
		if !fetched {
			q.known[tok] = nil
		}
		q.cache.Set(tok, last, q.retryDelay)
		return nil, err
	}

	q.known[tok] = sub
	q.cache.Set(tok, sub, cache.DefaultExpiration)
	metrics.RecordSubscriptionFetch(fetchResult(sub))
	return sub, nil
}

// startBackgroundLocked schedules a refetch for tok unless one is running.
// Callers must hold q.mu.
func (q *Query) startBackgroundLocked(tok string) {
	if q.running[tok] {
		return
	}
	q.running[tok] = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundFetchTimeout)
		defer cancel()
		_, _ = q.refresh(ctx, tok)
	}()
}

func fetchResult(sub *entitlements.Subscription) string {
	switch {
	case sub == nil:
		return "none"
	case sub.IsActive():
		return "active"
	default:
		return "inactive"
	}
}
