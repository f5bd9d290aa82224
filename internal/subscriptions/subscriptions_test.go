package subscriptions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/finpulse/internal/entitlements"
	finerrors "github.com/rcourtman/finpulse/internal/errors"
	"github.com/rcourtman/finpulse/internal/token"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", srv.Client(), zerolog.Nop())
}

func TestClientCurrentDecodesSubscription(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/subscriptions/current", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sub_1","status":"Active","plan":{"name":"premium","features":["ai_insights"],"maxGoals":10,"hasAI":true}}`))
	})

	sub, err := c.Current(context.Background(), "tok")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, entitlements.StatusActive, sub.Status)
	require.NotNil(t, sub.Plan)
	assert.Equal(t, entitlements.TierPremium, sub.Plan.Name)
	assert.Equal(t, []string{"ai_insights"}, sub.Plan.Features)
	require.NotNil(t, sub.Plan.MaxGoals)
	assert.Equal(t, 10, *sub.Plan.MaxGoals)
	assert.Nil(t, sub.Plan.MaxTransactions)
	assert.Nil(t, sub.Plan.HasReports)
	assert.True(t, sub.IsActive())
}

func TestClientCurrentNoSubscription(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusNoContent} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		})
		sub, err := c.Current(context.Background(), "tok")
		require.NoError(t, err, status)
		assert.Nil(t, sub, status)
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`null`))
	})
	sub, err := c.Current(context.Background(), "tok")
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestClientCurrentErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := c.Current(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, finerrors.IsAuthError(err))

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	_, err = c.Current(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, finerrors.IsRetryableError(err))
	assert.Contains(t, err.Error(), "boom")

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})
	_, err = c.Current(context.Background(), "tok")
	require.Error(t, err)

	_, err = c.Current(context.Background(), "  ")
	assert.True(t, finerrors.IsAuthError(err))
}

func TestClientCurrentConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, nil, zerolog.Nop())
	_, err := c.Current(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, errors.Is(err, finerrors.ErrConnectionFailed))
}

type blockingFetcher struct {
	calls   atomic.Int32
	release chan struct{}

	mu  sync.Mutex
	sub *entitlements.Subscription
	err error
}

func (f *blockingFetcher) Current(ctx context.Context, tok string) (*entitlements.Subscription, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sub, f.err
}

func (f *blockingFetcher) set(sub *entitlements.Subscription, err error) {
	f.mu.Lock()
	f.sub, f.err = sub, err
	f.mu.Unlock()
}

func premiumSub() *entitlements.Subscription {
	return &entitlements.Subscription{
		Status: entitlements.StatusActive,
		Plan: &entitlements.Plan{
			Name:     entitlements.TierPremium,
			Features: []string{entitlements.FeatureAIInsights},
			HasAI:    true,
		},
	}
}

func TestQueryLoadingUntilFirstFetch(t *testing.T) {
	fetcher := &blockingFetcher{release: make(chan struct{}), sub: premiumSub()}
	q := NewQuery(fetcher, token.Static("tok"), time.Minute, zerolog.Nop())

	// Never fetched: loading, and a fetch is started.
	sub, loading := q.Current()
	assert.Nil(t, sub)
	assert.True(t, loading)
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Resolver fails closed while the first fetch runs.
	r := entitlements.NewResolver(q)
	assert.False(t, r.HasAccess(entitlements.FeatureGoals, entitlements.TierFree))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Refresh(context.Background())
			assert.NoError(t, err)
		}()
	}

	close(fetcher.release)
	wg.Wait()

	require.Eventually(t, func() bool {
		_, loading := q.Current()
		return !loading
	}, time.Second, 5*time.Millisecond)
	sub, _ = q.Current()
	require.NotNil(t, sub)
	assert.True(t, sub.IsActive())
	assert.True(t, r.HasAccess(entitlements.FeatureAIInsights, entitlements.TierPremium))
	assert.LessOrEqual(t, fetcher.calls.Load(), int32(4))
}

func TestQueryInvalidateKeepsLastValueAndRefetches(t *testing.T) {
	fetcher := &blockingFetcher{sub: premiumSub()}
	q := NewQuery(fetcher, token.Static("tok"), time.Minute, zerolog.Nop())

	_, err := q.Refresh(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, fetcher.calls.Load())

	cancelled := premiumSub()
	cancelled.Status = entitlements.StatusCancelled
	fetcher.set(cancelled, nil)
	fetcher.release = make(chan struct{})

	q.Invalidate()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	// Paying user keeps premium access while the refetch runs.
	sub, loading := q.Current()
	require.NotNil(t, sub)
	assert.True(t, sub.IsActive())
	assert.False(t, loading)
	r := entitlements.NewResolver(q)
	assert.True(t, r.HasAccess(entitlements.FeatureAIInsights, entitlements.TierPremium))
	assert.True(t, r.PlanFeatures().HasAI)
	assert.EqualValues(t, 2, fetcher.calls.Load())

	close(fetcher.release)
	require.Eventually(t, func() bool {
		sub, _ := q.Current()
		return sub != nil && sub.Status == entitlements.StatusCancelled
	}, time.Second, 5*time.Millisecond)

	assert.False(t, r.HasAccess(entitlements.FeatureAIInsights, entitlements.TierPremium))
	assert.True(t, r.HasAccess(entitlements.FeatureTransactions, entitlements.TierFree))
}

func TestQueryServesStaleValueAfterTTL(t *testing.T) {
	fetcher := &blockingFetcher{sub: premiumSub()}
	q := NewQuery(fetcher, token.Static("tok"), 20*time.Millisecond, zerolog.Nop())

	_, err := q.Refresh(context.Background())
	require.NoError(t, err)

	fetcher.set(nil, errors.New("billing down"))
	time.Sleep(40 * time.Millisecond)

	r := entitlements.NewResolver(q)
	sub, loading := q.Current()
	require.NotNil(t, sub)
	assert.False(t, loading)
	assert.True(t, r.HasAccess(entitlements.FeatureAIInsights, entitlements.TierPremium))
	assert.True(t, r.PlanFeatures().HasAI)

	// The background refetch fails and the premium value survives it.
	require.Eventually(t, func() bool { return fetcher.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	sub, _ = q.Current()
	require.NotNil(t, sub)
	assert.True(t, sub.IsActive())
}

func TestQueryFirstFetchFailureSettlesToFree(t *testing.T) {
	fetcher := &blockingFetcher{err: errors.New("billing down")}
	q := NewQuery(fetcher, token.Static("tok"), time.Minute, zerolog.Nop())

	_, err := q.Refresh(context.Background())
	require.Error(t, err)

	sub, loading := q.Current()
	assert.Nil(t, sub)
	assert.False(t, loading)
	assert.True(t, entitlements.NewResolver(q).HasAccess(entitlements.FeatureGoals, entitlements.TierFree))

	// Held for the retry delay, so reads do not refetch.
	assert.EqualValues(t, 1, fetcher.calls.Load())
}

func TestQueryKeepsCacheOnError(t *testing.T) {
	fetcher := &blockingFetcher{sub: &entitlements.Subscription{Status: entitlements.StatusActive}}
	q := NewQuery(fetcher, token.Static("tok"), time.Minute, zerolog.Nop())

	_, err := q.Refresh(context.Background())
	require.NoError(t, err)

	fetcher.set(nil, errors.New("billing down"))
	_, err = q.Refresh(context.Background())
	require.Error(t, err)

	sub, _ := q.Current()
	require.NotNil(t, sub)
	assert.True(t, sub.IsActive())
}

func TestQueryNoToken(t *testing.T) {
	fetcher := &blockingFetcher{}
	q := NewQuery(fetcher, token.Static(""), 0, zerolog.Nop())

	_, err := q.Refresh(context.Background())
	assert.ErrorIs(t, err, token.ErrNoToken)

	sub, loading := q.Current()
	assert.Nil(t, sub)
	assert.False(t, loading)

	q.Invalidate()
	assert.Zero(t, fetcher.calls.Load())
}

func TestQueryCachesNoSubscription(t *testing.T) {
	fetcher := &blockingFetcher{}
	q := NewQuery(fetcher, token.Static("tok"), time.Minute, zerolog.Nop())

	sub, err := q.Refresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sub)

	r := entitlements.NewResolver(q)
	assert.True(t, r.HasAccess(entitlements.FeatureGoals, entitlements.TierFree))
	assert.False(t, r.HasAccess(entitlements.FeatureAIInsights, entitlements.TierPremium))
	assert.EqualValues(t, 1, fetcher.calls.Load())
}
