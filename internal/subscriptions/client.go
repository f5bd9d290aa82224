// Package subscriptions fetches the signed-in user's subscription from the
// billing API and exposes it to the entitlement resolver.
package subscriptions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rcourtman/finpulse/internal/entitlements"
	finerrors "github.com/rcourtman/finpulse/internal/errors"
	"github.com/rcourtman/finpulse/internal/netutil"
)

const (
	currentPath    = "/subscriptions/current"
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
	opFetch        = "fetch_subscription"
)

// Fetcher retrieves the subscription for a bearer token. A nil subscription
// with a nil error means the user has none.
type Fetcher interface {
	Current(ctx context.Context, token string) (*entitlements.Subscription, error)
}

// Client talks to the billing REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client for baseURL. A nil httpClient gets a DNS-cached
// client with a 15 second timeout.
func NewClient(baseURL string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = netutil.NewHTTPClient(defaultTimeout)
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Current performs GET {baseURL}/subscriptions/current.
func (c *Client) Current(ctx context.Context, token string) (*entitlements.Subscription, error) {
	endpoint := c.baseURL + currentPath
	if strings.TrimSpace(token) == "" {
		return nil, finerrors.WrapAuthError(opFetch, endpoint, finerrors.ErrUnauthorized)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, finerrors.WrapValidationError(opFetch, endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, finerrors.WrapTimeoutError(opFetch, endpoint, ctx.Err())
		}
		return nil, finerrors.WrapConnectionError(opFetch, endpoint, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Fetched subscription")

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, finerrors.WrapAuthError(opFetch, endpoint, fmt.Errorf("status %d", resp.StatusCode))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, finerrors.WrapAPIError(opFetch, endpoint,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), resp.StatusCode)
	}

	var sub *entitlements.Subscription
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&sub); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, finerrors.New(finerrors.ErrorTypeAPI, opFetch, endpoint, fmt.Errorf("decode subscription: %w", err))
	}
	if sub != nil {
		sub.Status = entitlements.ParseStatus(string(sub.Status))
	}
	return sub, nil
}
