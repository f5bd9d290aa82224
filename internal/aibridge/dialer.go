package aibridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	finerrors "github.com/rcourtman/finpulse/internal/errors"
	"github.com/rcourtman/finpulse/internal/netutil"
)

const (
	wsHandshakeWait = 15 * time.Second
	opConnect       = "ai_connect"
)

// Dialer opens the gateway connection for a bearer token and reports which
// endpoint answered.
type Dialer interface {
	Dial(ctx context.Context, token string) (*websocket.Conn, string, error)
}

// WebSocketDialer tries its endpoints in order: the primary first, then each
// fallback. An authentication rejection stops the walk.
type WebSocketDialer struct {
	Endpoints        []string
	HandshakeTimeout time.Duration
	logger           zerolog.Logger
}

// NewWebSocketDialer creates a dialer over endpoints.
func NewWebSocketDialer(endpoints []string, logger zerolog.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		Endpoints:        endpoints,
		HandshakeTimeout: wsHandshakeWait,
		logger:           logger,
	}
}

func (d *WebSocketDialer) Dial(ctx context.Context, token string) (*websocket.Conn, string, error) {
	if len(d.Endpoints) == 0 {
		return nil, "", finerrors.WrapValidationError(opConnect, "", errors.New("no AI endpoints configured"))
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext:   netutil.DialContext,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	var lastErr error
	for i, endpoint := range d.Endpoints {
		d.logger.Debug().Str("url", endpoint).Int("attempt", i+1).Msg("Connecting to AI gateway")

		conn, resp, err := dialer.DialContext(ctx, endpoint, header)
		if err == nil {
			return conn, endpoint, nil
		}

		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, endpoint, finerrors.WrapAuthError(opConnect, endpoint,
				fmt.Errorf("handshake rejected with status %d", resp.StatusCode))
		}
		if ctx.Err() != nil {
			return nil, endpoint, finerrors.WrapTimeoutError(opConnect, endpoint, ctx.Err())
		}

		lastErr = finerrors.WrapConnectionError(opConnect, endpoint, err)
		if i < len(d.Endpoints)-1 {
			d.logger.Warn().Err(err).Str("url", endpoint).Msg("AI gateway unreachable, trying fallback")
		}
	}
	return nil, "", lastErr
}
