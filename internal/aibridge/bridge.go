// Package aibridge exposes a request/response call over the persistent AI
// gateway WebSocket connection.
//
// Every request carries a ULID requestId that the gateway echoes back, so
// concurrent requests of the same type settle independently. Responses
// from gateways that do not echo the id settle the oldest pending request
// of the same type, one response per request.
package aibridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/rcourtman/finpulse/internal/metrics"
	"github.com/rcourtman/finpulse/internal/token"
)

var (
	ErrNotConnected     = errors.New("Socket not connected")
	ErrNoToken          = errors.New("No authentication token")
	ErrInvalidToken     = errors.New("Invalid authentication token")
	ErrTimeout          = errors.New("AI request timed out")
	ErrConnectionClosed = errors.New("AI connection closed")
	ErrInvalidRequest   = errors.New("invalid AI request")
)

const defaultRemoteMessage = "AI request failed"

// RemoteError is returned when the gateway answers with a non-success status.
type RemoteError struct {
	Type    RequestType
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

const (
	// DefaultTimeout bounds how long Request waits for a response.
	DefaultTimeout = 30 * time.Second

	wsPingInterval   = 25 * time.Second
	wsPongWait       = 70 * time.Second
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4 << 20
	sendChBufferSize = 64
	closeWait        = 5 * time.Second
)

// State is the bridge connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configure a Bridge.
type Options struct {
	// Timeout per request. Zero uses DefaultTimeout.
	Timeout time.Duration
	// Model is the initial model selection.
	Model string
	// PingInterval overrides the keepalive interval.
	PingInterval time.Duration
}

type result struct {
	resp *Response
	err  error
}

type pendingCall struct {
	id      string
	reqType RequestType
	done    chan result
}

// Bridge is one mounted AI session. Safe for concurrent use.
type Bridge struct {
	dialer       Dialer
	tokens       token.Source
	timeout      time.Duration
	pingInterval time.Duration
	logger       zerolog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	conn       *websocket.Conn
	endpoint   string
	sendCh     chan []byte
	cancel     context.CancelFunc
	readDone   chan struct{}
	model      string
	pending    map[string]*pendingCall
	order      []*pendingCall
	onProgress func(Progress)
}

// New creates a disconnected bridge.
func New(dialer Dialer, tokens token.Source, opts Options, logger zerolog.Logger) *Bridge {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ping := opts.PingInterval
	if ping <= 0 {
		ping = wsPingInterval
	}
	return &Bridge{
		dialer:       dialer,
		tokens:       tokens,
		timeout:      timeout,
		pingInterval: ping,
		logger:       logger,
		model:        opts.Model,
		pending:      make(map[string]*pendingCall),
	}
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connected reports whether requests can be issued.
func (b *Bridge) Connected() bool {
	return b.State() == StateConnected
}

// Model returns the current model selection.
func (b *Bridge) Model() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

// OnProgress registers fn for progress events of pending requests. fn runs
// on the read goroutine and must not block.
func (b *Bridge) OnProgress(fn func(Progress)) {
	b.mu.Lock()
	b.onProgress = fn
	b.mu.Unlock()
}

// Connect opens the gateway connection. Without a token the bridge stays
// disconnected and ErrNoToken is returned. Connecting an already connected
// bridge is a no-op.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateDisconnected {
		b.mu.Unlock()
		return nil
	}
	tok, ok := b.tokens.Token()
	if !ok {
		b.mu.Unlock()
		b.logger.Debug().Msg("No token present, AI bridge stays disconnected")
		return ErrNoToken
	}
	b.state = StateConnecting
	gen := b.generation
	b.mu.Unlock()

	conn, endpoint, err := b.dialer.Dial(ctx, tok)
	if err != nil {
		b.mu.Lock()
		if b.generation == gen {
			b.state = StateDisconnected
		}
		b.mu.Unlock()
		b.logger.Warn().Err(err).Msg("AI gateway connection failed")
		return err
	}

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	connCtx, cancel := context.WithCancel(context.Background())
	sendCh := make(chan []byte, sendChBufferSize)
	readDone := make(chan struct{})

	b.mu.Lock()
	if b.generation != gen {
		// Closed while the handshake was running.
		b.mu.Unlock()
		cancel()
		_ = conn.Close()
		return ErrConnectionClosed
	}
	b.conn = conn
	b.endpoint = endpoint
	b.sendCh = sendCh
	b.cancel = cancel
	b.readDone = readDone
	b.state = StateConnected
	b.mu.Unlock()

	metrics.SetAIBridgeConnected(true)
	b.logger.Info().Str("url", endpoint).Msg("Connected to AI gateway")

	go b.writePump(connCtx, conn, sendCh)
	go b.readPump(conn, readDone)
	return nil
}

// Close tears the connection down unconditionally. Pending requests fail
// with ErrConnectionClosed. The bridge may be connected again afterwards.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.generation++
	readDone := b.readDone
	wasConnected := b.conn != nil
	b.teardownLocked()
	b.mu.Unlock()

	if !wasConnected {
		return
	}
	b.logger.Info().Msg("AI bridge closed")

	select {
	case <-readDone:
	case <-time.After(closeWait):
		b.logger.Warn().Msg("Timed out waiting for AI read loop to stop")
	}
}

// teardownLocked drops the current connection and fails pending calls.
// Callers must hold b.mu.
func (b *Bridge) teardownLocked() {
	if b.cancel != nil {
		b.cancel()
	}
	connected := b.conn != nil
	b.conn = nil
	b.endpoint = ""
	b.sendCh = nil
	b.cancel = nil
	b.readDone = nil
	b.state = StateDisconnected

	for _, call := range b.order {
		call.done <- result{err: ErrConnectionClosed}
	}
	b.pending = make(map[string]*pendingCall)
	b.order = nil

	if connected {
		metrics.SetAIBridgeConnected(false)
	}
	metrics.AIPendingRequests.Set(0)
}

// Request sends req and waits for its response. The bridge fills in the
// request id and user id, and the current model when req.Model is empty.
func (b *Bridge) Request(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, outcome, err := b.request(ctx, req)
	metrics.RecordAIRequest(string(req.Type), outcome, time.Since(start))
	return resp, err
}

func (b *Bridge) request(ctx context.Context, req Request) (*Response, string, error) {
	if !req.Type.Valid() {
		return nil, metrics.OutcomeRejected, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, req.Type)
	}

	b.mu.Lock()
	if b.state != StateConnected {
		b.mu.Unlock()
		return nil, metrics.OutcomeRejected, ErrNotConnected
	}
	tok, ok := b.tokens.Token()
	if !ok {
		b.mu.Unlock()
		return nil, metrics.OutcomeRejected, ErrNoToken
	}
	userID, err := token.DecodeUserID(tok)
	if err != nil {
		b.mu.Unlock()
		return nil, metrics.OutcomeRejected, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	req.RequestID = ulid.Make().String()
	req.UserID = userID
	if req.Model == "" {
		req.Model = b.model
	}

	msg, err := EncodeMessage(EventRequest, req)
	if err != nil {
		b.mu.Unlock()
		return nil, metrics.OutcomeRejected, err
	}

	call := &pendingCall{id: req.RequestID, reqType: req.Type, done: make(chan result, 1)}
	select {
	case b.sendCh <- msg:
	default:
		b.mu.Unlock()
		return nil, metrics.OutcomeRejected, fmt.Errorf("%w: send buffer full", ErrConnectionClosed)
	}
	b.pending[call.id] = call
	b.order = append(b.order, call)
	metrics.AIPendingRequests.Set(float64(len(b.order)))
	b.mu.Unlock()

	log := b.logger.With().Str("request_id", call.id).Str("type", string(req.Type)).Logger()
	log.Debug().Str("model", req.Model).Msg("AI request sent")

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res.resp, outcomeOf(res.err), res.err
	case <-timer.C:
		if b.removePending(call.id) {
			log.Warn().Dur("timeout", b.timeout).Msg("AI request timed out")
			return nil, metrics.OutcomeTimeout, ErrTimeout
		}
	case <-ctx.Done():
		if b.removePending(call.id) {
			return nil, metrics.OutcomeCancelled, ctx.Err()
		}
	}

	// Settled concurrently with the timeout or cancellation.
	res := <-call.done
	return res.resp, outcomeOf(res.err), res.err
}

func outcomeOf(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &remote):
		return metrics.OutcomeRemoteError
	case errors.Is(err, ErrConnectionClosed):
		return metrics.OutcomeDisconnected
	default:
		return metrics.OutcomeRejected
	}
}

// removePending drops id and reports whether it was still pending.
func (b *Bridge) removePending(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeLocked(id) != nil
}

func (b *Bridge) takeLocked(id string) *pendingCall {
	call, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	for i, c := range b.order {
		if c == call {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	metrics.AIPendingRequests.Set(float64(len(b.order)))
	return call
}

// matchLocked finds the pending call for an inbound event: by id when the
// gateway echoed one, otherwise the oldest call of the same type.
func (b *Bridge) matchLocked(id string, reqType RequestType) *pendingCall {
	if id != "" {
		return b.pending[id]
	}
	for _, c := range b.order {
		if c.reqType == reqType {
			return c
		}
	}
	return nil
}

// SwitchModel changes the model used by later requests and notifies the
// gateway. It does nothing while disconnected and does not wait for an
// acknowledgement.
func (b *Bridge) SwitchModel(model string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateConnected {
		return nil
	}

	msg, err := EncodeMessage(EventSwitchModel, SwitchModel{Model: model})
	if err != nil {
		return err
	}
	select {
	case b.sendCh <- msg:
	default:
		return fmt.Errorf("%w: send buffer full", ErrConnectionClosed)
	}
	b.model = model
	b.logger.Info().Str("model", model).Msg("Switched AI model")
	return nil
}

func (b *Bridge) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			b.handleDisconnect(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		env, err := DecodeMessage(msg)
		if err != nil {
			b.logger.Warn().Err(err).Msg("Failed to decode AI message, skipping")
			continue
		}

		switch env.Event {
		case EventResponse:
			var resp Response
			if err := DecodePayload(env, &resp); err != nil {
				b.logger.Warn().Err(err).Msg("Failed to decode AI response, skipping")
				continue
			}
			b.handleResponse(&resp)

		case EventProgress:
			var p Progress
			if err := DecodePayload(env, &p); err != nil {
				b.logger.Warn().Err(err).Msg("Failed to decode AI progress, skipping")
				continue
			}
			b.handleProgress(p)

		default:
			b.logger.Debug().Str("event", env.Event).Msg("Ignoring unhandled AI event")
		}
	}
}

func (b *Bridge) handleResponse(resp *Response) {
	b.mu.Lock()
	call := b.matchLocked(resp.RequestID, resp.Type)
	if call != nil {
		b.takeLocked(call.id)
	}
	b.mu.Unlock()

	if call == nil {
		b.logger.Debug().
			Str("request_id", resp.RequestID).
			Str("type", string(resp.Type)).
			Msg("AI response with no pending request")
		return
	}

	if resp.Status == StatusSuccess {
		call.done <- result{resp: resp}
		return
	}

	message := resp.Message
	if message == "" {
		message = defaultRemoteMessage
	}
	call.done <- result{err: &RemoteError{Type: resp.Type, Message: message}}
}

func (b *Bridge) handleProgress(p Progress) {
	b.mu.Lock()
	call := b.matchLocked(p.RequestID, p.Type)
	fn := b.onProgress
	b.mu.Unlock()

	if call == nil {
		return
	}
	metrics.RecordAIProgress(p.Status)
	if p.RequestID == "" {
		p.RequestID = call.id
	}
	if fn != nil {
		fn(p)
	}
}

func (b *Bridge) handleDisconnect(conn *websocket.Conn, err error) {
	b.mu.Lock()
	if b.conn != conn {
		// Already torn down by Close or replaced by a new connection.
		b.mu.Unlock()
		return
	}
	endpoint := b.endpoint
	pending := len(b.order)
	b.teardownLocked()
	b.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		b.logger.Info().Str("url", endpoint).Int("failed_requests", pending).Msg("AI gateway closed the connection")
		return
	}
	b.logger.Warn().Err(err).Str("url", endpoint).Int("failed_requests", pending).Msg("AI gateway connection lost")
}

func (b *Bridge) writePump(ctx context.Context, conn *websocket.Conn, sendCh <-chan []byte) {
	// Always close the socket on writer exit so the reader unblocks.
	defer conn.Close()

	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Frames queued before Close still go out ahead of the close frame.
			if !b.flush(conn, sendCh) {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.logger.Debug().Err(err).Msg("AI write failed")
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				b.logger.Debug().Err(err).Msg("AI ping failed")
				return
			}
		}
	}
}

// flush writes whatever is already queued on sendCh without waiting for
// more. It reports false if a write failed.
func (b *Bridge) flush(conn *websocket.Conn, sendCh <-chan []byte) bool {
	for {
		select {
		case data := <-sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.logger.Debug().Err(err).Msg("AI write failed during close")
				return false
			}
		default:
			return true
		}
	}
}
