package aibridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	finerrors "github.com/rcourtman/finpulse/internal/errors"
	"github.com/rcourtman/finpulse/internal/token"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockGateway creates an httptest.Server that upgrades every request and
// hands the connection to handler.
func mockGateway(t *testing.T, handler func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return raw
}

// mutableToken is a token.Source whose value can change mid-test.
type mutableToken struct {
	mu  sync.Mutex
	val string
}

func (m *mutableToken) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.val, m.val != ""
}

func (m *mutableToken) set(v string) {
	m.mu.Lock()
	m.val = v
	m.mu.Unlock()
}

func newTestBridge(t *testing.T, srv *httptest.Server, tokens token.Source, opts Options) *Bridge {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))
	b := New(NewWebSocketDialer([]string{wsURL(srv)}, logger), tokens, opts, logger)
	t.Cleanup(b.Close)
	return b
}

func connectedBridge(t *testing.T, srv *httptest.Server, opts Options) *Bridge {
	t.Helper()
	b := newTestBridge(t, srv, token.Static(signedToken(t, jwt.MapClaims{"userId": "user-1"})), opts)
	require.NoError(t, b.Connect(context.Background()))
	require.Equal(t, StateConnected, b.State())
	return b
}

func readRequest(conn *websocket.Conn) (Request, error) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return Request{}, err
		}
		env, err := DecodeMessage(msg)
		if err != nil {
			return Request{}, err
		}
		if env.Event != EventRequest {
			continue
		}
		var req Request
		err = DecodePayload(env, &req)
		return req, err
	}
}

func writeEvent(conn *websocket.Conn, event string, payload any) error {
	msg, err := EncodeMessage(event, payload)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func rawData(values ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(values))
	for i, v := range values {
		out[i] = json.RawMessage(`"` + v + `"`)
	}
	return out
}

func TestRequestNotConnected(t *testing.T) {
	b := New(NewWebSocketDialer(nil, zerolog.Nop()), token.Static("tok"), Options{}, zerolog.Nop())

	_, err := b.Request(context.Background(), Request{Type: TypeInsights})
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "Socket not connected", err.Error())
}

func TestRequestWithNumericUserID(t *testing.T) {
	seen := make(chan Request, 1)
	srv := mockGateway(t, func(conn *websocket.Conn) {
		req, err := readRequest(conn)
		if err != nil {
			return
		}
		seen <- req
		_ = writeEvent(conn, EventResponse, Response{RequestID: req.RequestID, Type: req.Type, Status: StatusSuccess, Data: rawData("ok")})
		_, _, _ = conn.ReadMessage()
	})

	b := newTestBridge(t, srv, token.Static(signedToken(t, jwt.MapClaims{"userId": 42})), Options{Timeout: 2 * time.Second})
	require.NoError(t, b.Connect(context.Background()))

	resp, err := b.Request(context.Background(), Request{Type: TypeGoals})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "42", (<-seen).UserID)
}

func TestConnectWithoutTokenStaysDisconnected(t *testing.T) {
	var dialed bool
	srv := mockGateway(t, func(conn *websocket.Conn) { dialed = true })

	b := newTestBridge(t, srv, token.Static(""), Options{})
	err := b.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, StateDisconnected, b.State())
	assert.False(t, dialed)

	_, err = b.Request(context.Background(), Request{Type: TypeInsights})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRequestNoTokenDoesNotEmit(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := mockGateway(t, func(conn *websocket.Conn) {
		if _, err := readRequest(conn); err == nil {
			received <- struct{}{}
		}
	})

	tokens := &mutableToken{val: signedToken(t, jwt.MapClaims{"userId": "user-1"})}
	b := newTestBridge(t, srv, tokens, Options{})
	require.NoError(t, b.Connect(context.Background()))

	tokens.set("")
	_, err := b.Request(context.Background(), Request{Type: TypeInsights})
	require.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, "No authentication token", err.Error())

	select {
	case <-received:
		t.Fatal("request was emitted without a token")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestInvalidToken(t *testing.T) {
	srv := mockGateway(t, func(conn *websocket.Conn) { _, _ = readRequest(conn) })

	b := newTestBridge(t, srv, token.Static("not-a-token"), Options{})
	require.NoError(t, b.Connect(context.Background()))

	_, err := b.Request(context.Background(), Request{Type: TypeInsights})
	assert.ErrorIs(t, err, ErrInvalidToken)

	b2 := newTestBridge(t, srv, token.Static(signedToken(t, jwt.MapClaims{"sub": "x"})), Options{})
	require.NoError(t, b2.Connect(context.Background()))
	_, err = b2.Request(context.Background(), Request{Type: TypeInsights})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequestUnknownType(t *testing.T) {
	srv := mockGateway(t, func(conn *websocket.Conn) { _, _ = readRequest(conn) })
	b := connectedBridge(t, srv, Options{})

	_, err := b.Request(context.Background(), Request{Type: "horoscope"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRequestSuccessWithProgress(t *testing.T) {
	gotReq := make(chan Request, 1)
	srv := mockGateway(t, func(conn *websocket.Conn) {
		req, err := readRequest(conn)
		if err != nil {
			t.Logf("read request: %v", err)
			return
		}
		gotReq <- req
		_ = writeEvent(conn, EventProgress, Progress{RequestID: req.RequestID, Type: req.Type, Status: StatusProcessing, Message: "thinking"})
		_ = writeEvent(conn, EventResponse, Response{
			RequestID: req.RequestID,
			Type:      req.Type,
			Status:    StatusSuccess,
			Data:      rawData("spend less on coffee"),
			Model:     req.Model,
		})
		_, _, _ = conn.ReadMessage()
	})

	b := connectedBridge(t, srv, Options{Model: "gemini"})

	var mu sync.Mutex
	var progress []Progress
	b.OnProgress(func(p Progress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})

	resp, err := b.Request(context.Background(), Request{Type: TypeInsights})
	require.NoError(t, err)
	require.NotNil(t, resp)

	req := <-gotReq
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, "gemini", req.Model)
	assert.Equal(t, TypeInsights, req.Type)
	assert.Len(t, req.RequestID, 26, "ULID request id")

	assert.Equal(t, req.RequestID, resp.RequestID)
	assert.Equal(t, StatusSuccess, resp.Status)
	require.Len(t, resp.Data, 1)
	assert.JSONEq(t, `"spend less on coffee"`, string(resp.Data[0]))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, progress, 1)
	assert.Equal(t, StatusProcessing, progress[0].Status)
	assert.Equal(t, req.RequestID, progress[0].RequestID)
}

func TestRequestExplicitModelWins(t *testing.T) {
	gotReq := make(chan Request, 1)
	srv := mockGateway(t, func(conn *websocket.Conn) {
		req, err := readRequest(conn)
		if err != nil {
			return
		}
		gotReq <- req
		_ = writeEvent(conn, EventResponse, Response{RequestID: req.RequestID, Type: req.Type, Status: StatusSuccess})
		_, _, _ = conn.ReadMessage()
	})

	b := connectedBridge(t, srv, Options{Model: "gemini"})
	_, err := b.Request(context.Background(), Request{Type: TypeGoals, Model: "claude"})
	require.NoError(t, err)
	assert.Equal(t, "claude", (<-gotReq).Model)
	assert.Equal(t, "gemini", b.Model())
}

func TestRequestRemoteError(t *testing.T) {
	srv := mockGateway(t, func(conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			req, err := readRequest(conn)
			if err != nil {
				return
			}
			message := ""
			if i == 0 {
				message = "quota exceeded"
			}
			_ = writeEvent(conn, EventResponse, Response{RequestID: req.RequestID, Type: req.Type, Status: StatusError, Message: message})
		}
		_, _, _ = conn.ReadMessage()
	})

	b := connectedBridge(t, srv, Options{})

	_, err := b.Request(context.Background(), Request{Type: TypeOverspend})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "quota exceeded", remote.Message)
	assert.Equal(t, TypeOverspend, remote.Type)

	_, err = b.Request(context.Background(), Request{Type: TypeOverspend})
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "AI request failed", err.Error())
}

func TestRequestTimeout(t *testing.T) {
	srv := mockGateway(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	b := connectedBridge(t, srv, Options{Timeout: 150 * time.Millisecond})

	start := time.Now()
	_, err := b.Request(context.Background(), Request{Type: TypeDashboard})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	b.mu.Lock()
	assert.Empty(t, b.pending)
	assert.Empty(t, b.order)
	b.mu.Unlock()
}

func TestRequestContextCancel(t *testing.T) {
	srv := mockGateway(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	b := connectedBridge(t, srv, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Request(ctx, Request{Type: TypeAnomaly})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	b.mu.Lock()
	assert.Empty(t, b.pending)
	b.mu.Unlock()
}

func TestConcurrentSameTypeRequestsSettleIndependently(t *testing.T) {
	srv := mockGateway(t, func(conn *websocket.Conn) {
		var reqs []Request
		for len(reqs) < 2 {
			req, err := readRequest(conn)
			if err != nil {
				return
			}
			reqs = append(reqs, req)
		}
		// Answer in reverse order; correlation is by id.
		for i := len(reqs) - 1; i >= 0; i-- {
			_ = writeEvent(conn, EventResponse, Response{
				RequestID: reqs[i].RequestID,
				Type:      reqs[i].Type,
				Status:    StatusSuccess,
				Data:      rawData(reqs[i].RequestID),
			})
		}
		_, _, _ = conn.ReadMessage()
	})

	b := connectedBridge(t, srv, Options{Timeout: 5 * time.Second})

	type outcome struct {
		resp *Response
		err  error
	}
	results := make(chan outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := b.Request(context.Background(), Request{Type: TypeInsights})
			results <- outcome{resp, err}
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			require.NoError(t, res.err)
			require.Len(t, res.resp.Data, 1)
			assert.JSONEq(t, `"`+res.resp.RequestID+`"`, string(res.resp.Data[0]), "response carries its own payload")
			seen[res.resp.RequestID] = true
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for responses")
		}
	}
	assert.Len(t, seen, 2)
}

func TestLegacyResponseSettlesOldestSameTypeOnly(t *testing.T) {
	received := make(chan Request, 2)
	send := make(chan string)
	srv := mockGateway(t, func(conn *websocket.Conn) {
		go func() {
			for {
				req, err := readRequest(conn)
				if err != nil {
					return
				}
				received <- req
			}
		}()
		for payload := range send {
			// No requestId: emulates a gateway that predates correlation ids.
			if err := writeEvent(conn, EventResponse, Response{Type: TypeInsights, Status: StatusSuccess, Data: rawData(payload)}); err != nil {
				return
			}
		}
	})
	t.Cleanup(func() { close(send) })

	b := connectedBridge(t, srv, Options{Timeout: 5 * time.Second})

	type outcome struct {
		resp *Response
		err  error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	go func() {
		resp, err := b.Request(context.Background(), Request{Type: TypeInsights})
		first <- outcome{resp, err}
	}()
	firstReq := <-received

	go func() {
		resp, err := b.Request(context.Background(), Request{Type: TypeInsights})
		second <- outcome{resp, err}
	}()
	secondReq := <-received

	send <- "one"
	select {
	case res := <-first:
		require.NoError(t, res.err)
		assert.Equal(t, firstReq.RequestID, res.resp.RequestID)
		assert.JSONEq(t, `"one"`, string(res.resp.Data[0]))
	case <-time.After(2 * time.Second):
		t.Fatal("oldest request was not settled")
	}

	select {
	case <-second:
		t.Fatal("one response settled two requests")
	case <-time.After(100 * time.Millisecond):
	}

	send <- "two"
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, secondReq.RequestID, res.resp.RequestID)
		assert.JSONEq(t, `"two"`, string(res.resp.Data[0]))
	case <-time.After(2 * time.Second):
		t.Fatal("second request was not settled")
	}
}

func TestSwitchModelWhileDisconnectedIsNoop(t *testing.T) {
	b := New(NewWebSocketDialer(nil, zerolog.Nop()), token.Static("tok"), Options{Model: "claude"}, zerolog.Nop())

	require.NoError(t, b.SwitchModel("gemini"))
	assert.Equal(t, "claude", b.Model())
}

func TestCloseFlushesQueuedFrames(t *testing.T) {
	const switches = 20
	received := make(chan []string, 1)
	srv := mockGateway(t, func(conn *websocket.Conn) {
		var models []string
		defer func() { received <- models }()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := DecodeMessage(msg)
			if err != nil || env.Event != EventSwitchModel {
				continue
			}
			var sm SwitchModel
			if DecodePayload(env, &sm) == nil {
				models = append(models, sm.Model)
			}
		}
	})

	b := connectedBridge(t, srv, Options{Model: "gemini", PingInterval: time.Millisecond})
	want := make([]string, 0, switches)
	for i := 0; i < switches; i++ {
		model := fmt.Sprintf("model-%d", i)
		require.NoError(t, b.SwitchModel(model))
		want = append(want, model)
	}
	b.Close()

	select {
	case models := <-received:
		assert.Equal(t, want, models)
	case <-time.After(3 * time.Second):
		t.Fatal("gateway did not see the connection close")
	}
}

func TestSwitchModelEmitsAndAppliesToNextRequest(t *testing.T) {
	switched := make(chan string, 1)
	gotReq := make(chan Request, 1)
	srv := mockGateway(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := DecodeMessage(msg)
			if err != nil {
				continue
			}
			switch env.Event {
			case EventSwitchModel:
				var sm SwitchModel
				if DecodePayload(env, &sm) == nil {
					switched <- sm.Model
				}
			case EventRequest:
				var req Request
				if DecodePayload(env, &req) == nil {
					gotReq <- req
					_ = writeEvent(conn, EventResponse, Response{RequestID: req.RequestID, Type: req.Type, Status: StatusSuccess})
				}
			}
		}
	})

	b := connectedBridge(t, srv, Options{Model: "gemini"})
	require.NoError(t, b.SwitchModel("claude"))
	assert.Equal(t, "claude", b.Model())

	select {
	case model := <-switched:
		assert.Equal(t, "claude", model)
	case <-time.After(2 * time.Second):
		t.Fatal("switch-model not received")
	}

	_, err := b.Request(context.Background(), Request{Type: TypeRecommendations})
	require.NoError(t, err)
	assert.Equal(t, "claude", (<-gotReq).Model)
}

func TestDisconnectFailsPendingAndBlocksRequests(t *testing.T) {
	srv := mockGateway(t, func(conn *websocket.Conn) {
		_, _ = readRequest(conn)
		// Returning closes the connection with a request outstanding.
	})

	b := connectedBridge(t, srv, Options{Timeout: 5 * time.Second})

	_, err := b.Request(context.Background(), Request{Type: TypeSubscriptions})
	require.ErrorIs(t, err, ErrConnectionClosed)

	require.Eventually(t, func() bool { return b.State() == StateDisconnected }, 2*time.Second, 10*time.Millisecond)

	_, err = b.Request(context.Background(), Request{Type: TypeSubscriptions})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCloseFailsPendingAndAllowsReconnect(t *testing.T) {
	srv := mockGateway(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	b := connectedBridge(t, srv, Options{Timeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), Request{Type: TypeGoals})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.order) == 1
	}, 2*time.Second, 5*time.Millisecond)

	b.Close()
	assert.Equal(t, StateDisconnected, b.State())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on close")
	}

	require.NoError(t, b.Connect(context.Background()))
	assert.Equal(t, StateConnected, b.State())
}

func TestDialerFallsBackAndSendsBearer(t *testing.T) {
	authHeader := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := wsURL(dead)
	dead.Close()

	d := NewWebSocketDialer([]string{deadURL, wsURL(srv)}, zerolog.Nop())
	conn, endpoint, err := d.Dial(context.Background(), "tok-123")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, wsURL(srv), endpoint)
	assert.Equal(t, "Bearer tok-123", <-authHeader)
}

func TestDialerAuthRejectionStops(t *testing.T) {
	var fallbackHit bool
	reject := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer reject.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHit = true
	}))
	defer fallback.Close()

	d := NewWebSocketDialer([]string{wsURL(reject), wsURL(fallback)}, zerolog.Nop())
	_, _, err := d.Dial(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, finerrors.IsAuthError(err))
	assert.False(t, fallbackHit)
}

func TestDialerNoEndpoints(t *testing.T) {
	_, _, err := NewWebSocketDialer(nil, zerolog.Nop()).Dial(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, errors.Is(err, finerrors.ErrInvalidInput))
}

func TestProtocolRoundTripAndValidation(t *testing.T) {
	msg, err := EncodeMessage(EventSwitchModel, SwitchModel{Model: "gemini"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ai:switch-model","data":{"model":"gemini"}}`, string(msg))

	_, err = DecodeMessage([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = DecodeMessage([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	env, err := DecodeMessage([]byte(`{"event":"ai:response"}`))
	require.NoError(t, err)
	var resp Response
	assert.ErrorIs(t, DecodePayload(env, &resp), ErrMalformedMessage)

	for _, rt := range RequestTypes {
		assert.True(t, rt.Valid(), rt)
	}
	assert.False(t, RequestType("weather").Valid())
	assert.Equal(t, "connected", StateConnected.String())
}
