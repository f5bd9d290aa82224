// Package websocket serves the AI gateway protocol for local development
// and tests. Each connection answers ai:request events through a Handler,
// emitting an ai:progress event before every ai:response.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/finpulse/internal/aibridge"
	"github.com/rcourtman/finpulse/internal/logging"
	"github.com/rcourtman/finpulse/internal/token"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler produces the data array for one AI request. A returned error is
// sent to the client as an error response carrying err.Error().
type Handler func(ctx context.Context, req aibridge.Request) ([]any, error)

// Client represents one bridge connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	userID string
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	model string
}

// Hub tracks gateway connections.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	handler    Handler
	done       chan struct{}

	echoRequestID bool
	progress      bool
	switches      []string
}

// Option configures a Hub.
type Option func(*Hub)

// WithoutRequestID makes the hub omit requestId from responses and progress
// events, like gateways that predate correlation ids.
func WithoutRequestID() Option {
	return func(h *Hub) { h.echoRequestID = false }
}

// WithoutProgress disables ai:progress events.
func WithoutProgress() Option {
	return func(h *Hub) { h.progress = false }
}

// NewHub creates a hub answering requests with handler.
func NewHub(handler Handler, opts ...Option) *Hub {
	h := &Hub{
		clients:       make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		handler:       handler,
		done:          make(chan struct{}),
		echoRequestID: true,
		progress:      true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub's main loop. Blocks until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Str("user", client.userID).Msg("AI gateway client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.cancel()
				close(client.send)
				h.mu.Unlock()
				log.Info().Str("client", client.id).Msg("AI gateway client disconnected")
			} else {
				h.mu.Unlock()
			}

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				client.cancel()
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// HandleWebSocket authenticates and upgrades a bridge connection. The bearer
// token must carry a userId claim; its signature is not checked.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearerToken(r)
	if !ok {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	userID, err := token.DecodeUserID(raw)
	if err != nil {
		http.Error(w, "invalid bearer token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade AI gateway connection")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		id:     generateClientID(),
		userID: userID,
		ctx:    ctx,
		cancel: cancel,
	}

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ModelSwitches returns every model received through ai:switch-model, in
// arrival order.
func (h *Hub) ModelSwitches() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.switches))
	copy(out, h.switches)
	return out
}

func (h *Hub) recordSwitch(model string) {
	h.mu.Lock()
	h.switches = append(h.switches, model)
	h.mu.Unlock()
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(header[7:])
	return tok, tok != ""
}

// readPump handles incoming events from the client
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", c.id).Msg("AI gateway read error")
			} else {
				log.Debug().Err(err).Str("client", c.id).Msg("AI gateway connection closed")
			}
			return
		}
		// Any client frame proves liveness.
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := aibridge.DecodeMessage(message)
		if err != nil {
			log.Warn().Err(err).Str("client", c.id).Msg("Failed to decode AI gateway message")
			continue
		}

		switch env.Event {
		case aibridge.EventRequest:
			var req aibridge.Request
			if err := aibridge.DecodePayload(env, &req); err != nil {
				log.Warn().Err(err).Str("client", c.id).Msg("Failed to decode AI request")
				continue
			}
			go c.handleRequest(req)

		case aibridge.EventSwitchModel:
			var sm aibridge.SwitchModel
			if err := aibridge.DecodePayload(env, &sm); err != nil {
				log.Warn().Err(err).Str("client", c.id).Msg("Failed to decode model switch")
				continue
			}
			c.mu.Lock()
			c.model = sm.Model
			c.mu.Unlock()
			c.hub.recordSwitch(sm.Model)
			log.Info().Str("client", c.id).Str("model", sm.Model).Msg("Client switched AI model")

		default:
			log.Debug().Str("client", c.id).Str("event", env.Event).Msg("Ignoring AI gateway event")
		}
	}
}

func (c *Client) handleRequest(req aibridge.Request) {
	model := req.Model
	if model == "" {
		c.mu.Lock()
		model = c.model
		c.mu.Unlock()
	}

	ctx, _ := logging.WithRequestID(c.ctx, req.RequestID)
	reqLog := logging.FromContext(ctx, log.Logger).With().Str("client", c.id).Str("type", string(req.Type)).Logger()

	requestID := req.RequestID
	if !c.hub.echoRequestID {
		requestID = ""
	}

	if c.hub.progress {
		c.emit(aibridge.EventProgress, aibridge.Progress{
			RequestID: requestID,
			Type:      req.Type,
			Status:    aibridge.StatusProcessing,
			Model:     model,
		})
	}

	resp := aibridge.Response{
		RequestID: requestID,
		Type:      req.Type,
		Status:    aibridge.StatusSuccess,
		Model:     model,
		Data:      []json.RawMessage{},
	}

	data, err := c.answer(ctx, req)
	if err != nil {
		reqLog.Debug().Err(err).Msg("AI request failed")
		resp.Status = aibridge.StatusError
		resp.Message = err.Error()
	} else {
		resp.Data = data
	}

	if c.hub.progress {
		status := aibridge.StatusComplete
		if err != nil {
			status = aibridge.StatusError
		}
		c.emit(aibridge.EventProgress, aibridge.Progress{
			RequestID: requestID,
			Type:      req.Type,
			Status:    status,
			Model:     model,
		})
	}
	c.emit(aibridge.EventResponse, resp)
	reqLog.Debug().Str("status", resp.Status).Int("items", len(resp.Data)).Msg("AI request answered")
}

func (c *Client) answer(ctx context.Context, req aibridge.Request) ([]json.RawMessage, error) {
	if req.UserID != c.userID {
		return nil, fmt.Errorf("user mismatch")
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("unsupported request type %q", req.Type)
	}
	if c.hub.handler == nil {
		return nil, fmt.Errorf("no handler configured")
	}

	items, err := c.hub.handler(ctx, req)
	if err != nil {
		return nil, err
	}

	data := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		encoded, err := json.Marshal(sanitizeData(item))
		if err != nil {
			log.Error().Err(err).Str("client", c.id).Msg("Failed to marshal AI result item")
			return nil, fmt.Errorf("encode result: %w", err)
		}
		data = append(data, encoded)
	}
	return data, nil
}

func (c *Client) emit(event string, payload any) {
	msg, err := aibridge.EncodeMessage(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to encode AI gateway message")
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Warn().Str("client", c.id).Str("event", event).Msg("Client send buffer full, dropping message")
	}
}

// writePump handles outgoing messages to the client
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("client", c.id).Msg("Failed to write AI gateway message")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// generateClientID generates a unique client ID
func generateClientID() string {
	return fmt.Sprintf("client-%d", time.Now().UnixNano())
}

// sanitizeData replaces NaN and Inf float values, which JSON cannot encode.
func sanitizeData(data interface{}) interface{} {
	if data == nil {
		return nil
	}

	switch data.(type) {
	case map[string]interface{}, []interface{}, float64, float32:
		return sanitizeValue(data)
	}

	return data
}

func sanitizeValue(data interface{}) interface{} {
	switch v := data.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0.0
		}
		return v
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return float32(0)
		}
		return v
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, val := range v {
			result[key] = sanitizeValue(val)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, val := range v {
			result[i] = sanitizeValue(val)
		}
		return result
	default:
		return v
	}
}
