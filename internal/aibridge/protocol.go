package aibridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names carried in the envelope.
const (
	EventRequest     = "ai:request"
	EventSwitchModel = "ai:switch-model"
	EventResponse    = "ai:response"
	EventProgress    = "ai:progress"
)

// Response and progress statuses.
const (
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusProcessing = "processing"
	StatusComplete   = "complete"
)

// RequestType selects the analysis the gateway runs.
type RequestType string

const (
	TypeInsights        RequestType = "insights"
	TypeRecommendations RequestType = "recommendations"
	TypeDashboard       RequestType = "dashboard"
	TypeOverspend       RequestType = "overspend"
	TypeGoals           RequestType = "goals"
	TypeAnomaly         RequestType = "anomaly"
	TypeSubscriptions   RequestType = "subscriptions"
)

// RequestTypes lists every known request type.
var RequestTypes = []RequestType{
	TypeInsights,
	TypeRecommendations,
	TypeDashboard,
	TypeOverspend,
	TypeGoals,
	TypeAnomaly,
	TypeSubscriptions,
}

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	for _, known := range RequestTypes {
		if t == known {
			return true
		}
	}
	return false
}

var ErrMalformedMessage = errors.New("malformed message")

// Envelope is the JSON text frame exchanged with the gateway.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Request is what callers pass to Bridge.Request. RequestID and UserID are
// filled in by the bridge.
type Request struct {
	RequestID string      `json:"requestId"`
	Type      RequestType `json:"type"`
	Model     string      `json:"model,omitempty"`
	UserID    string      `json:"userId"`
}

// SwitchModel is the payload of ai:switch-model.
type SwitchModel struct {
	Model string `json:"model"`
}

// Response is the payload of ai:response. Servers that predate request IDs
// leave RequestID empty.
type Response struct {
	RequestID string            `json:"requestId,omitempty"`
	Type      RequestType       `json:"type"`
	Data      []json.RawMessage `json:"data"`
	Status    string            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Model     string            `json:"model,omitempty"`
}

// Progress is the payload of ai:progress.
type Progress struct {
	RequestID string      `json:"requestId,omitempty"`
	Type      RequestType `json:"type"`
	Status    string      `json:"status"`
	Message   string      `json:"message,omitempty"`
	Model     string      `json:"model,omitempty"`
}

// EncodeMessage wraps payload in an envelope for event.
func EncodeMessage(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// DecodeMessage parses an envelope. The payload is left raw.
func DecodeMessage(msg []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformedMessage)
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func DecodePayload(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrMalformedMessage, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.Event, err)
	}
	return nil
}
