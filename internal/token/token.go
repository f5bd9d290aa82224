// Package token reads the bearer token persisted by the sign-in flow and
// extracts the user identifier from its payload.
//
// Decoding here performs no signature verification. The same token is
// validated by the server on every privileged call; nothing in this package
// is an authentication mechanism.
package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rcourtman/finpulse/internal/storage"
)

// StorageKey is the storage key the bearer token lives under.
const StorageKey = "token"

var (
	ErrNoToken      = errors.New("no authentication token")
	ErrInvalidToken = errors.New("invalid authentication token")
)

// Claims is the part of the token payload this client reads.
type Claims struct {
	UserID UserID `json:"userId"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// UserID is the userId claim. Issuers send it as a string or a number.
type UserID string

func (u *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*u = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("userId must be a string or number: %w", err)
	}
	*u = UserID(n.String())
	return nil
}

// Source yields the current bearer token.
type Source interface {
	Token() (string, bool)
}

// Store reads and writes the bearer token in a storage.Store.
type Store struct {
	store storage.Store
}

// NewStore wraps s.
func NewStore(s storage.Store) *Store {
	return &Store{store: s}
}

// Token returns the stored token. Storage errors count as "no token".
func (s *Store) Token() (string, bool) {
	if s == nil || s.store == nil {
		return "", false
	}
	v, ok, err := s.store.Get(StorageKey)
	if err != nil || !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Set persists a new token.
func (s *Store) Set(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}
	return s.store.Set(StorageKey, token)
}

// Clear removes the stored token.
func (s *Store) Clear() error {
	return s.store.Remove(StorageKey)
}

// Static is a Source returning a fixed token.
type Static string

func (t Static) Token() (string, bool) {
	return string(t), t != ""
}

// Decode parses the token payload without verifying its signature.
func Decode(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrNoToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// DecodeUserID returns the userId claim of raw.
func DecodeUserID(raw string) (string, error) {
	claims, err := Decode(raw)
	if err != nil {
		return "", err
	}
	userID := strings.TrimSpace(string(claims.UserID))
	if userID == "" {
		return "", fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}
	return userID, nil
}
