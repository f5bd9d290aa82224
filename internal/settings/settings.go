// Package settings holds the user's display and AI preferences. Values are
// initialised from storage and written back on every change.
package settings

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rcourtman/finpulse/internal/storage"
)

// Storage keys.
const (
	KeyCurrency = "currency"
	KeyLocale   = "locale"
	KeyAIModel  = "aiModel"
)

// Defaults used when storage has no value.
const (
	DefaultCurrency = "USD"
	DefaultLocale   = "en-US"
	DefaultAIModel  = "gemini"
)

// Settings is a point-in-time copy of the preferences.
type Settings struct {
	Currency string `json:"currency"`
	Locale   string `json:"locale"`
	AIModel  string `json:"aiModel"`
}

// Store is the process-wide settings holder. Safe for concurrent use.
type Store struct {
	backend storage.Store
	logger  zerolog.Logger

	mu       sync.RWMutex
	current  Settings
	onChange []func(Settings)
}

// Load builds a Store from backend, falling back to defaults for missing or
// unreadable keys.
func Load(backend storage.Store, logger zerolog.Logger) *Store {
	s := &Store{
		backend: backend,
		logger:  logger,
		current: Settings{
			Currency: DefaultCurrency,
			Locale:   DefaultLocale,
			AIModel:  DefaultAIModel,
		},
	}

	s.current.Currency = s.read(KeyCurrency, DefaultCurrency)
	s.current.Locale = s.read(KeyLocale, DefaultLocale)
	s.current.AIModel = s.read(KeyAIModel, DefaultAIModel)
	return s
}

func (s *Store) read(key, fallback string) string {
	v, ok, err := s.backend.Get(key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to read setting, using default")
		return fallback
	}
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// Snapshot returns a copy of the current settings.
func (s *Store) Snapshot() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) Currency() string { return s.Snapshot().Currency }
func (s *Store) Locale() string   { return s.Snapshot().Locale }
func (s *Store) AIModel() string  { return s.Snapshot().AIModel }

// SetCurrency updates and persists the ISO 4217 currency code.
func (s *Store) SetCurrency(code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return fmt.Errorf("invalid currency code %q", code)
	}
	return s.set(KeyCurrency, code, func(st *Settings) { st.Currency = code })
}

// SetLocale updates and persists the BCP 47 locale tag.
func (s *Store) SetLocale(locale string) error {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return fmt.Errorf("locale is required")
	}
	return s.set(KeyLocale, locale, func(st *Settings) { st.Locale = locale })
}

// SetAIModel updates and persists the selected AI model.
func (s *Store) SetAIModel(model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("model is required")
	}
	return s.set(KeyAIModel, model, func(st *Settings) { st.AIModel = model })
}

// OnChange registers fn to run after every successful update, including
// updates picked up through Watch.
func (s *Store) OnChange(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

func (s *Store) set(key, value string, apply func(*Settings)) error {
	s.mu.Lock()
	if err := s.backend.Set(key, value); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist %s: %w", key, err)
	}
	apply(&s.current)
	snapshot := s.current
	callbacks := append([](func(Settings))(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Debug().Str("key", key).Str("value", value).Msg("Setting updated")
	for _, cb := range callbacks {
		cb(snapshot)
	}
	return nil
}

// Watch applies changes made to the backing storage by other processes.
// It is a no-op for backends that cannot be watched.
func (s *Store) Watch(ctx context.Context) error {
	w, ok := s.backend.(storage.Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, s.applyExternal)
}

func (s *Store) applyExternal(change storage.Change) {
	value := change.Value
	s.mu.Lock()
	switch change.Key {
	case KeyCurrency:
		if change.Removed || value == "" {
			value = DefaultCurrency
		}
		s.current.Currency = value
	case KeyLocale:
		if change.Removed || value == "" {
			value = DefaultLocale
		}
		s.current.Locale = value
	case KeyAIModel:
		if change.Removed || value == "" {
			value = DefaultAIModel
		}
		s.current.AIModel = value
	default:
		s.mu.Unlock()
		return
	}
	snapshot := s.current
	callbacks := append([](func(Settings))(nil), s.onChange...)
	s.mu.Unlock()

	s.logger.Info().Str("key", change.Key).Str("value", value).Msg("Setting changed externally")
	for _, cb := range callbacks {
		cb(snapshot)
	}
}
