// Package storage provides the key/value store that backs persisted client
// state (bearer token, settings). It plays the role browser local storage
// plays for a web front-end.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

// ErrEmptyKey is returned when a key is blank.
var ErrEmptyKey = errors.New("storage key is empty")

const privateDirPerm = 0o700

// Store is a string key/value store.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Close() error
}

// Change describes a key modified outside this process.
type Change struct {
	Key     string
	Value   string
	Removed bool
}

// Watcher is implemented by stores that can observe external modification.
type Watcher interface {
	Watch(ctx context.Context, fn func(Change)) error
}

// Backend names understood by Open.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Open returns the store for the named backend rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendSQLite, "":
		return NewSQLiteStore(dir)
	case BackendFile:
		return NewFileStore(dir)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, privateDirPerm)
}
