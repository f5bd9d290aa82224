package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	storeFileName = "storage.json"
	storeFilePerm = 0o600

	watchDebounce = 50 * time.Millisecond
)

// FileStore keeps values in a JSON document. Every mutation rewrites the
// document atomically so other processes sharing the file never observe a
// partial write.
type FileStore struct {
	path string

	mu     sync.Mutex
	values map[string]string
	closed bool
}

// NewFileStore loads (or creates) the store document in dir.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("dir is required")
	}
	dir = filepath.Clean(dir)
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	s := &FileStore{path: filepath.Join(dir, storeFileName)}
	values, err := s.readFile()
	if err != nil {
		return nil, err
	}
	s.values = values
	return s, nil
}

// Path returns the location of the backing document.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *FileStore) Set(key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	prev, had := s.values[key]
	s.values[key] = value
	if err := s.writeLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	prev, had := s.values[key]
	if !had {
		return nil
	}
	delete(s.values, key)
	if err := s.writeLocked(); err != nil {
		s.values[key] = prev
		return err
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Watch reports keys changed by other writers of the backing document until
// ctx is cancelled. Changes made through this store are not reported.
func (s *FileStore) Watch(ctx context.Context, fn func(Change)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create storage watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch storage dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != s.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				// Debounce - wait a bit for write to complete
				time.Sleep(watchDebounce)
				for _, change := range s.reload() {
					fn(change)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Str("path", s.path).Msg("Storage watcher error")
			}
		}
	}()
	return nil
}

// reload re-reads the document and returns the keys that differ from memory.
func (s *FileStore) reload() []Change {
	fresh, err := s.readFile()
	if err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to reload storage file")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	var changes []Change
	for k, v := range fresh {
		if old, ok := s.values[k]; !ok || old != v {
			changes = append(changes, Change{Key: k, Value: v})
		}
	}
	for k := range s.values {
		if _, ok := fresh[k]; !ok {
			changes = append(changes, Change{Key: k, Removed: true})
		}
	}
	s.values = fresh
	return changes
}

func (s *FileStore) readFile() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read storage file: %w", err)
	}

	values := make(map[string]string)
	if len(strings.TrimSpace(string(data))) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode storage file %s: %w", s.path, err)
	}
	return values, nil
}

func (s *FileStore) writeLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode storage file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+storeFileName+".*")
	if err != nil {
		return fmt.Errorf("create temp storage file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp storage file: %w", err)
	}
	if err := tmp.Chmod(storeFilePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("secure temp storage file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp storage file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace storage file: %w", err)
	}
	return nil
}
