// Package kv stores named JSON blobs. It backs conversion history and
// presets; callers own the shape of what they store.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrConflict is returned when an Update keeps losing to concurrent writers.
var ErrConflict = errors.New("blob updated concurrently")

// UpdateFunc receives the stored JSON (nil when absent) and returns the
// replacement.
type UpdateFunc func(current []byte) ([]byte, error)

type Store interface {
	Get(ctx context.Context, name string, into any) (bool, error)
	Set(ctx context.Context, name string, value any) error
	Delete(ctx context.Context, name string) error
	// Update replaces a blob atomically with respect to every other writer
	// of the same store, across processes for the shared backends.
	Update(ctx context.Context, name string, fn UpdateFunc) error
}

// UpdateJSON decodes the blob into a T, lets fn change it, and stores the
// result through Store.Update. fn may run more than once.
func UpdateJSON[T any](ctx context.Context, s Store, name string, fn func(v *T) error) error {
	return s.Update(ctx, name, func(current []byte) ([]byte, error) {
		var v T
		if len(current) > 0 {
			if err := json.Unmarshal(current, &v); err != nil {
				return nil, fmt.Errorf("unmarshal %s: %w", name, err)
			}
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", name, err)
		}
		return raw, nil
	})
}

type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, name string, into any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.blobs[name]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}

func (s *MemoryStore) Set(_ context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	s.mu.Lock()
	s.blobs[name] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, name string, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(s.blobs[name])
	if err != nil {
		return err
	}
	s.blobs[name] = next
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.blobs, name)
	s.mu.Unlock()
	return nil
}
