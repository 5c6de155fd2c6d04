// Package inmemory provides a mutex-guarded map implementation of the
// coordination store, used by unit tests and the allocator's dev mode.
package inmemory

import (
	"context"
	"strings"
	"sync"

	"github.com/lke-infra/vlanctl/internal/coordstore"
)

type Store struct {
	mu   sync.Mutex
	data map[string]string
}

var _ coordstore.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{data: make(map[string]string)}
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, exists := s.data[key]
	if !exists {
		return "", coordstore.ErrKeyNotFound
	}
	return value, nil
}

func (s *Store) List(_ context.Context, prefix string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make(map[string]string)
	for key, value := range s.data {
		if strings.HasPrefix(key, prefix) {
			result[key] = value
		}
	}
	return result, nil
}

func (s *Store) Put(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *Store) Create(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; exists {
		return false, nil
	}
	s.data[key] = value
	return true, nil
}

func (s *Store) CompareAndSwap(_ context.Context, key, prev, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.data[key]
	if !exists || current != prev {
		return false, nil
	}
	s.data[key] = next
	return true, nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}
