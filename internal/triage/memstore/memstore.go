// Package memstore provides an in-memory implementation of triage.RecordStore.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/linnemanlabs/underwrite/internal/triage"
)

// Store holds triage records in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string][]byte // record name -> content
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string][]byte),
	}
}

// Write stores a copy of content under name, replacing any previous record.
func (s *Store) Write(_ context.Context, name string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = append([]byte(nil), content...)
	return nil
}

// Read returns a copy of the record stored under name.
func (s *Store) Read(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", triage.ErrRecordNotFound, name)
	}
	return append([]byte(nil), b...), nil
}

// Names returns the stored record names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for n := range s.records {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
