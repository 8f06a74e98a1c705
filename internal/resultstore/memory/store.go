// Package memory provides the in-process result store used for local
// development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/gramsight/sentiment-service/internal/analysis"
)

// Store keeps result payloads in a map keyed by reference.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// New creates an empty store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

// Put saves the payload under a reference derived from the job id.
func (s *Store) Put(_ context.Context, jobID string, payload []byte) (string, error) {
	ref := "mem://results/" + jobID
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.mu.Lock()
	s.objects[ref] = buf
	s.mu.Unlock()
	return ref, nil
}

// Get loads a payload by reference.
func (s *Store) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	buf, ok := s.objects[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, analysis.ErrNotFound
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}
