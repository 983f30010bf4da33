package sensor

import (
	"context"
	"sync"
)

// HTTPSource is fed by the operator API: readings posted to /readings are
// dispatched to whichever listener is subscribed.
type HTTPSource struct {
	mu       sync.RWMutex
	listener Listener
}

// NewHTTPSource creates an HTTPSource with no listener.
func NewHTTPSource() *HTTPSource {
	return &HTTPSource{}
}

// Subscribe sets the listener.
func (s *HTTPSource) Subscribe(_ context.Context, l Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return ErrSubscribed
	}
	s.listener = l
	return nil
}

// Unsubscribe clears the listener.
func (s *HTTPSource) Unsubscribe() error {
	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
	return nil
}

// Ingest dispatches r. It fails with ErrNotSubscribed when nobody listens.
func (s *HTTPSource) Ingest(r Reading) error {
	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l == nil {
		return ErrNotSubscribed
	}
	return Dispatch(l, r)
}
