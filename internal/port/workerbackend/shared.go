package workerbackend

import "sync"

// Shared lazily holds one Backend for the whole process so that every
// component observes the same instance.
type Shared struct {
	mu      sync.Mutex
	backend Backend
	build   func() (Backend, error)
}

// NewShared creates a holder that builds its backend on first Get.
func NewShared(build func() (Backend, error)) *Shared {
	return &Shared{build: build}
}

// Get returns the held backend, building it on first use.
func (s *Shared) Get() (Backend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		return s.backend, nil
	}
	b, err := s.build()
	if err != nil {
		return nil, err
	}
	s.backend = b
	return b, nil
}

// Set replaces the held backend.
func (s *Shared) Set(b Backend) {
	s.mu.Lock()
	s.backend = b
	s.mu.Unlock()
}

// Reset drops the held backend so the next Get rebuilds it.
func (s *Shared) Reset() {
	s.mu.Lock()
	s.backend = nil
	s.mu.Unlock()
}
