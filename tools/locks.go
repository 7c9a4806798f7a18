package tools

import "sync"

// SingleFlight hands out at most one lease per key. It backs the
// scheduler's overlap guard, each recurring job tries to take the lease
// for its own id before running and simply skips the run if the
// previous one still holds it.
type SingleFlight struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewSingleFlight() *SingleFlight {
	return &SingleFlight{held: map[string]struct{}{}}
}

// TryAcquire takes the lease for key if it is free. It never blocks.
func (s *SingleFlight) TryAcquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.held[key]; taken {
		return false
	}
	s.held[key] = struct{}{}
	return true
}

func (s *SingleFlight) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.held[key]; !taken {
		panic("release of lease that is not held: " + key)
	}
	delete(s.held, key)
}

func (s *SingleFlight) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, taken := s.held[key]
	return taken
}
