package uploader

import "sync"

// TaskScheduler is the collaborator that actually dispatches chunks and
// enforces the concurrency limit. The control core only recommends; the
// scheduler applies.
type TaskScheduler interface {
	Concurrency() int
	SetConcurrency(n int)
	Pause()
	Resume()
	Paused() bool
}

// SimpleScheduler is a minimal in-process TaskScheduler for tests and the
// CLI. It tracks the limit without dispatching anything itself.
type SimpleScheduler struct {
	mu          sync.Mutex
	concurrency int
	paused      bool
}

// NewSimpleScheduler creates a scheduler with the given starting limit.
func NewSimpleScheduler(concurrency int) *SimpleScheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &SimpleScheduler{concurrency: concurrency}
}

// Concurrency returns the current limit.
func (s *SimpleScheduler) Concurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency
}

// SetConcurrency applies a new limit.
func (s *SimpleScheduler) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.concurrency = n
}

// Pause halts dispatching.
func (s *SimpleScheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume continues dispatching.
func (s *SimpleScheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Paused reports whether dispatching is halted.
func (s *SimpleScheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}
