package bridge

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when the serial port is owned by someone else
var ErrBusy = errors.New("serial port busy")

// Session is the single-slot owner token for the serial port. At most one
// owner holds it; only the owner can release it.
type Session struct {
	mutex    sync.Mutex
	owner    string
	since    time.Time
	released chan struct{}
}

// NewSession creates a free token
func NewSession() *Session {
	return &Session{released: make(chan struct{})}
}

// TryAcquire takes the token if it is free. It succeeds again for the
// current owner.
func (s *Session) TryAcquire(owner string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.owner == "" {
		s.owner = owner
		s.since = time.Now()
		return true
	}
	return s.owner == owner
}

// Acquire waits for the token until ctx is done
func (s *Session) Acquire(ctx context.Context, owner string) error {
	for {
		s.mutex.Lock()
		if s.owner == "" || s.owner == owner {
			if s.owner == "" {
				s.owner = owner
				s.since = time.Now()
			}
			s.mutex.Unlock()
			return nil
		}
		released := s.released
		s.mutex.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees the token if owner holds it
func (s *Session) Release(owner string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.owner != owner || owner == "" {
		return false
	}
	s.owner = ""
	s.since = time.Time{}
	close(s.released)
	s.released = make(chan struct{})
	return true
}

// Owner returns the current owner and since when it has held the token
func (s *Session) Owner() (string, time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.owner, s.since
}
