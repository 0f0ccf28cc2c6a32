package host

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrSessionNotRunning is returned when input arrives while the shared
// terminal is down.
var ErrSessionNotRunning = errors.New("host: shared session is not running")

const memberBuffer = 256

// Member is one client attached to the shared session.
type Member struct {
	out chan string
}

// Output delivers session output in order. It is closed when the member is
// dropped or the session ends.
func (m *Member) Output() <-chan string {
	return m.out
}

// SharedSession multiplexes one terminal to any number of clients. It starts
// with the first client and restarts on the next join after the terminal
// ends.
type SharedSession struct {
	backend Backend

	mu      sync.Mutex
	term    Terminal
	members map[*Member]struct{}
}

// NewSharedSession returns a stopped session backed by backend.
func NewSharedSession(backend Backend) *SharedSession {
	return &SharedSession{
		backend: backend,
		members: make(map[*Member]struct{}),
	}
}

// Join attaches a new member. Its first output is a snapshot of recent
// terminal content, followed by live output.
func (s *SharedSession) Join(ctx context.Context) (*Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.term == nil {
		term, err := s.backend.StartShared(ctx)
		if err != nil {
			return nil, fmt.Errorf("start shared session: %w", err)
		}
		s.term = term
		go s.readLoop(term)
		log.Printf("Shared session started")
	}

	member := &Member{out: make(chan string, memberBuffer)}
	// The lock is held across the snapshot so no live output can overtake it.
	snapshot, err := s.backend.Snapshot(ctx)
	if err != nil {
		log.Printf("Shared session snapshot failed: %v", err)
	} else if snapshot != "" {
		member.out <- snapshot
	}
	s.members[member] = struct{}{}
	return member, nil
}

// Leave detaches member.
func (s *SharedSession) Leave(member *Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(member)
}

// Write sends client input to the terminal.
func (s *SharedSession) Write(data []byte) error {
	s.mu.Lock()
	term := s.term
	s.mu.Unlock()

	if term == nil {
		return ErrSessionNotRunning
	}
	if _, err := term.Write(data); err != nil {
		return fmt.Errorf("write shared session: %w", err)
	}
	return nil
}

// Members reports how many clients are attached.
func (s *SharedSession) Members() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Close stops the terminal and drops every member.
func (s *SharedSession) Close() error {
	s.mu.Lock()
	term := s.term
	s.term = nil
	for member := range s.members {
		s.dropLocked(member)
	}
	s.mu.Unlock()

	if term == nil {
		return nil
	}
	return term.Close()
}

func (s *SharedSession) readLoop(term Terminal) {
	var decoder textDecoder
	buf := make([]byte, 4096)
	for {
		n, err := term.Read(buf)
		if n > 0 {
			if text := decoder.decode(buf[:n]); text != "" {
				s.broadcast(text)
			}
		}
		if err != nil {
			s.stop(term, err)
			return
		}
	}
}

func (s *SharedSession) broadcast(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for member := range s.members {
		select {
		case member.out <- text:
		default:
			log.Printf("Dropping shared session client that fell behind")
			s.dropLocked(member)
		}
	}
}

func (s *SharedSession) stop(term Terminal, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.term != term {
		return
	}
	s.term = nil
	_ = term.Close()
	for member := range s.members {
		s.dropLocked(member)
	}
	log.Printf("Shared session ended: %v", err)
}

func (s *SharedSession) dropLocked(member *Member) {
	if _, ok := s.members[member]; !ok {
		return
	}
	delete(s.members, member)
	close(member.out)
}
