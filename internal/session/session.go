package session

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Side identifies which listener a connection arrived on.
type Side string

const (
	SideTarget Side = "target"
	SideClient Side = "client"
)

// State describes a session lifecycle phase.
type State string

const (
	StatePending State = "pending"
	StatePaired  State = "paired"
	StateClosed  State = "closed"
)

// Session is one pipe's pairing point. The source is the target-side
// connection and the destination is the client-side connection.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu               sync.Mutex
	state            State
	source           net.Conn
	sourceReady      bool
	destination      net.Conn
	destinationReady bool
	pairedAt         time.Time
	closedAt         time.Time

	toClient atomic.Int64
	toTarget atomic.Int64

	relayOnce sync.Once
	done      chan struct{}
}

// Info is a point-in-time view of a session for admin listings.
type Info struct {
	ID          string    `json:"pipe"`
	State       State     `json:"state"`
	Target      string    `json:"target,omitempty"`
	Client      string    `json:"client,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	PairedAt    time.Time `json:"paired_at,omitempty"`
	BytesClient int64     `json:"bytes_to_client"`
	BytesTarget int64     `json:"bytes_to_target"`
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		state:     StatePending,
		done:      make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conns returns the attached connections; either may be nil while pending.
func (s *Session) Conns() (source, destination net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source, s.destination
}

// Relayable reports whether both sides are attached and ready.
func (s *Session) Relayable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayableLocked()
}

func (s *Session) relayableLocked() bool {
	return s.source != nil && s.destination != nil && s.sourceReady && s.destinationReady
}

func (s *Session) PairedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairedAt
}

// attach fills one slot. The caller holds the registry lock.
func (s *Session) attach(side Side, conn net.Conn, now time.Time) (paired bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StatePaired:
		return false, ErrAlreadyPaired
	case StateClosed:
		return false, ErrClosed
	}
	switch side {
	case SideTarget:
		if s.source != nil {
			return false, ErrAlreadyAttached
		}
		s.source = conn
		s.sourceReady = true
	case SideClient:
		if s.destination != nil {
			return false, ErrAlreadyAttached
		}
		s.destination = conn
		s.destinationReady = true
	default:
		return false, ErrUnknownSide
	}
	if s.relayableLocked() {
		s.state = StatePaired
		s.pairedAt = now
		return true, nil
	}
	return false, nil
}

// holds reports whether the pending session carries a connection from side.
func (s *Session) holds(side Side) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePending {
		return false
	}
	if side == SideTarget {
		return s.source != nil
	}
	return s.destination != nil
}

// Close closes both connections and marks the session closed. Safe to call
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.closedAt = time.Now()
	source, destination := s.source, s.destination
	close(s.done)
	s.mu.Unlock()

	var firstErr error
	for _, c := range []net.Conn{source, destination} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// StartOnce runs fn at most once per session.
func (s *Session) StartOnce(fn func()) bool {
	started := false
	s.relayOnce.Do(func() {
		started = true
		fn()
	})
	return started
}

// AddToClient counts bytes relayed source -> destination.
func (s *Session) AddToClient(n int64) { s.toClient.Add(n) }

// AddToTarget counts bytes relayed destination -> source.
func (s *Session) AddToTarget(n int64) { s.toTarget.Add(n) }

func (s *Session) Bytes() (toClient, toTarget int64) {
	return s.toClient.Load(), s.toTarget.Load()
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:          s.ID,
		State:       s.state,
		CreatedAt:   s.CreatedAt,
		PairedAt:    s.pairedAt,
		BytesClient: s.toClient.Load(),
		BytesTarget: s.toTarget.Load(),
	}
	if s.source != nil {
		info.Target = s.source.RemoteAddr().String()
	}
	if s.destination != nil {
		info.Client = s.destination.RemoteAddr().String()
	}
	return info
}
