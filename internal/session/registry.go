package session

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry maps pipes to sessions. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// GetOrCreate returns the session for id, creating a pending one if absent.
func (r *Registry) GetOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(id)
}

func (r *Registry) getOrCreateLocked(id string) *Session {
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := newSession(id, r.now())
	r.sessions[id] = s
	return s
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove drops id from the registry without closing it. Returns the removed session.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return s
}

// Release removes s only if it is still the session registered under its id.
func (r *Registry) Release(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
		return true
	}
	return false
}

// ForEach visits sessions in no particular order until fn returns false.
// fn runs outside the registry lock.
func (r *Registry) ForEach(fn func(*Session) bool) {
	for _, s := range r.list() {
		if !fn(s) {
			return
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns session views sorted by creation time.
func (r *Registry) Snapshot() []Info {
	sessions := r.list()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) list() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// AttachTarget attaches conn as the source of id, creating the session if
// needed. paired is true for exactly one caller per session: the one whose
// attach completed the pair and must start the relay.
func (r *Registry) AttachTarget(id string, conn net.Conn) (*Session, bool, error) {
	return r.attach(id, SideTarget, conn, true)
}

// AttachClient attaches conn as the destination of id, creating the session if needed.
func (r *Registry) AttachClient(id string, conn net.Conn) (*Session, bool, error) {
	return r.attach(id, SideClient, conn, true)
}

// AttachTargetExisting attaches conn as the source of an existing session.
// It returns ErrNotFound when no client has opened the pipe yet.
func (r *Registry) AttachTargetExisting(id string, conn net.Conn) (*Session, bool, error) {
	return r.attach(id, SideTarget, conn, false)
}

func (r *Registry) attach(id string, side Side, conn net.Conn, create bool) (*Session, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, ErrEmptyPipe
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var s *Session
	if create {
		s = r.getOrCreateLocked(id)
	} else {
		existing, ok := r.sessions[id]
		if !ok {
			return nil, false, ErrNotFound
		}
		s = existing
	}
	paired, err := s.attach(side, conn, r.now())
	if err != nil {
		return s, false, err
	}
	return s, paired, nil
}

// Reap removes and closes pending sessions created more than maxAge before now.
func (r *Registry) Reap(now time.Time, maxAge time.Duration) []*Session {
	r.mu.Lock()
	var expired []*Session
	for id, s := range r.sessions {
		if s.State() != StatePending {
			continue
		}
		if now.Sub(s.CreatedAt) < maxAge {
			continue
		}
		delete(r.sessions, id)
		expired = append(expired, s)
	}
	r.mu.Unlock()

	for _, s := range expired {
		_ = s.Close()
	}
	return expired
}

// RunReaper calls Reap every interval until ctx is done.
func (r *Registry) RunReaper(ctx context.Context, interval, maxAge time.Duration, logger zerolog.Logger) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range r.Reap(now, maxAge) {
				logger.Info().
					Str("pipe", s.ID).
					Dur("age", now.Sub(s.CreatedAt)).
					Msg("session.reap pending pipe expired")
			}
		}
	}
}

// Sweep removes and closes every pending session holding a connection that
// arrived through owner. Paired sessions belong to the relay and are kept.
func (r *Registry) Sweep(owner Side) []*Session {
	r.mu.Lock()
	var swept []*Session
	for id, s := range r.sessions {
		if !s.holds(owner) {
			continue
		}
		delete(r.sessions, id)
		swept = append(swept, s)
	}
	r.mu.Unlock()

	for _, s := range swept {
		_ = s.Close()
	}
	return swept
}

// CloseAll removes and closes every session.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		delete(r.sessions, id)
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}
	return len(all)
}
