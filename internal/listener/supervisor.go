package listener

import (
	"context"
	"net"
	"time"

	"github.com/danmuck/pipebroker/internal/observability"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

// ListenFunc opens the listening socket for a (re)start.
type ListenFunc func(network, addr string) (net.Listener, error)

// Supervisor keeps one Listener serving, reopening its socket with backoff
// whenever the accept loop fails.
type Supervisor struct {
	Listener Listener
	Listen   ListenFunc
	Backoff  *backoff.Backoff
	Logger   zerolog.Logger
}

func NewSupervisor(l Listener, minDelay, maxDelay time.Duration, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		Listener: l,
		Listen:   net.Listen,
		Backoff:  &backoff.Backoff{Min: minDelay, Max: maxDelay, Factor: 2, Jitter: true},
		Logger:   logger.With().Str("side", string(l.Side())).Logger(),
	}
}

// Run serves until ctx is done. ln, when non-nil, is used for the first
// round so startup bind errors stay with the caller.
func (s *Supervisor) Run(ctx context.Context, ln net.Listener) error {
	listen := s.Listen
	if listen == nil {
		listen = net.Listen
	}
	b := s.Backoff
	if b == nil {
		b = &backoff.Backoff{}
	}
	for {
		if ln == nil {
			var err error
			ln, err = listen("tcp", s.Listener.Addr())
			if err != nil {
				d := b.Duration()
				s.Logger.Warn().Err(err).Float64("attempt", b.Attempt()).Dur("retry_in", d).Msg("listener.supervisor bind failed")
				if !sleepCtx(ctx, d) {
					return nil
				}
				continue
			}
		}

		started := time.Now()
		err := s.Listener.Serve(ctx, ln)
		ln = nil
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > b.Max {
			b.Reset()
		}
		observability.RecordListenerRestart(string(s.Listener.Side()))
		d := b.Duration()
		s.Logger.Error().Err(err).Dur("retry_in", d).Msg("listener.supervisor serve ended, restarting")
		if !sleepCtx(ctx, d) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
