package listener

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pipebroker/internal/observability"
	"github.com/danmuck/pipebroker/internal/protocol"
	"github.com/danmuck/pipebroker/internal/protocol/frame"
	"github.com/danmuck/pipebroker/internal/relay"
	"github.com/danmuck/pipebroker/internal/session"
	"github.com/rs/zerolog"
)

// Config is shared by both listeners. AckWriteTimeout bounds the
// connect-success write to the target.
type Config struct {
	Addr             string
	HandshakeTimeout time.Duration
	AckWriteTimeout  time.Duration
	Limits           frame.Limits
}

func DefaultConfig(addr string) Config {
	return Config{
		Addr:             addr,
		HandshakeTimeout: 30 * time.Second,
		AckWriteTimeout:  10 * time.Second,
		Limits:           frame.DefaultLimits(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Addr)
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.AckWriteTimeout <= 0 {
		c.AckWriteTimeout = def.AckWriteTimeout
	}
	if c.Limits.MaxBodyBytes <= 0 {
		c.Limits = def.Limits
	}
	return c
}

// Listener is one pairing accept loop.
type Listener interface {
	Side() session.Side
	Addr() string
	Serve(ctx context.Context, ln net.Listener) error
}

// base holds what the target and client listeners share: connection
// tracking, the accept loop and the pairing completion sequence.
type base struct {
	side  session.Side
	cfg   Config
	reg   *session.Registry
	relay *relay.Engine
	log   zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup

	handshaking atomic.Int64
}

func newBase(side session.Side, cfg Config, reg *session.Registry, engine *relay.Engine, logger zerolog.Logger) *base {
	return &base{
		side:  side,
		cfg:   cfg.withDefaults(),
		reg:   reg,
		relay: engine,
		log:   logger.With().Str("side", string(side)).Logger(),
		conns: make(map[net.Conn]struct{}),
	}
}

func (b *base) Side() session.Side { return b.side }

func (b *base) Addr() string { return strings.TrimSpace(b.cfg.Addr) }

// Handshaking returns the number of connections still in handshake.
func (b *base) Handshaking() int { return int(b.handshaking.Load()) }

// serve runs the accept loop. On return every tracked connection is closed
// and pending sessions holding this side's connections are swept.
func (b *base) serve(ctx context.Context, ln net.Listener, handle func(net.Conn) error) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()
	defer b.teardown()

	b.log.Info().Str("addr", ln.Addr().String()).Msg("listener.serve listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				b.log.Warn().Err(err).Msg("listener.serve accept timeout")
				continue
			}
			return protocol.Wrap(protocol.KindIO, "accept", "", err)
		}
		b.trackConn(conn)
		b.wg.Add(1)
		go b.handleConn(conn, handle)
	}
}

func (b *base) handleConn(conn net.Conn, handle func(net.Conn) error) {
	defer b.wg.Done()
	remote := conn.RemoteAddr().String()
	active := b.handshaking.Add(1)
	b.log.Debug().Str("remote", remote).Int64("handshaking", active).Msg("listener.conn accepted")
	defer b.handshaking.Add(-1)

	_ = conn.SetReadDeadline(time.Now().Add(b.cfg.HandshakeTimeout))
	err := handle(conn)
	if err == nil {
		return
	}
	if b.untrackConn(conn) {
		_ = conn.Close()
	}
	b.recordFailure(remote, err)
}

func (b *base) recordFailure(remote string, err error) {
	side := string(b.side)
	logger := b.log.With().Str("remote", remote).Logger()
	var perr *protocol.Error
	pipe := ""
	if errors.As(err, &perr) {
		pipe = perr.Pipe
	}
	switch protocol.KindOf(err) {
	case protocol.KindProtocol:
		observability.RecordProtocolError(side, protocol.Reason(err))
		observability.RecordHandshake(side, "protocol_error")
		logger.Warn().Err(err).Str("pipe", pipe).Msg("listener.handshake rejected frame")
	case protocol.KindPairing:
		observability.RecordHandshake(side, "rejected")
		logger.Warn().Err(err).Str("pipe", pipe).Msg("listener.handshake pairing refused")
	default:
		observability.RecordHandshake(side, "io_error")
		if relay.IsExpectedCloseError(err) {
			logger.Debug().Err(err).Msg("listener.handshake peer left")
			return
		}
		logger.Warn().Err(err).Msg("listener.handshake failed")
	}
}

// readHandshake returns the next recognized message, skipping actions the
// caller does not accept.
func (b *base) readHandshake(fr *frame.Reader, accept ...protocol.Action) (protocol.Message, error) {
	for {
		msg, err := protocol.ReadMessage(fr)
		if err != nil {
			kind := protocol.KindIO
			if protocol.KindOf(err) == protocol.KindProtocol {
				kind = protocol.KindProtocol
			}
			return protocol.Message{}, protocol.Wrap(kind, "handshake", "", err)
		}
		for _, a := range accept {
			if msg.Action == a {
				return msg, nil
			}
		}
		b.log.Debug().Str("action", string(msg.Action)).Str("pipe", msg.Pipe).Msg("listener.handshake ignored action")
	}
}

type attachFunc func(id string, conn net.Conn) (*session.Session, bool, error)

// attach hands conn to the registry. Bytes the frame reader buffered past
// the handshake are replayed ahead of the connection stream.
func (b *base) attach(conn net.Conn, fr *frame.Reader, pipe string, fn attachFunc) (*session.Session, bool, error) {
	_ = conn.SetDeadline(time.Time{})
	var lead []byte
	if fr != nil {
		lead = fr.Buffered()
	}
	handoff := relay.WithPrefix(conn, lead)

	b.untrackConn(conn)
	sess, paired, err := fn(pipe, handoff)
	if err != nil {
		_ = conn.Close()
		return nil, false, protocol.Wrap(protocol.KindPairing, "attach", pipe, err)
	}
	result := "attached"
	if paired {
		result = "paired"
	}
	observability.RecordHandshake(string(b.side), result)
	b.log.Info().Str("pipe", pipe).Str("remote", conn.RemoteAddr().String()).Bool("paired", paired).Msg("listener.attach")
	return sess, paired, nil
}

// complete acknowledges the pairing to the target and starts the relay.
// Only the caller that observed the pending->paired transition calls it.
func (b *base) complete(sess *session.Session) error {
	source, _ := sess.Conns()
	ack, err := protocol.SuccessAck(sess.ID)
	if err != nil {
		b.abort(sess)
		return protocol.Wrap(protocol.KindProtocol, "ack", sess.ID, err)
	}
	_ = source.SetWriteDeadline(time.Now().Add(b.cfg.AckWriteTimeout))
	_, err = source.Write(ack)
	_ = source.SetWriteDeadline(time.Time{})
	if err != nil {
		b.abort(sess)
		return protocol.Wrap(protocol.KindIO, "ack", sess.ID, err)
	}
	if !b.relay.Start(sess) {
		b.log.Warn().Str("pipe", sess.ID).Msg("listener.complete relay already started")
	}
	return nil
}

func (b *base) abort(sess *session.Session) {
	b.reg.Release(sess)
	_ = sess.Close()
	observability.RecordSessionOutcome("aborted")
}

func (b *base) trackConn(conn net.Conn) {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	b.conns[conn] = struct{}{}
}

// untrackConn reports whether conn was still tracked.
func (b *base) untrackConn(conn net.Conn) bool {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	if _, ok := b.conns[conn]; !ok {
		return false
	}
	delete(b.conns, conn)
	return true
}

func (b *base) closeAllConns() int {
	b.connsMu.Lock()
	conns := make([]net.Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
		delete(b.conns, conn)
	}
	b.connsMu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}

func (b *base) teardown() {
	closed := b.closeAllConns()
	b.wg.Wait()
	swept := b.reg.Sweep(b.side)
	for _, s := range swept {
		observability.RecordSessionOutcome("swept")
		b.log.Debug().Str("pipe", s.ID).Msg("listener.teardown swept pending session")
	}
	b.log.Info().Int("closed_conns", closed).Int("swept_sessions", len(swept)).Msg("listener.serve stopped")
}
