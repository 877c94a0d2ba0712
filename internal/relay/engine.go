package relay

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pipebroker/internal/observability"
	"github.com/danmuck/pipebroker/internal/session"
	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"
)

const DefaultBufferSize = 4 << 20

const (
	dirToClient = "to_client"
	dirToTarget = "to_target"
)

type Options struct {
	// BufferSize is the per-direction read buffer. Zero means DefaultBufferSize.
	BufferSize int
	Logger     zerolog.Logger
}

// Engine runs one relay per paired session.
type Engine struct {
	reg     *session.Registry
	bufSize int
	log     zerolog.Logger

	wg     sync.WaitGroup
	active atomic.Int64
}

func NewEngine(reg *session.Registry, opts Options) *Engine {
	size := opts.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Engine{
		reg:     reg,
		bufSize: size,
		log:     opts.Logger.With().Str("component", "relay").Logger(),
	}
}

// Start launches the relay for sess. It returns false when sess is not
// relayable or its relay was already started.
func (e *Engine) Start(sess *session.Session) bool {
	if sess == nil || !sess.Relayable() {
		return false
	}
	return sess.StartOnce(func() {
		e.wg.Add(1)
		e.active.Add(1)
		go e.run(sess)
	})
}

// Wait blocks until every started relay has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) Active() int {
	return int(e.active.Load())
}

type pumpResult struct {
	direction string
	n         int64
	err       error
}

func (e *Engine) run(sess *session.Session) {
	defer e.wg.Done()
	defer e.active.Add(-1)

	source, destination := sess.Conns()
	start := time.Now()
	logger := e.log.With().Str("pipe", sess.ID).Logger()
	logger.Debug().
		Str("target", source.RemoteAddr().String()).
		Str("client", destination.RemoteAddr().String()).
		Msg("relay.start")

	done := make(chan pumpResult, 2)
	go func() {
		n, err := pump(destination, source, make([]byte, e.bufSize), sess.AddToClient)
		done <- pumpResult{dirToClient, n, err}
	}()
	go func() {
		n, err := pump(source, destination, make([]byte, e.bufSize), sess.AddToTarget)
		done <- pumpResult{dirToTarget, n, err}
	}()

	first := <-done
	_ = sess.Close()
	<-done
	e.reg.Release(sess)

	toClient, toTarget := sess.Bytes()
	lifetime := time.Since(start)
	observability.RecordRelay(toClient, toTarget, lifetime)

	event := logger.Info()
	outcome := "relayed"
	if first.err != nil && !IsExpectedCloseError(first.err) {
		event = logger.Warn().Err(first.err)
		outcome = "relay_error"
	}
	observability.RecordSessionOutcome(outcome)
	event.
		Str("closed_by", first.direction).
		Str("to_client", sizestr.ToString(toClient)).
		Str("to_target", sizestr.ToString(toTarget)).
		Dur("lifetime", lifetime).
		Msg("relay.close")
}

// pump copies src to dst through buf until src ends or either side fails.
// A clean EOF returns a nil error.
func pump(dst io.Writer, src io.Reader, buf []byte, count func(int64)) (int64, error) {
	var total int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := writeFull(dst, buf[:nr])
			total += int64(nw)
			count(int64(nw))
			if werr != nil {
				return total, werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

func writeFull(w io.Writer, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}
