package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/danmuck/pipebroker/internal/protocol/frame"
)

var (
	ErrBadBody = errors.New("protocol: malformed message body")
)

// Kind scopes an error to the recovery it calls for.
type Kind int

const (
	// KindIO covers socket and accept failures.
	KindIO Kind = iota
	// KindProtocol is a frame or body that failed validation.
	KindProtocol
	// KindPairing is a pipe that cannot be paired (unknown, taken, closed).
	KindPairing
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindPairing:
		return "pairing"
	default:
		return "io"
	}
}

// Error carries the taxonomy kind plus the operation and pipe it hit.
type Error struct {
	Kind Kind
	Op   string
	Pipe string
	Err  error
}

func (e *Error) Error() string {
	if e.Pipe != "" {
		return fmt.Sprintf("%s %s pipe=%q: %v", e.Kind, e.Op, e.Pipe, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Wrap(kind Kind, op, pipe string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Pipe: pipe, Err: err}
}

// KindOf classifies err. Frame and body validation failures are protocol
// errors even when they were not wrapped.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if isFrameError(err) || errors.Is(err, ErrBadBody) {
		return KindProtocol
	}
	return KindIO
}

// Reason returns a short stable label for metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, frame.ErrBadMagic):
		return "bad_magic"
	case errors.Is(err, frame.ErrBadVersion):
		return "bad_version"
	case errors.Is(err, frame.ErrBadLength):
		return "bad_length"
	case errors.Is(err, frame.ErrBodyTooLarge):
		return "body_too_large"
	case errors.Is(err, ErrBadBody):
		return "bad_body"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return "truncated"
	case errors.Is(err, io.EOF):
		return "eof"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "io"
}

func isFrameError(err error) bool {
	return errors.Is(err, frame.ErrBadMagic) ||
		errors.Is(err, frame.ErrBadVersion) ||
		errors.Is(err, frame.ErrBadLength) ||
		errors.Is(err, frame.ErrBodyTooLarge) ||
		errors.Is(err, frame.ErrShortHeader)
}
