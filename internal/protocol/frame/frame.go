package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic     uint32 = 0x11FFEEDD
	Version   uint32 = 0x1000
	HeaderLen        = 12
)

var (
	ErrShortHeader  = errors.New("frame: short header")
	ErrBadMagic     = errors.New("frame: verify magic mismatch")
	ErrBadVersion   = errors.New("frame: version mismatch")
	ErrBadLength    = errors.New("frame: total length smaller than header")
	ErrBodyTooLarge = errors.New("frame: body too large")
)

// Header is the fixed wire header. TotalLength counts the header itself.
type Header struct {
	Magic       uint32
	Version     uint32
	TotalLength int32
}

// Frame is one complete wire message.
type Frame struct {
	Header Header
	Body   []byte
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxBodyBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxBodyBytes: 64 * 1024,
	}
}

// BodyLen returns the body size announced by the header.
func (h Header) BodyLen() int {
	return int(h.TotalLength) - HeaderLen
}

// Validate checks magic, then version, then length, in wire order.
func (h Header) Validate(limits Limits) error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: got 0x%08x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: got 0x%x", ErrBadVersion, h.Version)
	}
	if h.TotalLength < HeaderLen {
		return fmt.Errorf("%w: %d", ErrBadLength, h.TotalLength)
	}
	if limits.MaxBodyBytes > 0 && h.BodyLen() > limits.MaxBodyBytes {
		return fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, h.BodyLen(), limits.MaxBodyBytes)
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.TotalLength))
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint32(b[4:8]),
		TotalLength: int32(binary.BigEndian.Uint32(b[8:12])),
	}, nil
}

// Encode returns the full wire form of body: magic, version, total length, body.
func Encode(body []byte) []byte {
	out := make([]byte, 0, HeaderLen+len(body))
	out = append(out, EncodeHeader(Header{
		Magic:       Magic,
		Version:     Version,
		TotalLength: int32(HeaderLen + len(body)),
	})...)
	return append(out, body...)
}

func WriteFrame(w io.Writer, body []byte) error {
	_, err := w.Write(Encode(body))
	return err
}

// ReadFrame reads exactly one frame from r. Bytes read past the frame are
// lost; use Reader when the stream continues after the frame.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	return NewReader(r, limits).Next()
}
