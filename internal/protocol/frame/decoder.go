package frame

import (
	"errors"
	"io"
)

const readChunkSize = 1024

// Decoder reassembles frames from arbitrarily fragmented input. It does no
// I/O; callers feed it whatever their reads returned.
type Decoder struct {
	limits Limits

	pending []byte

	inBody bool
	header Header
	body   []byte
	offset int

	err error
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits}
}

// Feed consumes p and returns every frame it completed. After a validation
// error the decoder is poisoned and keeps returning the same error.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.pending = append(d.pending, p...)

	var frames []Frame
	for {
		if !d.inBody {
			if len(d.pending) < HeaderLen {
				break
			}
			h, err := DecodeHeader(d.pending[:HeaderLen])
			if err != nil {
				d.err = err
				return frames, err
			}
			if err := h.Validate(d.limits); err != nil {
				d.err = err
				return frames, err
			}
			d.header = h
			d.body = make([]byte, h.BodyLen())
			d.offset = 0
			d.inBody = true
			d.pending = d.pending[HeaderLen:]
		}

		n := copy(d.body[d.offset:], d.pending)
		d.offset += n
		d.pending = d.pending[n:]
		if d.offset < len(d.body) {
			break
		}

		frames = append(frames, Frame{Header: d.header, Body: d.body})
		d.inBody = false
		d.body = nil
		d.offset = 0
	}

	if len(d.pending) == 0 {
		d.pending = nil
	}
	return frames, nil
}

// Partial reports whether the decoder holds bytes of an incomplete frame.
func (d *Decoder) Partial() bool {
	return d.inBody || len(d.pending) > 0
}

// Remaining returns the raw bytes fed but not yet returned as a frame,
// in their original wire order.
func (d *Decoder) Remaining() []byte {
	var out []byte
	if d.inBody {
		out = append(out, EncodeHeader(d.header)...)
		out = append(out, d.body[:d.offset]...)
	}
	return append(out, d.pending...)
}

// Reader pulls frames off a stream through a Decoder.
type Reader struct {
	r      io.Reader
	dec    *Decoder
	chunk  []byte
	queued []Frame
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{
		r:     r,
		dec:   NewDecoder(limits),
		chunk: make([]byte, readChunkSize),
	}
}

// Next blocks until one full frame has been reassembled.
func (fr *Reader) Next() (Frame, error) {
	for len(fr.queued) == 0 {
		n, readErr := fr.r.Read(fr.chunk)
		if n > 0 {
			frames, err := fr.dec.Feed(fr.chunk[:n])
			fr.queued = append(fr.queued, frames...)
			if err != nil {
				return Frame{}, err
			}
		}
		if len(fr.queued) > 0 {
			break
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) && fr.dec.Partial() {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, readErr
		}
	}
	f := fr.queued[0]
	fr.queued = fr.queued[1:]
	return f, nil
}

// Buffered returns bytes already read from the stream that belong after the
// last frame returned by Next. The relay forwards them before reading the
// connection again.
func (fr *Reader) Buffered() []byte {
	var out []byte
	for _, f := range fr.queued {
		out = append(out, Encode(f.Body)...)
	}
	return append(out, fr.dec.Remaining()...)
}
