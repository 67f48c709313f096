package mbox

import (
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"
)

// DefaultReadSize is how much raw input a MessageReader keeps buffered ahead
// of the decoder.
const DefaultReadSize = 64 * 1024

const maxEmptyReads = 100

var (
	// ErrClosed is returned by operations on a closed MessageReader or Encoder.
	ErrClosed = errors.New("mbox: use of closed stream")
	// ErrMessageNotExhausted is returned by Next when the current message
	// has not been read up to io.EOF.
	ErrMessageNotExhausted = errors.New("mbox: current message not fully read")
)

// ReaderOptions configures a MessageReader.
type ReaderOptions struct {
	// ReadSize is the raw read-ahead. Values below MinChunk are raised to it.
	ReadSize int
	Logger   *slog.Logger
}

// MessageReader reads the messages of an mbox one after another.
//
//	r := mbox.NewMessageReader(f, mbox.ReaderOptions{})
//	for {
//		ok, err := r.Next()
//		if err != nil || !ok {
//			break
//		}
//		io.Copy(dst, r)
//	}
//
// Read returns io.EOF at the end of each message; Next moves to the following
// one. The reader owns src exclusively.
type MessageReader struct {
	src      io.Reader
	dec      *Decoder
	readSize int

	buf     []byte
	pending []byte
	srcEOF  bool
	err     error

	consumed int64
	offset   int64

	started bool
	null    bool
	closed  bool
}

// NewMessageReader returns a MessageReader decoding src.
func NewMessageReader(src io.Reader, opts ReaderOptions) *MessageReader {
	size := opts.ReadSize
	if size <= 0 {
		size = DefaultReadSize
	}
	if size < MinChunk {
		size = MinChunk
	}
	return &MessageReader{
		src:      src,
		dec:      NewDecoder(opts.Logger),
		readSize: size,
		buf:      make([]byte, 2*size),
	}
}

// Next advances to the next message and reports whether there is one. The
// first call positions the reader on the first message. An mbox without any
// bytes has no messages at all; see IsNullMessage.
func (r *MessageReader) Next() (bool, error) {
	if r.closed {
		return false, ErrClosed
	}
	if r.started {
		if !r.dec.IsFinished() {
			return false, ErrMessageNotExhausted
		}
		r.dec.Advance()
	}

	r.offset = r.consumed
	if err := r.pump(); err != nil {
		return false, err
	}
	if !r.started {
		r.started = true
		r.null = r.dec.AtEOF()
	}
	return !r.dec.AtEOF(), nil
}

// Read reads decoded bytes of the current message. It returns io.EOF at the
// end of the message, not at the end of the mbox. Errors from the underlying
// source are returned as they are.
func (r *MessageReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if !r.started {
		ok, err := r.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, io.EOF
		}
	}
	if len(p) == 0 {
		return 0, nil
	}

	for r.dec.Available() == 0 {
		if r.dec.IsFinished() {
			return 0, io.EOF
		}
		if err := r.pump(); err != nil {
			return 0, err
		}
	}
	return r.dec.Drain(p), nil
}

// Offset returns the byte offset of the current message's envelope line in
// the raw source.
func (r *MessageReader) Offset() int64 {
	return r.offset
}

// Token returns Offset as a decimal string, an opaque position for resumable
// scans.
func (r *MessageReader) Token() string {
	return strconv.FormatInt(r.offset, 10)
}

// EnvelopeAddress returns the envelope sender of the current message.
func (r *MessageReader) EnvelopeAddress() string {
	return r.dec.EnvelopeAddress()
}

// EnvelopeDate returns the envelope timestamp of the current message.
func (r *MessageReader) EnvelopeDate() time.Time {
	return r.dec.EnvelopeDate()
}

// IsNullMessage reports whether the source held no mbox data at all, so the
// first Next found nothing to frame.
func (r *MessageReader) IsNullMessage() bool {
	return r.null
}

// Close closes the source if it implements io.Closer.
func (r *MessageReader) Close() error {
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	r.pending = nil
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// pump feeds the decoder until it has output or finishes the message.
func (r *MessageReader) pump() error {
	for r.dec.Available() == 0 && !r.dec.IsFinished() {
		if r.err != nil {
			return r.err
		}
		if !r.srcEOF && len(r.pending) < r.readSize {
			if err := r.fill(); err != nil {
				r.err = err
				return err
			}
		}

		before := len(r.pending)
		r.pending = r.dec.Feed(r.pending)
		n := before - len(r.pending)
		r.consumed += int64(n)

		if n == 0 && r.srcEOF && r.dec.Available() == 0 && !r.dec.IsFinished() {
			r.err = io.ErrNoProgress
			return r.err
		}
	}
	return nil
}

// fill reads from the source until readSize bytes are pending or the source
// is exhausted.
func (r *MessageReader) fill() error {
	n := copy(r.buf, r.pending)
	empty := 0
	for n < r.readSize {
		m, err := r.src.Read(r.buf[n:])
		n += m
		if errors.Is(err, io.EOF) {
			r.srcEOF = true
			break
		}
		if err != nil {
			r.pending = r.buf[:n]
			return err
		}
		if m == 0 {
			empty++
			if empty > maxEmptyReads {
				r.pending = r.buf[:n]
				return io.ErrNoProgress
			}
		}
	}
	r.pending = r.buf[:n]
	return nil
}
