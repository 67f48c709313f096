package mbox

import (
	"bytes"
	"io"
	"time"
)

// EncoderOptions configures how a message is framed.
type EncoderOptions struct {
	// EOL terminates the envelope line and the blank separator line. It
	// defaults to "\r\n". Message lines keep their own terminators.
	EOL string
	// Sender and Date are written to the envelope line when both are set.
	// Otherwise the envelope is a bare "From ".
	Sender string
	Date   time.Time
}

type encodeState int

const (
	encodeLineStart encodeState = iota
	encodeQuotes
	encodeMatchFrom
	encodeCopy
)

// Encoder frames a single message as mboxrd. Every line that starts with
// zero or more '>' followed by "From " gets one more '>'.
//
// Writes may split lines anywhere. The Encoder keeps at most a '>' count and
// a partial "From " match between writes, never a whole line.
type Encoder struct {
	w        io.Writer
	eol      []byte
	envelope []byte

	state   encodeState
	quotes  int64
	matched int

	started bool
	closed  bool
	err     error
}

// NewEncoder returns an Encoder writing one framed message to w.
func NewEncoder(w io.Writer, opts EncoderOptions) *Encoder {
	eol := opts.EOL
	if eol == "" {
		eol = "\r\n"
	}
	return &Encoder{
		w:        w,
		eol:      []byte(eol),
		envelope: formatEnvelope(opts.Sender, opts.Date),
	}
}

// Write quotes and writes message bytes. The envelope line is written before
// the first byte of the message.
func (e *Encoder) Write(p []byte) (int, error) {
	if e.closed {
		return 0, ErrClosed
	}
	if err := e.start(); err != nil {
		return 0, err
	}

	i := 0
	for i < len(p) && e.err == nil {
		switch e.state {
		case encodeLineStart:
			switch p[i] {
			case '>':
				e.state = encodeQuotes
			case fromMagic[0]:
				e.state = encodeMatchFrom
			default:
				e.state = encodeCopy
			}

		case encodeQuotes:
			j := i
			for j < len(p) && p[j] == '>' {
				j++
			}
			e.quotes += int64(j - i)
			i = j
			if i < len(p) {
				if p[i] == fromMagic[0] {
					e.state = encodeMatchFrom
				} else {
					e.flushPending()
					e.state = encodeCopy
				}
			}

		case encodeMatchFrom:
			for i < len(p) && e.matched < len(fromMagic) && p[i] == fromMagic[e.matched] {
				e.matched++
				i++
			}
			if e.matched == len(fromMagic) {
				e.write(quoteRun[:1])
				e.flushPending()
				e.state = encodeCopy
			} else if i < len(p) {
				e.flushPending()
				e.state = encodeCopy
			}

		case encodeCopy:
			end := len(p)
			if j := bytes.IndexByte(p[i:], '\n'); j >= 0 {
				end = i + j + 1
				e.state = encodeLineStart
			}
			e.write(p[i:end])
			i = end
		}
	}
	if e.err != nil {
		return i, e.err
	}
	return len(p), nil
}

// Close terminates the message. An unterminated last line gets EOL, then one
// blank line separates the message from whatever follows on the same sink.
// A message without any bytes still gets its envelope line.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.start(); err != nil {
		return err
	}
	if e.state != encodeLineStart {
		e.flushPending()
		e.write(e.eol)
	}
	e.write(e.eol)
	return e.err
}

func (e *Encoder) start() error {
	if e.err != nil || e.started {
		return e.err
	}
	e.started = true
	e.write(e.envelope)
	e.write(e.eol)
	return e.err
}

// flushPending writes the held '>' run and any partial "From " match.
func (e *Encoder) flushPending() {
	for e.quotes > 0 && e.err == nil {
		n := e.quotes
		if n > quoteBurst {
			n = quoteBurst
		}
		e.write(quoteRun[:n])
		e.quotes -= n
	}
	if e.matched > 0 {
		e.write(fromMagic[:e.matched])
		e.matched = 0
	}
}

func (e *Encoder) write(b []byte) {
	if e.err != nil || len(b) == 0 {
		return
	}
	_, e.err = e.w.Write(b)
}

// Writer writes a sequence of messages to one mbox sink.
type Writer struct {
	w    io.Writer
	opts EncoderOptions
	cur  *Encoder
}

// NewWriter returns a Writer framing messages onto w. opts.Sender and
// opts.Date are ignored; pass them to CreateMessage.
func NewWriter(w io.Writer, opts EncoderOptions) *Writer {
	opts.Sender = ""
	opts.Date = time.Time{}
	return &Writer{w: w, opts: opts}
}

// CreateMessage closes the previous message and returns a writer for the next
// one. sender and date go to the envelope line; leave either empty for a bare
// "From ".
func (w *Writer) CreateMessage(sender string, date time.Time) (io.Writer, error) {
	if err := w.closeCurrent(); err != nil {
		return nil, err
	}
	opts := w.opts
	opts.Sender = sender
	opts.Date = date
	w.cur = NewEncoder(w.w, opts)
	return w.cur, nil
}

// Close finishes the last message. It does not close the sink.
func (w *Writer) Close() error {
	return w.closeCurrent()
}

func (w *Writer) closeCurrent() error {
	if w.cur == nil {
		return nil
	}
	err := w.cur.Close()
	w.cur = nil
	return err
}
