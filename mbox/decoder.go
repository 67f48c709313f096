package mbox

import (
	"bytes"
	"log/slog"
	"time"
)

// MinChunk is the smallest input Feed accepts as a non-final chunk. Shorter
// input tells the Decoder that the stream ends after it.
const MinChunk = 512

// sniffLen is how far the sniffing states look ahead. It leaves room for a
// blank line in front of a lookahead so every look sees the same bytes
// whatever the chunking.
const sniffLen = MinChunk - 2

// quoteBurst caps how many '>' a single Feed emits from a counted run, so a
// pathological run never grows the output buffer past one burst.
const quoteBurst = 4096

var (
	fromMagic = []byte("From ")
	quoteRun  = bytes.Repeat([]byte{'>'}, quoteBurst)
)

type decodeState int

const (
	stateExpectEnvelope decodeState = iota
	stateDiscardEnvelope
	stateExpectHeaderLine
	stateEmitHeaderLine
	stateEmitSeparator
	stateExpectBodyLine
	stateCountQuoting
	stateEmitQuoting
	stateEmitBodyLine
	stateMessageComplete
	stateEOF
)

var stateNames = [...]string{
	stateExpectEnvelope:   "expect-envelope",
	stateDiscardEnvelope:  "discard-envelope",
	stateExpectHeaderLine: "expect-header-line",
	stateEmitHeaderLine:   "emit-header-line",
	stateEmitSeparator:    "emit-separator",
	stateExpectBodyLine:   "expect-body-line",
	stateCountQuoting:     "count-quoting",
	stateEmitQuoting:      "emit-quoting",
	stateEmitBodyLine:     "emit-body-line",
	stateMessageComplete:  "message-complete",
	stateEOF:              "eof",
}

func (s decodeState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Decoder splits an mboxrd byte stream into messages, one message at a time.
//
// Input is pushed with Feed and decoded bytes are pulled with Drain. Once the
// current message is finished and drained, Advance moves on to the next one.
// Malformed input never produces an error: the Decoder falls back to the most
// permissive reading and, at worst, ends a message early.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	state decodeState

	buf []byte
	pos int

	// quotes counts a run of leading '>' that has been consumed but not yet
	// emitted. The run is never buffered.
	quotes       int64
	quoteChecked bool
	inHeaders    bool

	envAddress string
	envDate    time.Time

	consumed int64
	sawData  bool

	logger *slog.Logger
}

// NewDecoder returns a Decoder positioned before the first envelope line.
// logger may be nil.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{
		state:     stateExpectEnvelope,
		inHeaders: true,
		logger:    logger,
	}
}

// Feed pushes raw mbox bytes into the decoder and returns the unconsumed
// suffix of data. Feed must not be called while Available reports pending
// output, and returns data untouched if it is. The output buffer is kept
// across Feeds; Drain compacts it, so a drained buffer is reused.
//
// Input shorter than MinChunk is the final chunk of the stream. Otherwise a
// non-empty return means the decoder needs more data appended to the suffix
// before it can continue.
func (d *Decoder) Feed(data []byte) []byte {
	eof := len(data) < MinChunk
	if d.Available() > 0 {
		return data
	}

	switch d.state {
	case stateEOF:
		return data
	case stateMessageComplete:
		if len(data) == 0 {
			d.state = stateEOF
			return data
		}
		d.restart()
	}

	for {
		var (
			n    int
			wait bool
		)

		switch d.state {
		case stateExpectEnvelope:
			wait = d.expectEnvelope(data, eof)
		case stateDiscardEnvelope:
			n = d.discardEnvelope(data, eof)
		case stateExpectHeaderLine:
			n, wait = d.expectHeaderLine(data, eof)
		case stateEmitHeaderLine:
			n = d.copyLine(data, eof, stateExpectHeaderLine)
		case stateEmitSeparator:
			n = d.emitSeparator(data)
		case stateExpectBodyLine:
			n, wait = d.expectBodyLine(data, eof)
		case stateCountQuoting:
			n = d.countQuoting(data, eof)
		case stateEmitQuoting:
			wait = d.emitQuoting(data, eof)
		case stateEmitBodyLine:
			n = d.copyLine(data, eof, stateExpectBodyLine)
		default:
			return data
		}

		if n > 0 {
			d.sawData = true
			d.consumed += int64(n)
			data = data[n:]
		}
		if wait {
			return data
		}
		if d.state == stateMessageComplete || d.state == stateEOF {
			return data
		}
		if len(data) == 0 && !eof {
			return data
		}
	}
}

// Available returns the number of decoded bytes ready to be drained.
func (d *Decoder) Available() int {
	return len(d.buf) - d.pos
}

// Drain copies up to len(p) decoded bytes into p and returns the count.
func (d *Decoder) Drain(p []byte) int {
	n := copy(p, d.buf[d.pos:])
	d.pos += n

	// Compact once less than a quarter of the buffer is unread.
	if unread := len(d.buf) - d.pos; unread*4 < len(d.buf) {
		copy(d.buf, d.buf[d.pos:])
		d.buf = d.buf[:unread]
		d.pos = 0
	}
	return n
}

// IsFinished reports whether the current message has been fully decoded and
// drained.
func (d *Decoder) IsFinished() bool {
	return d.Available() == 0 && (d.state == stateMessageComplete || d.state == stateEOF)
}

// AtEOF reports whether the stream is exhausted and fully drained.
func (d *Decoder) AtEOF() bool {
	return d.Available() == 0 && d.state == stateEOF
}

// Advance starts the next message. It is only meaningful once IsFinished
// reports true; from any state other than message-complete it ends the
// stream.
func (d *Decoder) Advance() {
	if d.state == stateMessageComplete {
		d.restart()
		return
	}
	d.state = stateEOF
}

// EnvelopeAddress returns the sender from the current message's envelope
// line, or "" if the envelope did not parse.
func (d *Decoder) EnvelopeAddress() string {
	return d.envAddress
}

// EnvelopeDate returns the UTC timestamp from the current message's envelope
// line, or the zero time if the envelope did not parse.
func (d *Decoder) EnvelopeDate() time.Time {
	return d.envDate
}

func (d *Decoder) restart() {
	d.state = stateExpectEnvelope
	d.envAddress = ""
	d.envDate = time.Time{}
	d.quotes = 0
	d.quoteChecked = false
	d.inHeaders = true
	d.sawData = false
}

func (d *Decoder) warn(msg string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Warn(msg, append([]any{"offset", d.consumed, "state", d.state.String()}, args...)...)
}

func (d *Decoder) debug(msg string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Debug(msg, append([]any{"offset", d.consumed, "state", d.state.String()}, args...)...)
}

// window returns the bytes the sniffing states may look at: the first
// min(sniffLen, remaining) bytes of the stream.
func window(data []byte) []byte {
	if len(data) > sniffLen {
		return data[:sniffLen]
	}
	return data
}

func (d *Decoder) expectEnvelope(data []byte, eof bool) bool {
	if !eof && len(data) < MinChunk {
		return true
	}
	if len(data) == 0 {
		d.state = stateEOF
		return false
	}

	w := window(data)
	if !bytes.HasPrefix(w, fromMagic) {
		d.warn("mbox message has no envelope line")
		d.state = stateExpectHeaderLine
		return false
	}

	line := w[len(fromMagic):]
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	} else if len(data) > len(w) {
		d.warn("mbox envelope line too long", "limit", sniffLen)
		line = nil
	}
	if addr, date, ok := parseEnvelope(trimEOL(line)); ok {
		d.envAddress = addr
		d.envDate = date
	}
	d.state = stateDiscardEnvelope
	return false
}

func (d *Decoder) discardEnvelope(data []byte, eof bool) int {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		d.state = stateExpectHeaderLine
		return i + 1
	}
	if eof {
		d.state = stateExpectHeaderLine
	}
	return len(data)
}

func (d *Decoder) expectHeaderLine(data []byte, eof bool) (int, bool) {
	if !eof && len(data) < MinChunk {
		return 0, true
	}
	if len(data) == 0 {
		d.debug("mbox message ends inside header block")
		d.state = stateMessageComplete
		return 0, false
	}
	if n := blankLineLen(data); n > 0 {
		// A header block directly followed by the next message has no
		// header/body separator of its own.
		if d.endsMessage(data[n:], eof) {
			d.state = stateMessageComplete
			return n, false
		}
		d.state = stateEmitSeparator
		return 0, false
	}
	if data[0] == '>' {
		d.state = stateCountQuoting
		return 0, false
	}
	if looksLikeSeparator(data, false) {
		d.warn("mbox message header block runs into the next envelope")
		d.state = stateMessageComplete
		return 0, false
	}
	d.state = stateEmitHeaderLine
	return 0, false
}

func (d *Decoder) emitSeparator(data []byte) int {
	n := blankLineLen(data)
	d.buf = append(d.buf, data[:n]...)
	d.inHeaders = false
	d.state = stateExpectBodyLine
	return n
}

func (d *Decoder) expectBodyLine(data []byte, eof bool) (int, bool) {
	if !eof && len(data) < MinChunk {
		return 0, true
	}
	if len(data) == 0 {
		d.state = stateMessageComplete
		return 0, false
	}
	if data[0] == '>' {
		d.state = stateCountQuoting
		return 0, false
	}
	if n := blankLineLen(data); n > 0 {
		if d.endsMessage(data[n:], eof) {
			d.state = stateMessageComplete
			return n, false
		}
		d.state = stateEmitBodyLine
		return 0, false
	}
	if looksLikeSeparator(data, false) {
		d.state = stateMessageComplete
		return 0, false
	}
	d.state = stateEmitBodyLine
	return 0, false
}

// endsMessage reports whether a blank line followed by rest is the separator
// in front of the next message or the end of the stream.
func (d *Decoder) endsMessage(rest []byte, eof bool) bool {
	if eof && len(rest) == 0 {
		return true
	}
	return looksLikeSeparator(rest, true)
}

func (d *Decoder) countQuoting(data []byte, eof bool) int {
	n := 0
	for n < len(data) && data[n] == '>' {
		n++
	}
	d.quotes += int64(n)
	if n < len(data) {
		d.state = stateEmitQuoting
	} else if eof {
		d.warn("mbox stream ends inside quoting", "quotes", d.quotes)
		d.state = stateEmitQuoting
	}
	return n
}

func (d *Decoder) emitQuoting(data []byte, eof bool) bool {
	if !d.quoteChecked {
		if !eof && len(data) < len(fromMagic) {
			return true
		}
		if bytes.HasPrefix(data, fromMagic) {
			d.quotes--
		}
		d.quoteChecked = true
	}

	n := d.quotes
	if n > quoteBurst {
		n = quoteBurst
	}
	d.buf = append(d.buf, quoteRun[:n]...)
	d.quotes -= n
	if d.quotes > 0 {
		// Let the caller drain before the next burst.
		return true
	}

	d.quoteChecked = false
	if d.inHeaders {
		d.state = stateEmitHeaderLine
	} else {
		d.state = stateEmitBodyLine
	}
	return false
}

func (d *Decoder) copyLine(data []byte, eof bool, next decodeState) int {
	n := len(data)
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		n = i + 1
		d.state = next
	} else if eof {
		d.state = next
	}
	d.buf = append(d.buf, data[:n]...)
	return n
}

func blankLineLen(data []byte) int {
	switch {
	case len(data) > 0 && data[0] == '\n':
		return 1
	case len(data) > 1 && data[0] == '\r' && data[1] == '\n':
		return 2
	}
	return 0
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

// looksLikeSeparator reports whether b starts with a "From " line followed by
// at least two header fields. After a blank line, an envelope in the form
// the Encoder writes needs only one field: the Encoder quotes every body line
// starting with "From ", so unquoted it can only be an envelope. Folded continuation lines are accepted between fields,
// quoted "From " lines before the first one. Only the first sniffLen bytes
// are examined.
func looksLikeSeparator(b []byte, afterBlank bool) bool {
	if !bytes.HasPrefix(b, fromMagic) {
		return false
	}
	b = window(b)

	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return false
	}
	need := 2
	if afterBlank && isWrittenEnvelope(trimEOL(b[:i+1])) {
		need = 1
	}
	b = b[i+1:]

	fields := 0
	for len(b) > 0 && fields < need {
		line := b
		if i := bytes.IndexByte(b, '\n'); i >= 0 {
			line, b = b[:i], b[i+1:]
		} else {
			b = nil
		}
		line = bytes.TrimSuffix(line, []byte("\r"))

		switch {
		case len(line) == 0:
			return false
		case line[0] == ' ' || line[0] == '\t':
			if fields == 0 {
				return false
			}
		case fields == 0 && isQuotedFrom(line):
			// a message that itself began with an envelope line
		case isHeaderField(line):
			fields++
		default:
			return false
		}
	}
	return fields >= need
}

func isQuotedFrom(line []byte) bool {
	rest := bytes.TrimLeft(line, ">")
	return len(rest) < len(line) && bytes.HasPrefix(rest, fromMagic)
}

// isHeaderField reports whether line starts with a field name and a colon.
// Whitespace between name and colon is tolerated.
func isHeaderField(line []byte) bool {
	for i, c := range line {
		switch {
		case c == ':':
			return i > 0
		case c == ' ' || c == '\t':
			rest := bytes.TrimLeft(line[i:], " \t")
			return i > 0 && len(rest) > 0 && rest[0] == ':'
		case c < '!' || c > '~':
			return false
		}
	}
	return false
}
