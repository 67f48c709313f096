package mbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAll(d *Decoder) string {
	var b strings.Builder
	p := make([]byte, 7)
	for d.Available() > 0 {
		n := d.Drain(p)
		b.Write(p[:n])
	}
	return b.String()
}

func TestDecoder_FinalChunk(t *testing.T) {
	d := NewDecoder(nil)

	rest := d.Feed([]byte(scenarioMbox))
	assert.Equal(t, "Message-ID: simple-1\r\nTo: alice@invalid\r\n\r\nThis is message one.\r\n", drainAll(d))
	assert.True(t, d.IsFinished())
	assert.False(t, d.AtEOF())

	d.Advance()
	rest = d.Feed(rest)
	assert.Empty(t, rest)
	assert.Equal(t, "Message-ID: simple-2\r\nTo: bob@invalid\r\n\r\nThis is message two.\r\n", drainAll(d))
	assert.True(t, d.IsFinished())

	d.Advance()
	assert.Empty(t, d.Feed(nil))
	assert.True(t, d.AtEOF())
}

func TestDecoder_NonFinalChunkWaitsForMore(t *testing.T) {
	body := strings.Repeat("x", 600) + "\n"
	data := []byte("From \nSubject: s\nTo: t\n\n" + body)

	d := NewDecoder(nil)
	rest := d.Feed(data[:MinChunk])
	require.NotEmpty(t, rest)
	assert.Less(t, len(rest), MinChunk)
	assert.False(t, d.IsFinished())

	var out strings.Builder
	out.WriteString(drainAll(d))
	rest = append(append([]byte{}, rest...), data[MinChunk:]...)
	for !d.IsFinished() {
		rest = d.Feed(rest)
		out.WriteString(drainAll(d))
	}
	assert.Empty(t, rest)
	assert.Equal(t, "Subject: s\nTo: t\n\n"+body, out.String())
}

func TestDecoder_EmptyFeedEndsStream(t *testing.T) {
	d := NewDecoder(nil)
	assert.Empty(t, d.Feed(nil))
	assert.True(t, d.AtEOF())
	assert.True(t, d.IsFinished())

	// eof is terminal
	in := []byte("From \nA: b\n")
	assert.Equal(t, in, d.Feed(in))
	assert.Zero(t, d.Available())
}

func TestDecoder_FeedKeepsPendingOutput(t *testing.T) {
	d := NewDecoder(nil)
	rest := d.Feed([]byte(scenarioMbox))
	require.Positive(t, d.Available())

	p := make([]byte, 5)
	n := d.Drain(p)
	head := string(p[:n])
	pending := d.Available()

	// output not yet drained is never overwritten
	assert.Equal(t, rest, d.Feed(rest))
	assert.Equal(t, pending, d.Available())

	assert.Equal(t, "Message-ID: simple-1\r\nTo: alice@invalid\r\n\r\nThis is message one.\r\n", head+drainAll(d))
	assert.Zero(t, d.Available())
}

func TestDecoder_DrainCompacts(t *testing.T) {
	d := NewDecoder(nil)
	rest := d.Feed([]byte(scenarioMbox))
	total := d.Available()
	require.Positive(t, total)

	p := make([]byte, 1)
	for (d.Available()-1)*4 >= total {
		d.Drain(p)
	}
	require.NotZero(t, d.pos, "compacted too early")
	d.Drain(p)
	assert.Zero(t, d.pos)
	assert.Equal(t, d.Available(), len(d.buf))

	drainAll(d)
	assert.Empty(t, d.buf)
	capacity := cap(d.buf)

	d.Advance()
	d.Feed(rest)
	assert.Equal(t, capacity, cap(d.buf), "drained buffer is reused")
	assert.Equal(t, "Message-ID: simple-2\r\nTo: bob@invalid\r\n\r\nThis is message two.\r\n", drainAll(d))
}

func TestDecoder_HeaderBlockRunsIntoEnvelope(t *testing.T) {
	d := NewDecoder(nil)
	rest := d.Feed([]byte("From \nSubject: a\nTo: b\nFrom \nSubject: c\nTo: d\n\nbody\n"))
	assert.Equal(t, "Subject: a\nTo: b\n", drainAll(d))
	require.True(t, d.IsFinished())

	d.Advance()
	rest = d.Feed(rest)
	assert.Empty(t, rest)
	assert.Equal(t, "Subject: c\nTo: d\n\nbody\n", drainAll(d))
}

func TestDecoder_AdvanceFromUnfinishedEndsStream(t *testing.T) {
	d := NewDecoder(nil)
	d.Advance()
	assert.True(t, d.AtEOF())
}

func TestDecoder_Quoting(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"single", ">From (should be escaped).\r\n", "From (should be escaped).\r\n"},
		{"double", ">>From x\n", ">From x\n"},
		{"not from", ">Fromage\n", ">Fromage\n"},
		{"plain quote", "> quoted reply\n", "> quoted reply\n"},
		{"lowercase", ">from x\n", ">from x\n"},
		{"mid line", "a >From b\n", "a >From b\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDecoder(nil)
			d.Feed([]byte("From \nA: b\n\n" + tc.in))
			assert.Equal(t, "A: b\n\n"+tc.want, drainAll(d))
		})
	}
}

func TestDecoder_QuotedHeaderLine(t *testing.T) {
	d := NewDecoder(nil)
	d.Feed([]byte("From \n>From odd header\nA: b\n\nbody\n"))
	assert.Equal(t, "From odd header\nA: b\n\nbody\n", drainAll(d))
}

func TestDecoder_EnvelopeFields(t *testing.T) {
	d := NewDecoder(nil)
	d.Feed([]byte("From MAILER-DAEMON Fri Jul  8 12:08:34 2011\nA: b\n"))

	assert.Equal(t, "MAILER-DAEMON", d.EnvelopeAddress())
	assert.Equal(t, "2011-07-08T12:08:34Z", d.EnvelopeDate().Format("2006-01-02T15:04:05Z07:00"))

	drainAll(d)
	d.Advance()
	assert.Empty(t, d.EnvelopeAddress())
	assert.True(t, d.EnvelopeDate().IsZero())
}

func TestDecoder_LongEnvelopeLine(t *testing.T) {
	line := "From " + strings.Repeat("a", 600) + " Thu Jan  1 00:00:00 1970\n"
	data := []byte(line + "A: b\nC: d\n\nbody\n")

	d := NewDecoder(nil)
	rest := data
	var out strings.Builder
	for !d.IsFinished() {
		rest = d.Feed(rest)
		out.WriteString(drainAll(d))
	}
	assert.Empty(t, d.EnvelopeAddress())
	assert.Equal(t, "A: b\nC: d\n\nbody\n", out.String())
}

func TestLooksLikeSeparator(t *testing.T) {
	cases := []struct {
		in         string
		afterBlank bool
		want       bool
	}{
		{"From a@b Thu Jan  1 00:00:00 1970\nSubject: x\nTo: y\n", false, true},
		{"From \r\nSubject: x\r\nTo: y\r\n", false, true},
		{"From \nSubject: x\n y\n\tz\nTo: y\n", false, true},
		{"From \nX-Spaced : x\nTo: y\n", false, true},
		{"From \nSubject: x\n\n", false, false},
		{"From \n folded first\nTo: y\nA: b\n", false, false},
		{"From \nnot a header\nTo: y\n", false, false},
		{"From here on we talk\n", false, false},
		{"From \nSubject: x", false, false},
		{">From \nA: b\nC: d\n", false, false},
		{"From \n>From inner Thu Jan  1 00:00:00 1970\nA: b\nC: d\n", false, true},
		{"From \nA: b\n>From inner\nC: d\n", false, false},
		{"Subject: x\nTo: y\n", false, false},

		// an encoder-shaped envelope after a blank line needs a single field
		{"From \nSubject: x\n\n", true, true},
		{"From \r\nSubject: x\r\n\r\nbody\r\n", true, true},
		{"From a@b Thu Jan  1 00:00:00 1970\r\nSubject: x\r\n\r\n", true, true},
		{"From \nnot a header\n", true, false},
		{"From \n\nbody\n", true, false},
		{"From a@b Thu Jan  1 00:00:00 UTC 1970\nSubject: x\n\n", true, false},
		{"From here on we talk\nSubject: x\n\n", true, false},
		{"From a@b Thu Jan  1 00:00:00 1970\nSubject: x\n\n", false, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, looksLikeSeparator([]byte(tc.in), tc.afterBlank), "%q after blank %v", tc.in, tc.afterBlank)
	}
}

func TestDecodeState_String(t *testing.T) {
	assert.Equal(t, "expect-envelope", stateExpectEnvelope.String())
	assert.Equal(t, "count-quoting", stateCountQuoting.String())
	assert.Equal(t, "eof", stateEOF.String())
	assert.Equal(t, "unknown", decodeState(99).String())
}
