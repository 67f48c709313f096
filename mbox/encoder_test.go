package mbox

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, opts EncoderOptions, msg string, step int) string {
	t.Helper()
	var out bytes.Buffer
	e := NewEncoder(&out, opts)
	for len(msg) > 0 {
		n := min(step, len(msg))
		_, err := io.WriteString(e, msg[:n])
		require.NoError(t, err)
		msg = msg[n:]
	}
	require.NoError(t, e.Close())
	return out.String()
}

func TestEncoder_Quoting(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"from", "From here\n", ">From here\n"},
		{"quoted once", ">From here\n", ">>From here\n"},
		{"quoted twice", ">>From here\n", ">>>From here\n"},
		{"scenario", "A: b\r\n\r\n>From (should be escaped).\r\n", "A: b\r\n\r\n>>From (should be escaped).\r\n"},
		{"lowercase", "from here\n", "from here\n"},
		{"fromage", "Fromage\n", "Fromage\n"},
		{"quoted fromage", ">>Fromage\n", ">>Fromage\n"},
		{"mid line", "x From y\n", "x From y\n"},
		{"reply", "> hello\n", "> hello\n"},
		{"bare from at end", "body\nFrom ", "body\n>From \r\n"},
		{"partial from at end", "body\nFro", "body\nFro\r\n"},
		{"quotes at end", "body\n>>", "body\n>>\r\n"},
	}
	for _, tc := range cases {
		for _, step := range []int{1, 2, 3, 1 << 20} {
			got := encode(t, EncoderOptions{}, tc.in, step)
			assert.Equal(t, "From \r\n"+tc.want+"\r\n", got, "%s step %d", tc.name, step)
		}
	}
}

func TestEncoder_Envelope(t *testing.T) {
	date := time.Date(2011, time.July, 8, 14, 8, 34, 0, time.FixedZone("CEST", 2*3600))

	got := encode(t, EncoderOptions{EOL: "\n", Sender: "alice@example.com", Date: date}, "A: b\n", 64)
	assert.Equal(t, "From alice@example.com Fri Jul  8 12:08:34 2011\nA: b\n\n", got)

	got = encode(t, EncoderOptions{EOL: "\n", Sender: "alice@example.com"}, "A: b\n", 64)
	assert.Equal(t, "From \nA: b\n\n", got)

	got = encode(t, EncoderOptions{EOL: "\n", Sender: "has space", Date: date}, "A: b\n", 64)
	assert.Equal(t, "From \nA: b\n\n", got)
}

func TestEncoder_EmptyMessage(t *testing.T) {
	assert.Equal(t, "From \r\n\r\n", encode(t, EncoderOptions{}, "", 1))
}

func TestEncoder_WriteAfterClose(t *testing.T) {
	e := NewEncoder(io.Discard, EncoderOptions{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, err := e.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEncoder_SinkErrorIsSticky(t *testing.T) {
	boom := errors.New("sink full")
	e := NewEncoder(&failingWriter{after: 2, err: boom}, EncoderOptions{})

	_, err := e.Write([]byte("A: b\n"))
	require.ErrorIs(t, err, boom)
	_, err = e.Write([]byte("more\n"))
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, e.Close(), boom)
}

func TestEncoder_LongQuoteRun(t *testing.T) {
	const n = 3*quoteBurst + 17
	var out bytes.Buffer
	e := NewEncoder(&out, EncoderOptions{EOL: "\n"})
	_, err := e.Write([]byte(strings.Repeat(">", n)))
	require.NoError(t, err)
	_, err = e.Write([]byte("From x\n"))
	require.NoError(t, err)
	require.NoError(t, e.Close())

	assert.Equal(t, "From \n"+strings.Repeat(">", n+1)+"From x\n\n", out.String())
}

func TestWriter_RoundTrip(t *testing.T) {
	msgs := []string{
		"Message-ID: one\r\nSubject: plain\r\n\r\nhello\r\n",
		"Message-ID: two\r\nSubject: quoting\r\n\r\nFrom the start\r\n>From one\r\n>>From two\r\n\r\nFrom a@b Thu Jan  1 00:00:00 1970\r\nX: y\r\nZ: w\r\n",
		"Message-ID: three\nSubject: lf only\n\nbody ends in blank line\n\n",
		"Message-ID: four\r\nSubject: header only\r\n",
		"Message-ID: five\r\nSubject: unterminated\r\n\r\nno newline",
		"From odd first line\r\nA: b\r\nC: d\r\n\r\nbody\r\n",
	}
	want := []string{msgs[0], msgs[1], msgs[2], msgs[3], msgs[4] + "\r\n", msgs[5]}

	for _, eol := range []string{"\r\n", "\n"} {
		var out bytes.Buffer
		w := NewWriter(&out, EncoderOptions{EOL: eol})
		date := time.Date(2020, time.February, 3, 4, 5, 6, 0, time.UTC)
		for i, m := range msgs {
			sender := ""
			if i%2 == 0 {
				sender = "sender@example.com"
			}
			mw, err := w.CreateMessage(sender, date)
			require.NoError(t, err)
			_, err = io.WriteString(mw, m)
			require.NoError(t, err)
		}
		require.NoError(t, w.Close())

		got := decodeAll(t, &out, ReaderOptions{})
		if eol == "\n" {
			want[4] = msgs[4] + "\n"
		}
		require.Len(t, got, len(want), "eol %q", eol)
		assert.Equal(t, want, bodies(got), "eol %q", eol)
		assert.Equal(t, "sender@example.com", got[0].Address)
		assert.Equal(t, date, got[0].Date)
		assert.Empty(t, got[1].Address)
	}
}

func TestWriter_RoundTripSingleHeaderMessages(t *testing.T) {
	msgs := []string{
		"Subject: one\r\n\r\nbody\r\n",
		"Subject: two\r\n\r\nbody2\r\n",
		"Subject: three\r\n",
		"Subject: four\r\n\r\nFrom \r\nSubject: not an envelope\r\n",
	}
	date := time.Date(2021, time.June, 7, 8, 9, 10, 0, time.UTC)

	for _, sender := range []string{"", "sender@example.com"} {
		for _, eol := range []string{"\r\n", "\n"} {
			var out bytes.Buffer
			w := NewWriter(&out, EncoderOptions{EOL: eol})
			for _, m := range msgs {
				mw, err := w.CreateMessage(sender, date)
				require.NoError(t, err)
				_, err = io.WriteString(mw, m)
				require.NoError(t, err)
			}
			require.NoError(t, w.Close())

			got := decodeAll(t, &out, ReaderOptions{})
			assert.Equal(t, msgs, bodies(got), "sender %q eol %q", sender, eol)
		}
	}
}

func TestRecodeIsIdentityOnCanonicalInput(t *testing.T) {
	canonical := "From \r\nMessage-ID: simple-1\r\nTo: alice@invalid\r\n\r\nThis is message one.\r\n>From (should be escaped).\r\n\r\n" +
		"From \r\nMessage-ID: simple-2\r\nTo: bob@invalid\r\n\r\nThis is message two.\r\n\r\n"

	r := NewMessageReader(strings.NewReader(canonical), ReaderOptions{})
	var out bytes.Buffer
	w := NewWriter(&out, EncoderOptions{})
	for {
		ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		mw, err := w.CreateMessage(r.EnvelopeAddress(), r.EnvelopeDate())
		require.NoError(t, err)
		_, err = io.Copy(mw, r)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	assert.Equal(t, canonical, out.String())
}

type failingWriter struct {
	after int
	err   error
}

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, f.err
	}
	f.after--
	return len(p), nil
}
