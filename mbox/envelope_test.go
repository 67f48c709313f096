package mbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseEnvelope(t *testing.T) {
	epoch := time.Unix(0, 0).UTC()
	cases := []struct {
		line     string
		wantAddr string
		wantDate time.Time
		ok       bool
	}{
		{"a@b Thu Jan  1 00:00:00 1970", "a@b", epoch, true},
		{"a@b Thu Jan 1 00:00:00 UTC 1970", "a@b", epoch, true},
		{"a@b Thu, 01 Jan 1970 01:00:00 +0100", "a@b", epoch, true},
		{"a@b 1970-01-01 00:00:00", "a@b", epoch, true},
		{"a@b", "", time.Time{}, false},
		{"a@b ", "", time.Time{}, false},
		{"a@b soon", "", time.Time{}, false},
		{"a@b not a date at all, really", "", time.Time{}, false},
		{" Thu Jan  1 00:00:00 1970", "", time.Time{}, false},
		{"", "", time.Time{}, false},
	}
	for _, tc := range cases {
		addr, date, ok := parseEnvelope([]byte(tc.line))
		assert.Equal(t, tc.ok, ok, "%q", tc.line)
		assert.Equal(t, tc.wantAddr, addr, "%q", tc.line)
		assert.True(t, tc.wantDate.Equal(date), "%q: got %v", tc.line, date)
	}
}

func TestParseEnvelope_AddressLimit(t *testing.T) {
	long := make([]byte, maxEnvelopeAddress+1)
	for i := range long {
		long[i] = 'a'
	}

	_, _, ok := parseEnvelope(append(long[:maxEnvelopeAddress:maxEnvelopeAddress], " Thu Jan  1 00:00:00 1970"...))
	assert.True(t, ok)

	_, _, ok = parseEnvelope(append(long, " Thu Jan  1 00:00:00 1970"...))
	assert.False(t, ok)
}

func TestFormatEnvelope(t *testing.T) {
	date := time.Date(2006, time.January, 2, 15, 4, 5, 0, time.UTC)

	assert.Equal(t, "From a@b Mon Jan  2 15:04:05 2006", string(formatEnvelope("a@b", date)))
	assert.Equal(t, "From ", string(formatEnvelope("", date)))
	assert.Equal(t, "From ", string(formatEnvelope("a@b", time.Time{})))

	addr, parsed, ok := parseEnvelope(formatEnvelope("a@b", date)[len(fromMagic):])
	assert.True(t, ok)
	assert.Equal(t, "a@b", addr)
	assert.Equal(t, date, parsed)
}

func TestIsWrittenEnvelope(t *testing.T) {
	dates := []time.Time{
		time.Unix(0, 0).UTC(),
		time.Date(2024, time.December, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2019, time.May, 6, 9, 8, 7, 0, time.FixedZone("CEST", 2*3600)),
	}
	for _, d := range dates {
		line := formatEnvelope("sender@example.com", d)
		assert.True(t, isWrittenEnvelope(line), "%q", line)
	}
	assert.True(t, isWrittenEnvelope(formatEnvelope("", time.Time{})))

	for _, line := range []string{
		"From",
		"From here on we talk",
		"From a@b Thu Jan  1 00:00:00 UTC 1970",
		"From a@b Thu, 01 Jan 1970 00:00:00 +0000",
		">From a@b Thu Jan  1 00:00:00 1970",
		"Subject: From ",
	} {
		assert.False(t, isWrittenEnvelope([]byte(line)), "%q", line)
	}
}
