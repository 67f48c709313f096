package mbox

import (
	"bytes"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

const (
	maxEnvelopeAddress = 254
	minEnvelopeDate    = 8
	maxEnvelopeDate    = 64
)

// envelopeLayouts are tried before falling back to dateparse. ctime(3) style
// comes first since that is what mbox writers emit.
var envelopeLayouts = []string{
	time.ANSIC,
	time.UnixDate,
	time.RubyDate,
	time.RFC1123Z,
	time.RFC1123,
}

// parseEnvelope parses the part of an envelope line after "From ". The
// address runs up to the first space and the rest is the date. Both values are
// returned only if both parse.
func parseEnvelope(line []byte) (string, time.Time, bool) {
	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 || sp > maxEnvelopeAddress {
		return "", time.Time{}, false
	}

	date, ok := parseEnvelopeDate(string(line[sp+1:]))
	if !ok {
		return "", time.Time{}, false
	}
	return string(line[:sp]), date, true
}

// parseEnvelopeDate parses an envelope timestamp permissively. Timestamps
// without a zone are taken as UTC.
func parseEnvelopeDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < minEnvelopeDate || len(s) > maxEnvelopeDate {
		return time.Time{}, false
	}

	for _, layout := range envelopeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}

	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// isWrittenEnvelope reports whether line, without its terminator, has the
// exact shape formatEnvelope produces: a bare "From " or an address followed
// by a ctime(3) date.
func isWrittenEnvelope(line []byte) bool {
	rest, ok := bytes.CutPrefix(line, fromMagic)
	if !ok {
		return false
	}
	if len(rest) == 0 {
		return true
	}
	sp := bytes.IndexByte(rest, ' ')
	if sp <= 0 || sp > maxEnvelopeAddress {
		return false
	}
	_, err := time.Parse(time.ANSIC, string(rest[sp+1:]))
	return err == nil
}

// formatEnvelope renders an envelope line without its terminator. The sender
// and date are only written when both are present.
func formatEnvelope(sender string, date time.Time) []byte {
	if sender == "" || date.IsZero() || strings.ContainsAny(sender, " \r\n") {
		return append([]byte(nil), fromMagic...)
	}
	line := make([]byte, 0, len(fromMagic)+len(sender)+1+len(time.ANSIC))
	line = append(line, fromMagic...)
	line = append(line, sender...)
	line = append(line, ' ')
	return date.UTC().AppendFormat(line, time.ANSIC)
}
