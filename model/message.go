package model

import "time"

// Message is a single message decoded from an mbox archive.
type Message struct {
	ID   string
	Hash string
	// ReceivedAt comes from the Date header, or the envelope date when the
	// header is missing or unparsable.
	ReceivedAt time.Time
	Size       int64
	Raw        []byte

	// Token is the position of the message's envelope line in the mbox. It
	// is opaque and only meaningful to the reader that produced it.
	Token           string
	EnvelopeAddress string
	EnvelopeDate    time.Time
}

// Envelope wraps a message alongside an optional error encountered while
// decoding. Filtered marks messages rejected by the configured filters.
type Envelope struct {
	Message  Message
	Err      error
	Filtered bool
}
