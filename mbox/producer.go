package mbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mboxrd/filter"
	"github.com/dhcgn/mboxrd/model"
	"github.com/dhcgn/mboxrd/runner"
)

var (
	ErrMessageIDMissing = errors.New("mbox message missing Message-Id header")

	errStopStream = errors.New("mbox stream stopped")
)

// Options configures a Source.
type Options struct {
	Path     string
	ReadSize int
	Filter   filter.Options
}

// Source streams the messages of an mbox into a pipeline.
type Source interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

// NewSource validates opts and returns a Source reading opts.Path.
func NewSource(opts Options, logger *slog.Logger) (Source, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	f, err := filter.New(opts.Filter)
	if err != nil {
		return nil, err
	}

	return &fileSource{
		path:     path,
		readSize: opts.ReadSize,
		filter:   f,
		logger:   logger,
		open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

type fileSource struct {
	path     string
	readSize int
	filter   *filter.Filter
	logger   *slog.Logger
	open     func() (io.ReadCloser, error)
}

func (f *fileSource) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := f.open()
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}

	idx := 0
	collector := &messageCollector{
		onMessage: func(msg model.Message) error {
			defer func() { idx++ }()

			if !f.filter.AllowsMessage(msg) {
				return emitEnvelope(ctx, out, model.Envelope{Message: msg, Filtered: true})
			}

			if err := parseMail(&msg); err != nil {
				if errors.Is(err, ErrMessageIDMissing) {
					err = fmt.Errorf("message %d at %s: %w", idx, msg.Token, err)
				} else {
					err = fmt.Errorf("message %d at %s parse: %w", idx, msg.Token, err)
				}
				if emitErr := f.emitError(ctx, out, err); emitErr != nil {
					return emitErr
				}
				return errStopStream
			}

			return emitEnvelope(ctx, out, model.Envelope{Message: msg})
		},
	}

	scan := BeginScan(ctx, file, collector, ScanOptions{ReadSize: f.readSize, Logger: f.logger})
	err = scan.Wait()
	switch {
	case err == nil, errors.Is(err, errStopStream):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return f.emitError(ctx, out, fmt.Errorf("message %d: %w", idx, err))
	}
}

func (f *fileSource) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if f.logger != nil {
		f.logger.Error("mbox stream error", "path", f.path, "err", err)
	}
	return emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// messageCollector is a Listener that buffers each message and hands it over
// once complete.
type messageCollector struct {
	onMessage func(model.Message) error

	cur model.Message
	buf bytes.Buffer
}

func (c *messageCollector) StartScan() error { return nil }

func (c *messageCollector) StartMessage(token, envelopeAddress string, envelopeDate time.Time) error {
	c.cur = model.Message{
		Token:           token,
		EnvelopeAddress: envelopeAddress,
		EnvelopeDate:    envelopeDate,
	}
	c.buf.Reset()
	return nil
}

func (c *messageCollector) Data(p []byte) error {
	_, err := c.buf.Write(p)
	return err
}

func (c *messageCollector) StopMessage(err error) error {
	if err != nil {
		return err
	}
	msg := c.cur
	msg.Raw = bytes.Clone(c.buf.Bytes())
	msg.Size = int64(len(msg.Raw))
	msg.Hash = hashRaw(msg.Raw)
	return c.onMessage(msg)
}

func (c *messageCollector) StopScan(error) {}

func hashRaw(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// readHeader parses the header block of a decoded message. A message made of
// header lines only is accepted.
func readHeader(raw []byte) (mail.Header, error) {
	hdr, _ := filter.SplitRawMessage(raw)
	br := bufio.NewReader(io.MultiReader(bytes.NewReader(hdr), strings.NewReader("\r\n\r\n")))
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return mail.Header{}, err
	}
	return mail.Header{Header: message.Header{Header: th}}, nil
}

// parseMail fills ID and ReceivedAt from the message header. The envelope
// date stands in for a missing or broken Date header.
func parseMail(msg *model.Message) error {
	h, err := readHeader(msg.Raw)
	if err != nil {
		return err
	}

	id, err := h.MessageID()
	if err != nil || id == "" {
		id = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}
	if id == "" {
		return ErrMessageIDMissing
	}
	msg.ID = id

	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date
	} else {
		msg.ReceivedAt = msg.EnvelopeDate
	}

	if msg.Hash == "" {
		msg.Hash = hashRaw(msg.Raw)
	}
	return nil
}

// Producer feeds an mbox into a runner as its "mbox" stage.
type Producer struct {
	source Source
	runner *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	source, err := NewSource(opts, logger)
	if err != nil {
		return nil, err
	}
	producer := &Producer{source: source, runner: r}
	r.AddStage("mbox", producer.run)
	return producer, nil
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseMailbox()
	return p.source.Stream(ctx, p.runner.MailboxWriter())
}

// MboxMessage is a decoded message split for inspection.
type MboxMessage struct {
	Token           string
	EnvelopeAddress string
	EnvelopeDate    time.Time
	Header          mail.Header
	RawHeader       []byte
	Body            []byte
	Size            int64
}

// Read decodes every message of the mbox at path and passes it to callback.
// Messages whose header block cannot be parsed are skipped.
func Read(path string, readSize int, callback func(m *MboxMessage) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	return ReadFrom(file, readSize, callback)
}

// ReadFrom is Read over an already open source, which it closes.
func ReadFrom(src io.Reader, readSize int, callback func(m *MboxMessage) error) error {
	r := NewMessageReader(src, ReaderOptions{ReadSize: readSize})
	defer r.Close()

	for {
		ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		raw, err := io.ReadAll(r)
		if err != nil {
			return err
		}

		h, err := readHeader(raw)
		if err != nil {
			// try to continue
			continue
		}
		header, body := filter.SplitRawMessage(raw)

		m := &MboxMessage{
			Token:           r.Token(),
			EnvelopeAddress: r.EnvelopeAddress(),
			EnvelopeDate:    r.EnvelopeDate(),
			Header:          h,
			RawHeader:       header,
			Body:            body,
			Size:            int64(len(raw)),
		}
		if err := callback(m); err != nil {
			return err
		}
	}
}

// CountMessages counts the messages in the mbox at path without keeping any
// of them in memory.
func CountMessages(path string, readSize int) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}

	r := NewMessageReader(file, ReaderOptions{ReadSize: readSize})
	defer r.Close()

	count := 0
	for {
		ok, err := r.Next()
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return count, err
		}
		count++
	}
}
