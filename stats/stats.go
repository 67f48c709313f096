package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

type Stage string

const (
	StageMbox Stage = "mbox"
	StageIMAP Stage = "imap"
)

type EventType string

const (
	EventTypeScanned      EventType = "scanned"
	EventTypeEnqueued     EventType = "enqueued"
	EventTypeUploaded     EventType = "uploaded"
	EventTypeDryRunUpload EventType = "dry_run_uploaded"
	EventTypeDuplicate    EventType = "duplicate"
	EventTypeFiltered     EventType = "filtered"
	EventTypeError        EventType = "error"
)

// Event reports one step of a message through the pipeline. Token is the
// message's position in the mbox and Size its decoded length in bytes.
type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Token     string
	Size      int64
	Err       error
	Detail    string
}

// Summary is the running tally of a pipeline's events.
type Summary struct {
	Scanned        int
	Filtered       int
	Enqueued       int
	Uploaded       int
	DryRunUploaded int
	Duplicates     int
	Errors         int
	// Bytes is the decoded size of every scanned message.
	Bytes     int64
	LastToken string
	LastError error
}

// Add counts evt. Events of unknown type are ignored.
func (s *Summary) Add(evt Event) {
	if n := s.counter(evt.Type); n != nil {
		*n++
	}
	switch evt.Type {
	case EventTypeScanned:
		s.Bytes += evt.Size
		if evt.Token != "" {
			s.LastToken = evt.Token
		}
	case EventTypeError:
		if evt.Err != nil {
			s.LastError = evt.Err
		}
	}
}

func (s *Summary) counter(t EventType) *int {
	switch t {
	case EventTypeScanned:
		return &s.Scanned
	case EventTypeFiltered:
		return &s.Filtered
	case EventTypeEnqueued:
		return &s.Enqueued
	case EventTypeUploaded:
		return &s.Uploaded
	case EventTypeDryRunUpload:
		return &s.DryRunUploaded
	case EventTypeDuplicate:
		return &s.Duplicates
	case EventTypeError:
		return &s.Errors
	}
	return nil
}

// LogAttrs renders s for structured logging.
func (s Summary) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.Int("scanned", s.Scanned),
		slog.Int("filtered", s.Filtered),
		slog.Int("enqueued", s.Enqueued),
		slog.Int("uploaded", s.Uploaded),
		slog.Int("dryRunUploaded", s.DryRunUploaded),
		slog.Int("duplicates", s.Duplicates),
		slog.Int("errors", s.Errors),
		slog.String("bytes", humanize.Bytes(uint64(s.Bytes))),
	}
	if s.LastToken != "" {
		attrs = append(attrs, slog.String("lastToken", s.LastToken))
	}
	if s.LastError != nil {
		attrs = append(attrs, slog.String("lastError", s.LastError.Error()))
	}
	return attrs
}

// Collector is a Summary safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

// Run applies events until the channel closes or ctx is done.
func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

// Apply counts one event.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	c.summary.Add(evt)
	c.mu.Unlock()
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// EventStream is implemented by the runner.
type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

// Reporter logs a summary once the event stream ends.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	r := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", r.consume)
	return r
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)

	err := ctx.Err()
	if r.logger != nil {
		attrs := append(r.collector.Snapshot().LogAttrs(), slog.Duration("duration", time.Since(r.started)))
		if err != nil {
			r.logger.LogAttrs(context.Background(), slog.LevelDebug, "stats collection stopped", append(attrs, slog.Any("err", err))...)
		} else {
			r.logger.LogAttrs(context.Background(), slog.LevelInfo, "stats summary", attrs...)
		}
	}
	return err
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Count is one entry of a frequency table.
type Count struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys of m, highest first. Ties are
// ordered by key so the output is stable. A negative limit keeps all.
func Top(m map[string]int, limit int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value == out[j].Value {
			return out[i].Key < out[j].Key
		}
		return out[i].Value > out[j].Value
	})
	if limit >= 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// PrettyPrintTop writes a numbered list of the limit most frequent keys.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, c := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, c.Key, c.Value)
	}
}
