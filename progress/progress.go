package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"github.com/dhcgn/mboxrd/stats"
)

const titleWidth = 40

// Bar tracks how far the decoder got through an mbox.
type Bar struct {
	pb          *pterm.ProgressbarPrinter
	total       int
	alreadyDone int
	mu          sync.Mutex
	enabled     bool
}

// New creates a progress bar when logLevel is "info". total is the number of
// messages in the mbox, alreadyDone how many of them earlier runs delivered.
func New(total int, alreadyDone int, logLevel string) *Bar {
	bar := &Bar{
		total:       total,
		alreadyDone: alreadyDone,
		enabled:     logLevel == "info" && total > 0,
	}
	if !bar.enabled {
		return bar
	}

	pterm.Info.Printf("Messages in mbox: %d\n", total)
	pterm.Info.Printf("Already delivered: %d\n", alreadyDone)
	pterm.Println()

	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Decoding messages").
		Start()
	if err != nil {
		bar.enabled = false
		return bar
	}
	bar.pb = pb
	return bar
}

// Update advances the bar for every message the decoder produced, whatever
// happened to it afterwards.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeScanned:
		b.pb.Increment()
		if title := shorten(evt.MessageID, evt.Token); title != "" {
			b.pb.UpdateTitle(title)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// shorten picks a message id, or the position token when there is none, and
// cuts it to the title width.
func shorten(messageID, token string) string {
	title := messageID
	if title == "" && token != "" {
		title = "offset " + token
	}
	if len(title) > titleWidth {
		title = title[:titleWidth-3] + "..."
	}
	return title
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
}

// Subscriber feeds pipeline events into the bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				b.Stop()
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter prints a final summary table, with a progress bar while the
// pipeline runs. It replaces stats.Reporter on interactive runs.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewReporter subscribes to stream. Events reach the bar through the
// collector so a single subscriber drains the channel.
func NewReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *Reporter {
	if bar == nil {
		bar = &Bar{}
	}
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("progress", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan stats.Event) error {
	tee := make(chan stats.Event)
	done := make(chan error, 1)
	go func() {
		done <- r.bar.Subscriber(ctx, tee)
	}()

	func() {
		defer close(tee)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				r.collector.Apply(evt)
				select {
				case tee <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	<-done

	r.printSummary(r.collector.Snapshot(), time.Since(r.started))
	return nil
}

// Summary returns the counters collected so far.
func (r *Reporter) Summary() stats.Summary {
	return r.collector.Snapshot()
}

func (r *Reporter) printSummary(summary stats.Summary, duration time.Duration) {
	if r.logger != nil {
		r.logger.LogAttrs(context.Background(), slog.LevelDebug, "stats summary", append(summary.LogAttrs(), slog.Duration("duration", duration))...)
	}

	data := pterm.TableData{
		{"Metric", "Value"},
		{"Duration", duration.Round(time.Millisecond).String()},
		{"Scanned", humanize.Comma(int64(summary.Scanned))},
		{"Decoded size", humanize.Bytes(uint64(summary.Bytes))},
		{"Filtered", humanize.Comma(int64(summary.Filtered))},
		{"Enqueued", humanize.Comma(int64(summary.Enqueued))},
		{"Uploaded", humanize.Comma(int64(summary.Uploaded))},
		{"Dry-run uploaded", humanize.Comma(int64(summary.DryRunUploaded))},
		{"Duplicates (skipped)", humanize.Comma(int64(summary.Duplicates))},
		{"Errors", humanize.Comma(int64(summary.Errors))},
	}
	if summary.LastToken != "" {
		data = append(data, []string{"Last offset", summary.LastToken})
	}

	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
