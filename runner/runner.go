package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mboxrd/config"
	"github.com/dhcgn/mboxrd/model"
	"github.com/dhcgn/mboxrd/state"
	"github.com/dhcgn/mboxrd/stats"
)

var ErrMessageIDMissing = errors.New("decoded message has no id")

type StageFunc func(context.Context) error

// Runner wires the import pipeline: a producer writes envelopes to the
// mailbox channel, the bridge routes them to the uploads channel and every
// step is reported on the event stream. The first failure cancels the run
// and becomes the result of Start.
type Runner struct {
	logger  *slog.Logger
	tracker state.Tracker

	ctx    context.Context
	cancel context.CancelCauseFunc

	messages chan model.Envelope
	uploads  chan model.Message
	events   chan stats.Event

	stages      sync.WaitGroup
	subscribers sync.WaitGroup

	closeMailbox func()
	closeUploads func()
	closeEvents  func()
}

// New builds a runner whose tracker persists to cfg.StateDir unless the run
// is a dry run.
func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}
	return NewWithTracker(tracker, logger), nil
}

// NewWithTracker builds a runner around an existing tracker. The bridge
// stage starts right away.
func NewWithTracker(tracker state.Tracker, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancelCause(context.Background())

	r := &Runner{
		logger:   logger,
		tracker:  tracker,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		uploads:  make(chan model.Message, 32),
		events:   make(chan stats.Event, 128),
	}
	r.closeMailbox = sync.OnceFunc(func() { close(r.messages) })
	r.closeUploads = sync.OnceFunc(func() { close(r.uploads) })
	r.closeEvents = sync.OnceFunc(func() { close(r.events) })

	r.AddStage("bridge", r.bridge)
	return r
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// MailboxWriter is where the producer sends decoded envelopes. The producer
// must call CloseMailbox when it is done.
func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailbox()
}

// Uploads yields the messages that passed routing. It is closed once the
// mailbox is drained.
func (r *Runner) Uploads() <-chan model.Message {
	return r.uploads
}

// EmitEvent publishes evt unless the run has already stopped.
func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// SubscribeStats starts fn on the event stream. All subscribers share one
// channel, so each event reaches exactly one of them.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers.Add(1)
	go func() {
		defer r.subscribers.Done()
		r.check(name+" stats", fn(r.ctx, r.events))
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages.Add(1)
	go func() {
		defer r.stages.Done()
		r.check(name+" stage", fn(r.ctx))
	}()
}

// Start waits for every stage, then for the subscribers, and closes the
// tracker. It returns the first failure of the run.
func (r *Runner) Start() error {
	since := time.Now()

	r.stages.Wait()
	r.closeEvents()
	r.subscribers.Wait()

	if closer, ok := r.tracker.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			r.fail(fmt.Errorf("close state tracker: %w", err))
		}
	}

	var err error
	if r.ctx.Err() != nil {
		err = context.Cause(r.ctx)
	}
	r.cancel(context.Canceled)

	snapshot := r.tracker.Snapshot()
	attrs := []any{"duration", time.Since(since), "processed", snapshot.Processed, "lastToken", snapshot.LastToken}
	if err != nil {
		if r.logger != nil {
			r.logger.Error("pipeline failed", append(attrs, "err", err)...)
		}
		return err
	}
	if r.logger != nil {
		r.logger.Info("pipeline completed", attrs...)
	}
	return nil
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeUploads()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}
			if err := r.route(ctx, envelope); err != nil {
				return err
			}
		}
	}
}

// route classifies one decoded envelope and forwards uploadable messages.
// Only context cancellation is returned; pipeline failures go through fail.
func (r *Runner) route(ctx context.Context, envelope model.Envelope) error {
	msg := envelope.Message
	mboxEvent := func(t stats.EventType) stats.Event {
		return stats.Event{Stage: stats.StageMbox, Type: t, MessageID: msg.ID, Token: msg.Token}
	}

	if envelope.Err != nil {
		evt := mboxEvent(stats.EventTypeError)
		evt.Err = envelope.Err
		r.EmitEvent(evt)
		r.fail(fmt.Errorf("mbox envelope: %w", envelope.Err))
		return nil
	}

	scanned := mboxEvent(stats.EventTypeScanned)
	scanned.Size = msg.Size
	r.EmitEvent(scanned)

	switch {
	case envelope.Filtered:
		evt := mboxEvent(stats.EventTypeFiltered)
		evt.Detail = msg.EnvelopeAddress
		r.EmitEvent(evt)
		return nil
	case msg.ID == "":
		err := fmt.Errorf("message at %s: %w", msg.Token, ErrMessageIDMissing)
		evt := mboxEvent(stats.EventTypeError)
		evt.Err = err
		r.EmitEvent(evt)
		r.fail(err)
		return nil
	case r.tracker.AlreadyProcessed(msg.Hash):
		r.EmitEvent(mboxEvent(stats.EventTypeDuplicate))
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r.uploads <- msg:
		r.EmitEvent(mboxEvent(stats.EventTypeEnqueued))
		return nil
	}
}

// check fails the run with err unless it only reports the cancellation.
func (r *Runner) check(what string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	r.fail(fmt.Errorf("%s: %w", what, err))
}

// fail cancels the run. Only the first cause is kept.
func (r *Runner) fail(err error) {
	r.cancel(err)
}
