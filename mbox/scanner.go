package mbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

const defaultDataSize = 16 * 1024

// ErrAborted is the status passed to StopScan when Abort is called with a nil
// error.
var ErrAborted = errors.New("mbox: scan aborted")

// Listener receives the lifecycle of a scan. All callbacks run on the scan's
// goroutine, in order. A non-nil error from any callback other than StopScan
// aborts the scan with that error.
type Listener interface {
	StartScan() error
	StartMessage(token, envelopeAddress string, envelopeDate time.Time) error
	// Data receives decoded message bytes. p is only valid during the call.
	Data(p []byte) error
	StopMessage(err error) error
	// StopScan is called exactly once, with nil when the mbox was read to
	// the end.
	StopScan(err error)
}

// ScanOptions configures BeginScan.
type ScanOptions struct {
	ReadSize int
	// DataSize is the largest slice handed to a single Data call.
	DataSize int
	Logger   *slog.Logger
}

// Scan is a running scan started by BeginScan. Callers may drop it; the scan
// keeps running until the mbox is exhausted, a step fails, or ctx is done.
type Scan struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// BeginScan starts reading src on a new goroutine and reports every message
// to l. The scan owns src and closes it when it stops, if src implements
// io.Closer. No callback is invoked before BeginScan returns.
func BeginScan(ctx context.Context, src io.Reader, l Listener, opts ScanOptions) *Scan {
	ctx, cancel := context.WithCancelCause(ctx)
	s := &Scan{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	size := opts.DataSize
	if size <= 0 {
		size = defaultDataSize
	}
	r := NewMessageReader(src, ReaderOptions{ReadSize: opts.ReadSize, Logger: opts.Logger})

	go s.run(ctx, r, l, size, opts.Logger)
	return s
}

// Abort stops the scan. No further reads are issued and StopScan receives
// err, or ErrAborted if err is nil. Aborting a finished scan has no effect.
func (s *Scan) Abort(err error) {
	if err == nil {
		err = ErrAborted
	}
	s.cancel(err)
}

// Done is closed once StopScan has returned.
func (s *Scan) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the scan stops and returns the status given to StopScan.
func (s *Scan) Wait() error {
	<-s.done
	return s.err
}

func (s *Scan) run(ctx context.Context, r *MessageReader, l Listener, size int, logger *slog.Logger) {
	defer close(s.done)
	defer s.cancel(nil)

	err := s.scan(ctx, r, l, make([]byte, size))
	if cerr := r.Close(); cerr != nil && logger != nil {
		logger.Debug("mbox scan source close failed", "err", cerr)
	}

	s.err = err
	l.StopScan(err)
}

func (s *Scan) scan(ctx context.Context, r *MessageReader, l Listener, buf []byte) error {
	if err := l.StartScan(); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		more, err := r.Next()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}

		if err := l.StartMessage(r.Token(), r.EnvelopeAddress(), r.EnvelopeDate()); err != nil {
			return err
		}
		readErr, listenerErr := s.copyMessage(ctx, r, l, buf)
		if listenerErr != nil {
			return listenerErr
		}
		if err := l.StopMessage(readErr); err != nil {
			return err
		}
		if readErr != nil {
			return readErr
		}
	}
}

// copyMessage streams the current message to l.Data. It separates failures
// of the source from failures returned by the listener.
func (s *Scan) copyMessage(ctx context.Context, r *MessageReader, l Listener, buf []byte) (readErr, listenerErr error) {
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx), nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			if lerr := l.Data(buf[:n]); lerr != nil {
				return nil, lerr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return err, nil
		}
	}
}
