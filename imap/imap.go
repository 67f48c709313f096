package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mboxrd/model"
	"github.com/dhcgn/mboxrd/runner"
	"github.com/dhcgn/mboxrd/state"
	"github.com/dhcgn/mboxrd/stats"
)

var (
	ErrMissingMessageID = errors.New("message id is empty")
	ErrMissingHash      = errors.New("message hash is empty")
)

const defaultMailbox = "INBOX"

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	DryRun             bool
}

// Validate reports the first missing connection setting. Dry runs never
// connect and need none.
func (o Options) Validate() error {
	if o.DryRun {
		return nil
	}
	if o.Host == "" {
		return fmt.Errorf("imap host is empty")
	}
	if o.Port <= 0 {
		return fmt.Errorf("imap port must be positive")
	}
	return nil
}

func (o Options) mailbox() string {
	if o.TargetFolder == "" {
		return defaultMailbox
	}
	return o.TargetFolder
}

// Uploader is the "imap" stage. It appends every message the runner hands
// over to the target mailbox and marks it processed once the server accepted
// it.
type Uploader struct {
	opts    Options
	runner  *runner.Runner
	tracker state.Tracker
	uploads <-chan model.Message
	logger  *slog.Logger

	session *session
}

func NewUploader(opts Options, r *runner.Runner, logger *slog.Logger) (*Uploader, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	tracker := r.Tracker()
	if tracker == nil {
		return nil, fmt.Errorf("tracker must not be nil")
	}
	uploader := &Uploader{
		opts:    opts,
		runner:  r,
		tracker: tracker,
		uploads: r.Uploads(),
		logger:  logger,
	}
	r.AddStage("imap", uploader.run)
	return uploader, nil
}

func (u *Uploader) run(ctx context.Context) error {
	defer u.hangUp(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-u.uploads:
			if !ok {
				return nil
			}
			if err := u.deliver(ctx, msg); err != nil {
				if errors.Is(err, ErrMissingMessageID) {
					continue
				}
				return err
			}
		}
	}
}

// deliver uploads one message. ErrMissingMessageID is reported but does not
// stop the stage.
func (u *Uploader) deliver(ctx context.Context, msg model.Message) error {
	if msg.ID == "" {
		u.failed(msg, ErrMissingMessageID)
		return ErrMissingMessageID
	}
	if msg.Hash == "" {
		err := fmt.Errorf("message %s at %s: %w", msg.ID, msg.Token, ErrMissingHash)
		u.failed(msg, err)
		return err
	}

	evt := stats.EventTypeDryRunUpload
	if !u.opts.DryRun {
		s, err := u.connect(ctx)
		if err != nil {
			u.failed(msg, err)
			return err
		}
		if err := s.append(msg); err != nil {
			err = fmt.Errorf("upload message %s at %s: %w", msg.ID, msg.Token, err)
			u.failed(msg, err)
			return err
		}
		evt = stats.EventTypeUploaded
	}

	if err := u.tracker.MarkProcessed(msg.Hash, msg.ID, msg.Token); err != nil {
		u.failed(msg, err)
		return err
	}

	u.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: evt, MessageID: msg.ID, Token: msg.Token, Size: msg.Size})
	if u.logger != nil {
		u.logger.Debug("message delivered", "messageID", msg.ID, "token", msg.Token, "target", u.opts.mailbox(), "dryRun", u.opts.DryRun)
	}
	return nil
}

func (u *Uploader) failed(msg model.Message, err error) {
	u.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, MessageID: msg.ID, Token: msg.Token, Err: err})
}

func (u *Uploader) connect(ctx context.Context) (*session, error) {
	if u.session != nil {
		return u.session, nil
	}
	s, err := dial(ctx, u.opts, u.logger)
	if err != nil {
		return nil, err
	}
	u.session = s
	return s, nil
}

func (u *Uploader) hangUp(ctx context.Context) {
	if u.session == nil {
		return
	}
	u.session.close(ctx.Err() == nil)
	u.session = nil
}

// session is one logged in IMAP connection with the target mailbox ensured.
type session struct {
	client    *imapclient.Client
	mailbox   string
	logger    *slog.Logger
	stopClose func() bool
}

func dial(ctx context.Context, opts Options, logger *slog.Logger) (*session, error) {
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	s := &session{client: client, mailbox: opts.mailbox(), logger: logger}
	if err := s.ensureMailbox(); err != nil {
		_ = client.Close()
		return nil, err
	}

	s.stopClose = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "target", s.mailbox, "tls", opts.UseTLS)
	}
	return s, nil
}

func (s *session) close(logout bool) {
	s.stopClose()
	if logout {
		if err := s.client.Logout().Wait(); err != nil && s.logger != nil {
			s.logger.Warn("imap logout failed", "err", err)
		}
	}
	if err := s.client.Close(); err != nil && s.logger != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
}

// append stores msg.Raw with the message's received time as internal date.
func (s *session) append(msg model.Message) error {
	var opts *imapv2.AppendOptions
	if at := receivedAt(msg); !at.IsZero() {
		opts = &imapv2.AppendOptions{Time: at}
	}

	cmd := s.client.Append(s.mailbox, int64(len(msg.Raw)), opts)
	if _, err := writeFull(cmd, msg.Raw); err != nil {
		_ = cmd.Close()
		return fmt.Errorf("append write: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}
	return nil
}

func (s *session) ensureMailbox() error {
	if err := s.client.Create(s.mailbox, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			if s.logger != nil {
				s.logger.Debug("imap mailbox already exists", "mailbox", s.mailbox)
			}
			return nil
		}
		return fmt.Errorf("ensure mailbox %s: %w", s.mailbox, err)
	}

	if s.logger != nil {
		s.logger.Info("imap mailbox created", "mailbox", s.mailbox)
	}
	return nil
}

// receivedAt prefers the Date header and falls back to the mbox envelope
// date.
func receivedAt(msg model.Message) time.Time {
	if !msg.ReceivedAt.IsZero() {
		return msg.ReceivedAt
	}
	return msg.EnvelopeDate
}

// writeFull writes p to w, treating a zero-length write as an error.
func writeFull(w io.Writer, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := w.Write(p[written:])
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}
