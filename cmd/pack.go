package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mboxrd/config"
	"github.com/dhcgn/mboxrd/mbox"
)

type packOptions struct {
	lf       bool
	envelope bool
}

func newPackCmd() *cobra.Command {
	opts := packOptions{}
	cmd := &cobra.Command{
		Use:   "pack DIR OUT",
		Short: "Encode the *.eml files of DIR, in name order, into one mbox",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cleanup, err := commandLogger(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			files, err := messageFiles(args[0])
			if err != nil {
				return err
			}

			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			bw := bufio.NewWriter(out)
			size, err := packFiles(mbox.NewWriter(bw, encoderOptions(opts.lf)), files, opts.envelope, logger)
			if err == nil {
				err = bw.Flush()
			}
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			logger.Info("mbox packed", "messages", len(files), "bytes", humanize.Bytes(uint64(size)), "out", args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.lf, "lf", false, "Terminate envelope and separator lines with \\n instead of \\r\\n")
	cmd.Flags().BoolVar(&opts.envelope, "envelope", true, "Fill the envelope line from the Return-Path or From and Date headers")
	config.RegisterLogFlags(cmd.Flags())
	return cmd
}

func init() {
	rootCmd.AddCommand(newPackCmd())
}

func encoderOptions(lf bool) mbox.EncoderOptions {
	if lf {
		return mbox.EncoderOptions{EOL: "\n"}
	}
	return mbox.EncoderOptions{EOL: "\r\n"}
}

// messageFiles lists dir/*.eml. Names whose stem is a number, as written by
// split, sort numerically; others sort after them by name.
func messageFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.eml"))
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return nameLess(filepath.Base(files[i]), filepath.Base(files[j]))
	})
	return files, nil
}

func nameLess(a, b string) bool {
	na, aerr := strconv.ParseUint(strings.TrimSuffix(a, ".eml"), 10, 64)
	nb, berr := strconv.ParseUint(strings.TrimSuffix(b, ".eml"), 10, 64)
	switch {
	case aerr == nil && berr == nil:
		return na < nb
	case aerr == nil:
		return true
	case berr == nil:
		return false
	default:
		return a < b
	}
}

func packFiles(w *mbox.Writer, files []string, envelope bool, logger *slog.Logger) (int64, error) {
	var total int64
	for _, path := range files {
		n, err := packFile(w, path, envelope, logger)
		if err != nil {
			return total, fmt.Errorf("pack %s: %w", path, err)
		}
		total += n
	}
	return total, w.Close()
}

func packFile(w *mbox.Writer, path string, envelope bool, logger *slog.Logger) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var (
		sender string
		date   time.Time
	)
	if envelope {
		sender, date = envelopeFromHeader(file)
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		if sender == "" || date.IsZero() {
			logger.Debug("no envelope fields in header", "path", path)
		}
	}

	mw, err := w.CreateMessage(sender, date)
	if err != nil {
		return 0, err
	}
	return io.Copy(mw, file)
}

// envelopeFromHeader picks the envelope sender and date of a message from its
// Return-Path (or first From address) and Date headers. Either result is
// empty when the header is missing or unparsable.
func envelopeFromHeader(r io.Reader) (string, time.Time) {
	th, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil && th.Len() == 0 {
		return "", time.Time{}
	}
	h := mail.Header{Header: message.Header{Header: th}}

	sender := strings.Trim(strings.TrimSpace(h.Get("Return-Path")), "<>")
	if sender == "" {
		if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
			sender = from[0].Address
		}
	}
	if strings.ContainsAny(sender, " \t\r\n") {
		sender = ""
	}

	date, err := h.Date()
	if err != nil {
		return sender, time.Time{}
	}
	return sender, date.UTC()
}
