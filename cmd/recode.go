package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mboxrd/config"
	"github.com/dhcgn/mboxrd/mbox"
)

func newRecodeCmd() *cobra.Command {
	var (
		lf       bool
		readSize int
	)
	cmd := &cobra.Command{
		Use:   "recode IN OUT",
		Short: "Decode an mbox and encode it again with normalized quoting and envelopes",
		Long: `recode decodes every message of IN and writes it to OUT as mboxrd.
Envelope lines keep their sender and date when both parse, and become a bare
"From " otherwise. Use - for stdin or stdout.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cleanup, err := commandLogger(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			out, closeOut, err := openOutput(cmd, args[1])
			if err != nil {
				_ = in.Close()
				return err
			}

			r := mbox.NewMessageReader(in, mbox.ReaderOptions{ReadSize: readSize, Logger: logger})
			bw := bufio.NewWriter(out)
			count, size, err := recode(r, mbox.NewWriter(bw, encoderOptions(lf)))
			if err == nil {
				err = bw.Flush()
			}
			if cerr := closeOut(); err == nil {
				err = cerr
			}
			if cerr := r.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			logger.Info("mbox recoded", "messages", count, "bytes", humanize.Bytes(uint64(size)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&lf, "lf", false, "Terminate envelope and separator lines with \\n instead of \\r\\n")
	cmd.Flags().IntVar(&readSize, "read-size", config.DefaultReadSize, "Bytes read from the mbox per read call")
	config.RegisterLogFlags(cmd.Flags())
	return cmd
}

func init() {
	rootCmd.AddCommand(newRecodeCmd())
}

// recode copies every message of r to w, carrying the envelope fields over.
func recode(r *mbox.MessageReader, w *mbox.Writer) (count int, size int64, err error) {
	for {
		ok, err := r.Next()
		if err != nil {
			return count, size, err
		}
		if !ok {
			return count, size, w.Close()
		}

		mw, err := w.CreateMessage(r.EnvelopeAddress(), r.EnvelopeDate())
		if err != nil {
			return count, size, err
		}
		n, err := io.Copy(mw, r)
		if err != nil {
			return count, size, fmt.Errorf("message at %s: %w", r.Token(), err)
		}
		count++
		size += n
	}
}

func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	return f, nil
}

func openOutput(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
