package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mboxrd/config"
	"github.com/dhcgn/mboxrd/mbox"
)

func newSplitCmd() *cobra.Command {
	var readSize int
	cmd := &cobra.Command{
		Use:   "split FILE DIR",
		Short: "Decode every message of an mbox into DIR/<offset>.eml",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cleanup, err := commandLogger(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			src, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open mbox: %w", err)
			}
			if err := os.MkdirAll(args[1], 0o755); err != nil {
				_ = src.Close()
				return err
			}

			r := mbox.NewMessageReader(src, mbox.ReaderOptions{ReadSize: readSize, Logger: logger})
			count, size, err := splitMessages(r, args[1])
			if cerr := r.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			logger.Info("mbox split", "messages", count, "bytes", humanize.Bytes(uint64(size)), "dir", args[1])
			return nil
		},
	}
	cmd.Flags().IntVar(&readSize, "read-size", config.DefaultReadSize, "Bytes read from the mbox per read call")
	config.RegisterLogFlags(cmd.Flags())
	return cmd
}

func init() {
	rootCmd.AddCommand(newSplitCmd())
}

// splitMessages streams each message of r into its own file under dir.
func splitMessages(r *mbox.MessageReader, dir string) (count int, size int64, err error) {
	for {
		ok, err := r.Next()
		if err != nil {
			return count, size, err
		}
		if !ok {
			return count, size, nil
		}

		n, err := writeMessageFile(filepath.Join(dir, r.Token()+".eml"), r)
		if err != nil {
			return count, size, fmt.Errorf("message at %s: %w", r.Token(), err)
		}
		count++
		size += n
	}
}

func writeMessageFile(path string, r io.Reader) (n int64, err error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()
	return io.Copy(file, r)
}
