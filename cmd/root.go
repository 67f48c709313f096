package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mboxrd/config"
	"github.com/dhcgn/mboxrd/imap"
	"github.com/dhcgn/mboxrd/mbox"
	"github.com/dhcgn/mboxrd/progress"
	"github.com/dhcgn/mboxrd/runner"
	"github.com/dhcgn/mboxrd/stats"
)

var rootCmd = &cobra.Command{
	Use:   "mboxrd",
	Short: "Decode, encode and import mboxrd archives",
	Long: `mboxrd reads and writes mailbox archives in the mboxrd format.

Without a subcommand it imports an mbox into an IMAP mailbox. Messages that
an earlier run already delivered are skipped.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(cmd)
		if err != nil {
			return err
		}

		logger, cleanup, err := setupLogger(cfg.LogLevel, cfg.LogDir)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		slog.SetDefault(logger)
		logger.Info("starting import", "mbox", cfg.MboxPath, "target", cfg.TargetFolder, "dryRun", cfg.DryRun)

		return runImport(cfg, logger)
	},
}

func init() {
	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runImport(cfg config.Config, logger *slog.Logger) error {
	r, err := runner.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	if cfg.Progress && cfg.LogLevel == "info" {
		total, err := mbox.CountMessages(cfg.MboxPath, cfg.ReadSize)
		if err != nil {
			return fmt.Errorf("count messages: %w", err)
		}
		bar := progress.New(total, r.Tracker().Snapshot().Processed, cfg.LogLevel)
		progress.NewReporter(r, bar, logger)
	} else {
		stats.NewReporter(r, logger)
	}

	sourceOpts := mbox.Options{
		Path:     cfg.MboxPath,
		ReadSize: cfg.ReadSize,
		Filter:   cfg.Filter(),
	}
	if _, err := mbox.NewProducer(sourceOpts, r, logger); err != nil {
		return fmt.Errorf("mbox.NewProducer: %w", err)
	}

	uploaderOpts := imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		TargetFolder:       cfg.TargetFolder,
		DryRun:             cfg.DryRun,
	}
	if _, err := imap.NewUploader(uploaderOpts, r, logger); err != nil {
		return fmt.Errorf("imap.NewUploader: %w", err)
	}

	return r.Start()
}
