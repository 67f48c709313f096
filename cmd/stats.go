package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mboxrd/config"
	"github.com/dhcgn/mboxrd/filter"
	"github.com/dhcgn/mboxrd/mbox"
	"github.com/dhcgn/mboxrd/stats"
)

var trackedHeaders = []string{"Delivered-To", "Subject", "From", "To"}

const csvLimit = 1000

type statsOptions struct {
	reportDir string
	topN      int
	readSize  int
	jobs      int
}

// headerStats counts header values and message sizes over one or more
// mboxes. It is safe for concurrent use.
type headerStats struct {
	mu       sync.Mutex
	counts   map[string]map[string]int
	senders  map[string]int
	messages int
	skipped  int
	bytes    int64
}

func newHeaderStats() *headerStats {
	h := &headerStats{
		counts:  make(map[string]map[string]int, len(trackedHeaders)),
		senders: make(map[string]int),
	}
	for _, name := range trackedHeaders {
		h.counts[name] = make(map[string]int)
	}
	return h
}

func (h *headerStats) add(m *mbox.MboxMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages++
	h.bytes += m.Size
	for _, name := range trackedHeaders {
		if value := m.Header.Get(name); value != "" {
			h.counts[name][value]++
		}
	}
	if m.EnvelopeAddress != "" {
		h.senders[m.EnvelopeAddress]++
	}
}

func (h *headerStats) skip() {
	h.mu.Lock()
	h.skipped++
	h.mu.Unlock()
}

func newStatsCmd() *cobra.Command {
	opts := statsOptions{}
	cmd := &cobra.Command{
		Use:   "stats FILE...",
		Short: "Show header statistics for mbox files and save CSV reports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, cleanup, err := commandLogger(cmd)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			filterOpts, err := config.LoadFilterFlags(cmd.Flags())
			if err != nil {
				return err
			}
			f, err := filter.New(filterOpts)
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			h := newHeaderStats()
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(max(opts.jobs, 1))
			for _, path := range args {
				g.Go(func() error {
					logger.Debug("scanning mbox", "path", path)
					return collectStats(ctx, path, opts.readSize, f, h)
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printStats(out, h, f.GetStats(), opts.topN)

			if err := saveCSVReports(h, opts.reportDir, csvLimit); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "\nReports saved to directory: %s\n", opts.reportDir)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.reportDir, "output", "o", ".", "Output directory for CSV reports")
	flags.IntVarP(&opts.topN, "top", "t", 10, "Number of top items to display in statistics")
	flags.IntVar(&opts.readSize, "read-size", config.DefaultReadSize, "Bytes read from each mbox per read call")
	flags.IntVarP(&opts.jobs, "jobs", "j", 4, "Number of mbox files scanned at once")
	config.RegisterLogFlags(flags)
	config.RegisterFilterFlags(flags)
	return cmd
}

func init() {
	rootCmd.AddCommand(newStatsCmd())
}

func collectStats(ctx context.Context, path string, readSize int, f *filter.Filter, h *headerStats) error {
	err := mbox.Read(path, readSize, func(m *mbox.MboxMessage) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !f.Allows(m.RawHeader, m.Body, m.EnvelopeAddress) {
			h.skip()
			return nil
		}
		h.add(m)
		return nil
	})
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func printStats(w io.Writer, h *headerStats, fs filter.Stats, topN int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := h.messages + h.skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(h.skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %s messages, %s (skipped %s by filters, %.2f%%)\n\n",
		humanize.Comma(int64(h.messages)), humanize.Bytes(uint64(h.bytes)), humanize.Comma(int64(h.skipped)), filterPercent)

	groups := []struct {
		title    string
		patterns []string
	}{
		{"Include Header Filters", fs.IncludeHeaderPatterns},
		{"Include Body Filters", fs.IncludeBodyPatterns},
		{"Include Sender Filters", fs.IncludeSenderPatterns},
		{"Exclude Header Filters", fs.ExcludeHeaderPatterns},
		{"Exclude Body Filters", fs.ExcludeBodyPatterns},
		{"Exclude Sender Filters", fs.ExcludeSenderPatterns},
	}
	printed := false
	for _, g := range groups {
		if len(g.patterns) == 0 {
			continue
		}
		printed = true
		fmt.Fprintf(w, "%s:\n", g.title)
		printFilterHits(w, g.patterns, fs.Hits)
		fmt.Fprintln(w)
	}
	if printed {
		fmt.Fprint(w, "---\n\n")
	}

	for _, name := range trackedHeaders {
		fmt.Fprintf(w, "Top %d %s:\n", topN, name)
		stats.PrettyPrintTop(w, h.counts[name], topN)
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Top %d envelope senders:\n", topN)
	stats.PrettyPrintTop(w, h.senders, topN)
}

func printFilterHits(w io.Writer, patterns []string, hits map[string]int) {
	counts := make(map[string]int, len(patterns))
	for _, p := range patterns {
		counts[p] = hits[p]
	}
	for _, c := range stats.Top(counts, -1) {
		mark := "✓"
		if c.Value == 0 {
			mark = "✗"
		}
		fmt.Fprintf(w, "  %s %s: %d hits\n", mark, c.Key, c.Value)
	}
}

func saveCSVReports(h *headerStats, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	reports := make(map[string]map[string]int, len(h.counts)+1)
	for name, counts := range h.counts {
		reports[normalizeHeaderName(name)] = counts
	}
	reports["envelope_sender"] = h.senders

	for name, counts := range reports {
		path := filepath.Join(dir, fmt.Sprintf("report_%s.csv", name))
		if err := writeCSVReport(path, counts, limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, counts map[string]int, limit int) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, c := range stats.Top(counts, limit) {
		if err := writer.Write([]string{c.Key, strconv.Itoa(c.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
