package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dhcgn/mboxrd/filter"
)

const (
	// DefaultReadSize is how much of the mbox is read per source read.
	DefaultReadSize = 64 * 1024
	// MinReadSize matches the decoder's smallest useful chunk.
	MinReadSize = 512

	passwordEnv = "IMAP_PASS"
)

// Config captures all command-line options required to import an mbox.
type Config struct {
	MboxPath           string
	ReadSize           int
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	StateDir           string
	DryRun             bool
	LogLevel           string
	LogDir             string
	Progress           bool
	IncludeHeader      []string
	IncludeBody        []string
	IncludeSender      []string
	ExcludeHeader      []string
	ExcludeBody        []string
	ExcludeSender      []string
}

// Filter returns the filter options carried by cfg.
func (c Config) Filter() filter.Options {
	return filter.Options{
		IncludeHeader: c.IncludeHeader,
		IncludeBody:   c.IncludeBody,
		IncludeSender: c.IncludeSender,
		ExcludeHeader: c.ExcludeHeader,
		ExcludeBody:   c.ExcludeBody,
		ExcludeSender: c.ExcludeSender,
	}
}

// RegisterFlags attaches the import flags to cmd.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("mbox", "", "Path to the mboxrd file to import")
	flags.Int("read-size", DefaultReadSize, "Bytes read from the mbox per read call")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to "+passwordEnv+" env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("target-folder", "INBOX", "Target IMAP folder for imported mail")
	flags.String("state-dir", defaultStateDir, "Directory for incremental sync state files")
	flags.Bool("dry-run", false, "Decode and filter without uploading")
	flags.Bool("progress", true, "Show a progress bar at log level info")
	RegisterLogFlags(flags)
	RegisterFilterFlags(flags)

	return cmd.MarkFlagRequired("mbox")
}

// RegisterLogFlags adds --log-level and --log-dir.
func RegisterLogFlags(flags *pflag.FlagSet) {
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
}

// RegisterFilterFlags adds the include and exclude regex flags.
func RegisterFilterFlags(flags *pflag.FlagSet) {
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("include-sender", nil, "Regex allow-list applied to the mbox envelope sender (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	flags.StringArray("exclude-sender", nil, "Regex block-list applied to the mbox envelope sender (mutually exclusive with include flags)")
}

// LoadConfig converts the parsed Cobra flags into a validated Config.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	get := flagReader{flags: flags}

	cfg := Config{
		MboxPath:           get.getString("mbox"),
		ReadSize:           get.getInt("read-size"),
		IMAPHost:           get.getString("imap-host"),
		IMAPPort:           get.getInt("imap-port"),
		IMAPUser:           get.getString("imap-user"),
		IMAPPass:           get.getString("imap-pass"),
		UseTLS:             get.getBool("use-tls"),
		InsecureSkipVerify: get.getBool("insecure-skip-verify"),
		TargetFolder:       get.getString("target-folder"),
		StateDir:           get.getString("state-dir"),
		DryRun:             get.getBool("dry-run"),
		Progress:           get.getBool("progress"),
	}
	if get.err != nil {
		return Config{}, get.err
	}

	logLevel, logDir, err := LoadLogFlags(flags)
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel, cfg.LogDir = logLevel, logDir

	fo, err := LoadFilterFlags(flags)
	if err != nil {
		return Config{}, err
	}
	cfg.IncludeHeader, cfg.IncludeBody, cfg.IncludeSender = fo.IncludeHeader, fo.IncludeBody, fo.IncludeSender
	cfg.ExcludeHeader, cfg.ExcludeBody, cfg.ExcludeSender = fo.ExcludeHeader, fo.ExcludeBody, fo.ExcludeSender

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv(passwordEnv)
	}

	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadLogFlags reads the flags added by RegisterLogFlags. The level is
// normalized and checked.
func LoadLogFlags(flags *pflag.FlagSet) (level, dir string, err error) {
	get := flagReader{flags: flags}
	level = NormalizeLogLevel(get.getString("log-level"))
	dir = get.getString("log-dir")
	if get.err != nil {
		return "", "", get.err
	}
	if err := validateLogLevel(level); err != nil {
		return "", "", err
	}
	return level, dir, nil
}

// LoadFilterFlags reads the flags added by RegisterFilterFlags.
func LoadFilterFlags(flags *pflag.FlagSet) (filter.Options, error) {
	get := flagReader{flags: flags}
	opts := filter.Options{
		IncludeHeader: get.getStrings("include-header"),
		IncludeBody:   get.getStrings("include-body"),
		IncludeSender: get.getStrings("include-sender"),
		ExcludeHeader: get.getStrings("exclude-header"),
		ExcludeBody:   get.getStrings("exclude-body"),
		ExcludeSender: get.getStrings("exclude-sender"),
	}
	if get.err != nil {
		return filter.Options{}, get.err
	}
	if err := opts.Validate(); err != nil {
		return filter.Options{}, fmt.Errorf("filter flags: %w", err)
	}
	return opts, nil
}

// NormalizeLogLevel lowercases level and accepts "warning" for "warn".
func NormalizeLogLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return "warn"
	}
	return level
}

func validateConfig(cfg Config) error {
	if cfg.MboxPath == "" {
		return fmt.Errorf("--mbox is required")
	}
	if cfg.ReadSize < MinReadSize {
		return fmt.Errorf("--read-size must be at least %d", MinReadSize)
	}
	if !cfg.DryRun {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or %s env var", passwordEnv)
		}
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if err := cfg.Filter().Validate(); err != nil {
		return err
	}
	return validateLogLevel(cfg.LogLevel)
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid --log-level: %s", level)
	}
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mboxrd", "state"), nil
}

// flagReader keeps the first lookup error so a block of flags can be read
// without checking each one.
type flagReader struct {
	flags *pflag.FlagSet
	err   error
}

func (r *flagReader) getString(name string) string {
	v, err := r.flags.GetString(name)
	r.keep(err)
	return v
}

func (r *flagReader) getInt(name string) int {
	v, err := r.flags.GetInt(name)
	r.keep(err)
	return v
}

func (r *flagReader) getBool(name string) bool {
	v, err := r.flags.GetBool(name)
	r.keep(err)
	return v
}

func (r *flagReader) getStrings(name string) []string {
	v, err := r.flags.GetStringArray(name)
	r.keep(err)
	return v
}

func (r *flagReader) keep(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}
