package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/dhcgn/mboxrd/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	IncludeSender []string
	ExcludeHeader []string
	ExcludeBody   []string
	ExcludeSender []string
}

// Active reports whether any pattern is configured.
func (o Options) Active() bool {
	return o.includeActive() || o.excludeActive()
}

func (o Options) includeActive() bool {
	return len(o.IncludeHeader) > 0 || len(o.IncludeBody) > 0 || len(o.IncludeSender) > 0
}

func (o Options) excludeActive() bool {
	return len(o.ExcludeHeader) > 0 || len(o.ExcludeBody) > 0 || len(o.ExcludeSender) > 0
}

// Validate rejects configurations mixing include and exclude patterns.
func (o Options) Validate() error {
	if o.includeActive() && o.excludeActive() {
		return fmt.Errorf("include and exclude filters are mutually exclusive")
	}
	return nil
}

type pattern struct {
	source string
	re     *regexp.Regexp
}

// Filter holds compiled regex patterns for filtering messages. Header and body
// patterns match the decoded message text, sender patterns match the mbox
// envelope address. A Filter is safe for concurrent use.
type Filter struct {
	includeMode bool
	excludeMode bool

	includeHeader []pattern
	includeBody   []pattern
	includeSender []pattern
	excludeHeader []pattern
	excludeBody   []pattern
	excludeSender []pattern

	mu   sync.Mutex
	hits map[string]int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	f := &Filter{
		includeMode: opts.includeActive(),
		excludeMode: opts.excludeActive(),
		hits:        make(map[string]int),
	}

	groups := []struct {
		name string
		src  []string
		dst  *[]pattern
	}{
		{"include-header", opts.IncludeHeader, &f.includeHeader},
		{"include-body", opts.IncludeBody, &f.includeBody},
		{"include-sender", opts.IncludeSender, &f.includeSender},
		{"exclude-header", opts.ExcludeHeader, &f.excludeHeader},
		{"exclude-body", opts.ExcludeBody, &f.excludeBody},
		{"exclude-sender", opts.ExcludeSender, &f.excludeSender},
	}
	for _, g := range groups {
		compiled, err := compilePatterns(g.src)
		if err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", g.name, err)
		}
		*g.dst = compiled
	}

	return f, nil
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(header, body []byte, sender string) bool {
	if f.includeMode {
		return f.matchAny(f.includeHeader, header) ||
			f.matchAny(f.includeBody, body) ||
			f.matchAny(f.includeSender, []byte(sender))
	}

	if f.excludeMode {
		if f.matchAny(f.excludeHeader, header) ||
			f.matchAny(f.excludeBody, body) ||
			f.matchAny(f.excludeSender, []byte(sender)) {
			return false
		}
	}

	return true
}

// AllowsMessage applies Allows to a decoded message.
func (f *Filter) AllowsMessage(msg model.Message) bool {
	header, body := SplitRawMessage(msg.Raw)
	return f.Allows(header, body, msg.EnvelopeAddress)
}

// Stats is a point-in-time copy of pattern hit counts.
type Stats struct {
	IncludeHeaderPatterns []string
	IncludeBodyPatterns   []string
	IncludeSenderPatterns []string
	ExcludeHeaderPatterns []string
	ExcludeBodyPatterns   []string
	ExcludeSenderPatterns []string
	Hits                  map[string]int
}

// GetStats returns the configured patterns and how often each matched.
func (f *Filter) GetStats() Stats {
	f.mu.Lock()
	hits := make(map[string]int, len(f.hits))
	for k, v := range f.hits {
		hits[k] = v
	}
	f.mu.Unlock()

	return Stats{
		IncludeHeaderPatterns: sources(f.includeHeader),
		IncludeBodyPatterns:   sources(f.includeBody),
		IncludeSenderPatterns: sources(f.includeSender),
		ExcludeHeaderPatterns: sources(f.excludeHeader),
		ExcludeBodyPatterns:   sources(f.excludeBody),
		ExcludeSenderPatterns: sources(f.excludeSender),
		Hits:                  hits,
	}
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) ([]pattern, error) {
	compiled := make([]pattern, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		compiled = append(compiled, pattern{source: p, re: re})
	}
	return compiled, nil
}

func (f *Filter) matchAny(patterns []pattern, text []byte) bool {
	for _, p := range patterns {
		if p.re.Match(text) {
			f.mu.Lock()
			f.hits[p.source]++
			f.mu.Unlock()
			return true
		}
	}
	return false
}

func sources(patterns []pattern) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, p.source)
	}
	return out
}
