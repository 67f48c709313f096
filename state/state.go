package state

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Tracker remembers which decoded messages have already been delivered. A
// message is identified by the hash of its decoded bytes; the mbox position
// token is kept alongside so a log or a rerun can tell where a run stopped.
type Tracker interface {
	AlreadyProcessed(hash string) bool
	MarkProcessed(hash, messageID, token string) error
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
	// LastToken is the position token of the most recently marked message.
	LastToken string
}

type record struct {
	messageID string
	token     string
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]record
	lastToken string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]record)}
}

func (m *MemoryTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[hash]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(hash, messageID, token string) error {
	m.mark(hash, messageID, token)
	return nil
}

// mark records hash and reports whether it was new.
func (m *MemoryTracker) mark(hash, messageID, token string) bool {
	if hash == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.processed[hash]; exists {
		return false
	}
	m.processed[hash] = record{messageID: messageID, token: token}
	if token != "" {
		m.lastToken = token
	}
	return true
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{Processed: len(m.processed), LastToken: m.lastToken}
}

// FileTracker keeps the processed set in a JSON lines journal under a state
// directory. Earlier runs are replayed on open; without persist the journal
// is read but never written, which is what a dry run wants.
type FileTracker struct {
	*MemoryTracker
	path    string
	journal *journal
}

const journalName = "processed.jsonl"

type journalRecord struct {
	Hash      string `json:"hash"`
	MessageID string `json:"message_id"`
	Token     string `json:"token,omitempty"`
}

func NewFileTracker(stateDir string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	f := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, journalName),
	}
	err := replay(f.path, func(rec journalRecord) {
		f.mark(rec.Hash, rec.MessageID, rec.Token)
	})
	if err != nil {
		return nil, err
	}

	if persist {
		if f.journal, err = openJournal(f.path); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// replay feeds every record of the journal at path to apply. A missing
// journal is an empty one. Blank lines and records without a hash are
// skipped.
func replay(path string, apply func(journalRecord)) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	line := 0
	for sc.Scan() {
		line++
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if rec.Hash != "" {
			apply(rec)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	return nil
}

// MarkProcessed records the message and appends it to the journal the first
// time its hash is seen.
func (f *FileTracker) MarkProcessed(hash, messageID, token string) error {
	if !f.mark(hash, messageID, token) || f.journal == nil {
		return nil
	}
	return f.journal.append(journalRecord{Hash: hash, MessageID: messageID, Token: token})
}

// Flush pushes buffered records to disk.
func (f *FileTracker) Flush() error {
	if f.journal == nil {
		return nil
	}
	return f.journal.flush()
}

// Close flushes and closes the journal.
func (f *FileTracker) Close() error {
	if f.journal == nil {
		return nil
	}
	err := f.journal.close()
	f.journal = nil
	return err
}

// journal is an append-only, buffered JSON lines file.
type journal struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

func openJournal(path string) (*journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	buf := bufio.NewWriterSize(file, 64*1024)
	return &journal{file: file, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (j *journal) append(rec journalRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	// Encode terminates each record with a newline.
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	return nil
}

func (j *journal) flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sync()
}

func (j *journal) sync() error {
	if err := j.buf.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.sync()
	if cerr := j.file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close state file: %w", cerr)
	}
	return err
}
