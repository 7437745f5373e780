// Package queue implements the directory-backed mailboxes shared by the chat
// front-end and the worker daemon. A document file's presence in the
// directory is its state: present means pending, absent means consumed.
//
// Writers never expose partial documents: content goes to a hidden temp file
// in the same directory and is hard-linked into place, so a reader either
// sees the complete file or nothing. The link also refuses to clobber an
// existing id.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultExtension is the document file extension.
const DefaultExtension = ".json"

// deadDir holds quarantined documents.
const deadDir = "dead"

// tmpSuffix marks in-flight writes.
const tmpSuffix = ".tmp"

var (
	// ErrNotFound is returned when a document is not (or no longer) present.
	ErrNotFound = errors.New("queue: document not found")

	// ErrCorrupt is returned when a document exists but cannot be decoded.
	ErrCorrupt = errors.New("queue: document corrupt")

	// ErrExists is returned by Enqueue when the id is already taken.
	ErrExists = errors.New("queue: document already exists")

	// ErrInvalidID is returned for ids that cannot be used as file names.
	ErrInvalidID = errors.New("queue: invalid document id")
)

// Mailbox is a directory of JSON documents.
type Mailbox struct {
	dir    string
	ext    string
	logger *slog.Logger
}

// Option customizes a Mailbox.
type Option func(*Mailbox)

// WithExtension overrides the document extension (default ".json").
func WithExtension(ext string) Option {
	return func(m *Mailbox) {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if ext != "" {
			m.ext = ext
		}
	}
}

// WithLogger sets the mailbox logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mailbox) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Open returns the mailbox rooted at dir, creating the directory if needed.
func Open(dir string, opts ...Option) (*Mailbox, error) {
	if dir == "" {
		return nil, fmt.Errorf("queue: mailbox directory is required")
	}
	m := &Mailbox{
		dir:    dir,
		ext:    DefaultExtension,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("mailbox", filepath.Base(dir))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queue: create mailbox %q: %w", dir, err)
	}
	return m, nil
}

// Dir returns the mailbox directory.
func (m *Mailbox) Dir() string { return m.dir }

// Extension returns the document extension, including the dot.
func (m *Mailbox) Extension() string { return m.ext }

// Path returns the file path for a document id.
func (m *Mailbox) Path(id string) string {
	return filepath.Join(m.dir, id+m.ext)
}

// IDFromPath maps a file path inside the mailbox to a document id. It
// returns false for temp files, hidden files, other extensions and files
// outside the mailbox directory.
func (m *Mailbox) IDFromPath(path string) (string, bool) {
	if filepath.Clean(filepath.Dir(path)) != filepath.Clean(m.dir) {
		return "", false
	}
	return m.idFromName(filepath.Base(path))
}

func (m *Mailbox) idFromName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, m.ext) {
		return "", false
	}
	id := strings.TrimSuffix(name, m.ext)
	if id == "" {
		return "", false
	}
	return id, true
}

// Enqueue writes doc as a new document and returns its id. When doc.ID is
// empty a fresh id is assigned; when doc.Timestamp is zero it is set to now.
func (m *Mailbox) Enqueue(doc *Document) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("queue: nil document")
	}
	if doc.ID == "" {
		doc.ID = NewID(time.Now(), "")
	}
	if err := validateID(doc.ID); err != nil {
		return "", err
	}
	if doc.Timestamp.IsZero() {
		doc.Timestamp = Now()
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("queue: marshal %s: %w", doc.ID, err)
	}

	tmp := filepath.Join(m.dir, "."+doc.ID+"."+uuid.NewString()+tmpSuffix)
	if err := writeSynced(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("queue: write %s: %w", doc.ID, err)
	}
	defer os.Remove(tmp)

	// Link fails with EEXIST instead of replacing, unlike rename.
	if err := os.Link(tmp, m.Path(doc.ID)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, doc.ID)
		}
		return "", fmt.Errorf("queue: publish %s: %w", doc.ID, err)
	}

	m.logger.Debug("document enqueued", "id", doc.ID, "source", doc.Source)
	return doc.ID, nil
}

// ListPending returns the sorted ids of all documents currently present.
// The directory is the source of truth; nothing is cached.
func (m *Mailbox) ListPending() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("queue: list %s: %w", m.dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if id, ok := m.idFromName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of pending documents.
func (m *Mailbox) Count() (int, error) {
	ids, err := m.ListPending()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Read decodes the document with the given id.
func (m *Mailbox) Read(id string) (*Document, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.Path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("queue: read %s: %w", id, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if doc.ID == "" {
		doc.ID = id
	}
	return &doc, nil
}

// Consume removes a document. Removing an absent document is not an error.
func (m *Mailbox) Consume(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := os.Remove(m.Path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("queue: consume %s: %w", id, err)
	}
	return nil
}

// Quarantine moves a document into the mailbox's dead-letter directory so
// it leaves the pending set without being lost.
func (m *Mailbox) Quarantine(id, reason string) error {
	if err := validateID(id); err != nil {
		return err
	}
	dead := filepath.Join(m.dir, deadDir)
	if err := os.MkdirAll(dead, 0o755); err != nil {
		return fmt.Errorf("queue: create dead-letter dir: %w", err)
	}
	if err := os.Rename(m.Path(id), filepath.Join(dead, id+m.ext)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("queue: quarantine %s: %w", id, err)
	}
	m.logger.Warn("document quarantined", "id", id, "reason", reason)
	return nil
}

// SweepTemp removes orphaned temp files older than maxAge, left behind by
// writers that died between write and publish.
func (m *Mailbox) SweepTemp(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("queue: sweep %s: %w", m.dir, err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, name)); err == nil {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("swept orphaned temp files", "count", removed)
	}
	return removed, nil
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") ||
		strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
