// Package session persists the daemon's worker session identity, an opaque
// token. The file's absence marks a first run; once written the identity
// never changes. A file holding only whitespace counts as absent.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileName is the session file name inside the workspace.
const FileName = ".hyperion_session"

// namePrefix seeds the deterministic identity.
const namePrefix = "hyperion-daemon-"

// Store reads and creates the session file.
type Store struct {
	path     string
	hostname func() (string, error)
}

// NewStore returns a store for <workspace>/.hyperion_session.
func NewStore(workspace string) *Store {
	return &Store{
		path:     filepath.Join(workspace, FileName),
		hostname: os.Hostname,
	}
}

// Path returns the session file path.
func (s *Store) Path() string { return s.path }

// Exists reports whether a session identity has been persisted.
func (s *Store) Exists() bool {
	_, err := s.Load()
	return err == nil
}

// Load returns the persisted identity. An empty file reports fs.ErrNotExist.
func (s *Store) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", fmt.Errorf("session file %s is empty: %w", s.path, fs.ErrNotExist)
	}
	return id, nil
}

// LoadOrCreate returns the persisted identity, creating it first when the
// file does not exist. created reports whether this call wrote the file.
func (s *Store) LoadOrCreate() (id string, created bool, err error) {
	id, err = s.Load()
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", false, err
	}

	host, err := s.hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	id = Derive(host)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return "", false, fmt.Errorf("creating workspace: %w", err)
	}
	if err := writeAtomic(s.path, []byte(id)); err != nil {
		return "", false, fmt.Errorf("writing session file: %w", err)
	}
	return id, true, nil
}

// Derive returns the name-based identity for a host.
func Derive(hostname string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(namePrefix+hostname)).String()
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer os.Remove(name)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(name, path)
}
