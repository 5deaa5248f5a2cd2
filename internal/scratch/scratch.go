// Package scratch manages request-scoped temporary files.
//
// Every request gets its own Space. A Space only ever deletes paths it
// created or was told to track, so any number of requests can share one
// scratch root without touching each other's files.
package scratch

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	defaultDirMode  = 0o750
	defaultFileMode = 0o600
	partialSuffix   = ".part"
	fallbackName    = "upload"
)

// Kind tells inputs and outputs apart in logs and in Entries.
type Kind int

const (
	KindInput Kind = iota
	KindOutput
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Entry is one path owned by a Space.
type Entry struct {
	Path string
	Kind Kind
}

// Space is a request's private view of the scratch root.
type Space struct {
	id     string
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	entries []Entry
}

// New creates a Space under root, creating root if needed.
func New(root string, logger *slog.Logger) (*Space, error) {
	if root == "" {
		return nil, fmt.Errorf("scratch root must not be empty")
	}
	if err := os.MkdirAll(root, defaultDirMode); err != nil {
		return nil, fmt.Errorf("failed to create scratch root %s: %w", root, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Space{
		id:     id,
		root:   root,
		logger: logger.With("scratchId", id),
	}, nil
}

// ID identifies the Space in logs and job records.
func (s *Space) ID() string { return s.id }

// Stage copies content to a fresh input path derived from name and returns it.
// The file only appears under its final name once fully written and closed.
func (s *Space) Stage(name string, content io.Reader) (string, error) {
	return s.Write(name, KindInput, content)
}

// Write is Stage for an arbitrary entry kind.
func (s *Space) Write(name string, kind Kind, content io.Reader) (string, error) {
	path := s.Reserve(name, kind)
	partial := path + partialSuffix

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return "", fmt.Errorf("failed to create scratch file for %q: %w", name, err)
	}

	_, copyErr := io.Copy(f, content)
	syncErr := f.Sync()
	closeErr := f.Close()
	if err := firstErr(copyErr, syncErr, closeErr); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("failed to write scratch file for %q: %w", name, err)
	}

	if err := os.Rename(partial, path); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("failed to finalize scratch file for %q: %w", name, err)
	}

	s.logger.Debug("Staged scratch file.", "name", name, "path", path)
	return path, nil
}

// Reserve returns a unique, not yet existing path for name and tracks it.
func (s *Space) Reserve(name string, kind Kind) string {
	path := filepath.Join(s.root, uuid.NewString()+"_"+sanitizeName(name))
	s.Track(path, kind)
	return path
}

// Track registers a path created by someone else, such as a converter writing
// its output next to the staged input.
func (s *Space) Track(path string, kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{Path: path, Kind: kind})
}

// Entries returns a snapshot of the tracked paths.
func (s *Space) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Cleanup removes every tracked path, newest first. Removal failures are
// logged and otherwise ignored. Calling Cleanup again is a no-op.
func (s *Space) Cleanup() {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	removed := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := os.RemoveAll(e.Path); err != nil {
			s.logger.Warn("Failed to remove scratch entry.", "path", e.Path, "kind", e.Kind.String(), "error", err)
			continue
		}
		// A failed Stage may leave a partial file behind.
		_ = os.Remove(e.Path + partialSuffix)
		removed++
	}
	s.logger.Debug("Scratch space cleaned up.", "removed", removed, "tracked", len(entries))
}

// sanitizeName keeps only the base name so uploads can never escape the root.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(strings.TrimSpace(name))
	switch base {
	case "", ".", "..", "/":
		return fallbackName
	}
	return base
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
