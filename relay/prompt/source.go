// Package prompt resolves the system prompt sent with every completion.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Source holds the process-wide system prompt: the contents of an optional
// file, or a fixed fallback. Watch keeps the file contents current.
type Source struct {
	path     string
	fallback string
	log      zerolog.Logger

	mu   sync.RWMutex
	text string
}

// NewSource loads path when set. A missing or empty file yields the fallback.
func NewSource(fallback, path string, log zerolog.Logger) (*Source, error) {
	s := &Source{path: path, fallback: strings.TrimSpace(fallback), log: log}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Text returns the current prompt.
func (s *Source) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.text != "" {
		return s.text
	}
	return s.fallback
}

// Resolve prefers a non-empty per-service override over the shared prompt.
func (s *Source) Resolve(override string) string {
	if o := strings.TrimSpace(override); o != "" {
		return o
	}
	return s.Text()
}

// Watch reloads the file on change until ctx ends. It returns immediately
// when no file is configured.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompt watcher: %w", err)
	}
	defer w.Close()

	// Editors replace files by rename, so watch the directory.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("prompt watch %s: %w", s.path, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				s.log.Warn().Err(err).Str("path", s.path).Msg("system prompt reload failed")
				continue
			}
			s.log.Info().Str("path", s.path).Bool("fallback", s.usingFallback()).Msg("system prompt reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("system prompt watcher error")
		}
	}
}

func (s *Source) reload() error {
	if s.path == "" {
		return nil
	}

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		raw, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("read system prompt: %w", err)
	}

	s.mu.Lock()
	s.text = strings.TrimSpace(string(raw))
	s.mu.Unlock()
	return nil
}

func (s *Source) usingFallback() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.text == ""
}
