package scribe

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"lukechampine.com/blake3"

	"github.com/bosley/segscribe/store"
)

var audioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".ogg":  true,
	".flac": true,
	".webm": true,
}

// watchFiles registers audio dropped into RecordingsDir/<sessionID>/ as
// segments. Writers should create files under a .tmp name and rename them
// once complete.
func (s *Scribe) watchFiles(ctx context.Context) {
	defer s.watcher.Close()

	if err := os.MkdirAll(s.config.RecordingsDir, 0755); err != nil {
		slog.Error("Failed to create recordings directory",
			"error", err,
			"path", s.config.RecordingsDir)
		return
	}

	if err := s.watcher.Add(s.config.RecordingsDir); err != nil {
		slog.Error("Failed to start watching recordings directory",
			"error", err,
			"path", s.config.RecordingsDir)
		return
	}

	slog.Info("Started watching recordings directory",
		"path", s.config.RecordingsDir)

	entries, err := os.ReadDir(s.config.RecordingsDir)
	if err != nil {
		slog.Error("Failed to list recordings directory", "error", err)
	}
	for _, e := range entries {
		if e.IsDir() && validSessionID(e.Name()) {
			if err := s.handleNewSession(ctx, e.Name(), filepath.Join(s.config.RecordingsDir, e.Name())); err != nil {
				slog.Error("Failed to watch session directory",
					"error", err,
					"sessionID", e.Name())
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			if err := s.handleFSEvent(ctx, event); err != nil {
				slog.Error("Failed to handle file system event",
					"error", err,
					"event", event)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

func (s *Scribe) handleFSEvent(ctx context.Context, event fsnotify.Event) error {
	// Skip temporary files and non-create events
	if strings.HasSuffix(event.Name, ".tmp") || !event.Has(fsnotify.Create) {
		return nil
	}

	relPath, err := filepath.Rel(s.config.RecordingsDir, event.Name)
	if err != nil {
		return fmt.Errorf("failed to get relative path: %w", err)
	}

	parts := strings.Split(relPath, string(filepath.Separator))
	if !validSessionID(parts[0]) {
		return nil
	}

	switch len(parts) {
	case 1:
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			slog.Info("Found new session directory", "sessionID", parts[0])
			return s.handleNewSession(ctx, parts[0], event.Name)
		}
	case 2:
		return s.handleNewAudioFile(ctx, parts[0], event.Name)
	}
	return nil
}

// handleNewSession watches a session directory and picks up files that
// landed before the watch was in place.
func (s *Scribe) handleNewSession(ctx context.Context, sessionID, dir string) error {
	if err := s.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch session directory: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list session directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := s.handleNewAudioFile(ctx, sessionID, filepath.Join(dir, e.Name())); err != nil {
			slog.Error("Failed to register existing file",
				"error", err,
				"sessionID", sessionID,
				"file", e.Name())
		}
	}

	slog.Info("Watching session directory",
		"sessionID", sessionID,
		"path", dir)
	return nil
}

func (s *Scribe) handleNewAudioFile(ctx context.Context, sessionID, filePath string) error {
	name := filepath.Base(filePath)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return nil
	}
	if !audioExtensions[strings.ToLower(filepath.Ext(name))] {
		slog.Debug("Skipping non-audio file",
			"sessionID", sessionID,
			"file", name)
		return nil
	}

	id, err := hashFile(filePath)
	if err != nil {
		return err
	}

	created, err := s.store.AddSegment(ctx, store.Segment{
		ID:        id,
		SessionID: sessionID,
		Path:      filePath,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("register segment: %w", err)
	}

	if created {
		slog.Info("Registered new audio segment",
			"sessionID", sessionID,
			"segmentID", id,
			"file", name)
	} else {
		slog.Debug("Audio segment already registered",
			"sessionID", sessionID,
			"segmentID", id,
			"file", name)
	}
	return nil
}

// hashFile returns the hex BLAKE3-256 digest of a file's content.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("calculating blake3 hash from file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
