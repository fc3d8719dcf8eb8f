package ingest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// settleInterval batches filesystem events so a file still being written is
// picked up once, after it stops changing.
const settleInterval = 2 * time.Second

// Watcher ingests prompt files dropped into watched directories. JSONL files
// go through the prompt-log parser, Markdown/YAML files through the template
// parser. Reprocessing is harmless: the store dedups on content hash.
type Watcher struct {
	service *Service
	dirs    []string
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	seen    map[string]time.Time
}

// NewWatcher creates a drop-directory watcher over the ingest service.
func NewWatcher(service *Service, dirs []string) *Watcher {
	return &Watcher{
		service: service,
		dirs:    dirs,
		logger:  log.With().Str("component", "ingest-watcher").Logger(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		dirty:   make(map[string]struct{}),
		seen:    make(map[string]time.Time),
	}
}

// Start watches the drop directories and blocks until Stop is called or the
// context is cancelled. Files already present are ingested first.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(w.doneCh)
	}()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		_ = fsw.Close()
	}()

	watched := 0
	for _, dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to watch drop directory")
			continue
		}
		watched++
	}
	if watched == 0 {
		w.logger.Warn().Msg("No drop directories could be watched")
		return nil
	}

	w.logger.Info().Strs("dirs", w.dirs).Msg("Watching drop directories")

	w.scanExisting()
	w.flush(ctx)

	ticker := time.NewTicker(settleInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && ingestable(ev.Name) {
				w.markDirty(ev.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		case <-ticker.C:
			w.flush(ctx)
		case <-w.stopCh:
			w.logger.Info().Msg("Ingest watcher shutting down due to stop signal")
			return nil
		case <-ctx.Done():
			w.logger.Info().Msg("Ingest watcher shutting down due to context cancellation")
			return nil
		}
	}
}

// Stop signals the watcher to shut down.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

// Wait blocks until the watcher loop has exited.
func (w *Watcher) Wait() {
	<-w.doneCh
}

// scanExisting marks every ingestable file already in the drop directories.
func (w *Watcher) scanExisting() {
	for _, dir := range w.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				w.logger.Warn().Err(walkErr).Str("path", path).Msg("Walk drop directory")
				return nil
			}
			if d.IsDir() || !ingestable(path) {
				return nil
			}
			w.markDirty(path)
			return nil
		})
		if err != nil {
			w.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to scan drop directory")
		}
	}
}

func (w *Watcher) markDirty(path string) {
	w.dirtyMu.Lock()
	w.dirty[path] = struct{}{}
	w.dirtyMu.Unlock()
}

// flush processes every marked path whose mtime changed since the last pass.
func (w *Watcher) flush(ctx context.Context) {
	w.dirtyMu.Lock()
	if len(w.dirty) == 0 {
		w.dirtyMu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.dirty))
	for path := range w.dirty {
		paths = append(paths, path)
	}
	w.dirty = make(map[string]struct{})
	w.dirtyMu.Unlock()

	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}

		info, err := os.Stat(path)
		if err != nil {
			// Deleted between event and flush.
			continue
		}
		if last, ok := w.seen[path]; ok && last.Equal(info.ModTime()) {
			continue
		}

		w.processPath(ctx, path)
		w.seen[path] = info.ModTime()
	}
}

func (w *Watcher) processPath(ctx context.Context, path string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl":
		report, err := w.service.IngestJSONLFile(ctx, path)
		if err != nil {
			w.logger.Error().Err(err).Str("path", path).Msg("Failed to ingest prompt log")
			return
		}
		w.logger.Info().
			Str("path", path).
			Int("accepted", report.Accepted).
			Int("duplicates", report.Duplicates).
			Int("failed", report.Failed).
			Msg("Prompt log ingested")
	default:
		res, err := w.service.IngestTemplateFile(ctx, path)
		if err != nil {
			w.logger.Error().Err(err).Str("path", path).Msg("Failed to ingest template")
			return
		}
		w.logger.Info().
			Str("path", path).
			Int64("prompt_id", res.PromptID).
			Bool("created", res.Created).
			Msg("Template ingested")
	}
}

// ingestable reports whether a path has a recognized drop-file extension.
func ingestable(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".md", ".yaml", ".yml":
		return true
	default:
		return false
	}
}
