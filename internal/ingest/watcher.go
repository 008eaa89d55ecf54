package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mediaflow/internal/config"
	"mediaflow/internal/logging"
	"mediaflow/internal/queue"
)

// Enqueuer stores newly discovered sources.
type Enqueuer interface {
	Enqueue(ctx context.Context, sourcePath, title string) (*queue.WorkUnit, bool, error)
}

// Notifier is told when new analyzer work exists.
type Notifier interface {
	NotifyWorkAvailable(ctx context.Context) (int, error)
}

// Watcher enqueues video files that appear under the watch directories.
type Watcher struct {
	dirs       []string
	extensions map[string]bool
	settle     time.Duration
	store      Enqueuer
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time

	done chan struct{}
}

// New builds a watcher over cfg.Paths.WatchDirs. Call Start to begin.
func New(cfg *config.Config, store Enqueuer, notifier Notifier, logger *slog.Logger) (*Watcher, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("ingest: configuration and store are required")
	}
	extensions := make(map[string]bool, len(cfg.Ingest.Extensions))
	for _, ext := range cfg.Ingest.Extensions {
		extensions[strings.ToLower(ext)] = true
	}
	return &Watcher{
		dirs:       append([]string(nil), cfg.Paths.WatchDirs...),
		extensions: extensions,
		settle:     time.Duration(cfg.Ingest.SettleSeconds) * time.Second,
		store:      store,
		notifier:   notifier,
		logger:     logging.NewComponentLogger(logger, "ingest"),
		now:        time.Now,
		pending:    make(map[string]time.Time),
	}, nil
}

// Start registers watches, runs the initial scan, and follows events until ctx
// ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ingest: create watcher: %w", err)
	}
	w.fsw = fsw
	for _, dir := range w.dirs {
		if err := w.addRecursive(dir); err != nil {
			_ = fsw.Close()
			return err
		}
	}
	w.done = make(chan struct{})
	go w.loop(ctx)

	if _, err := w.Scan(ctx); err != nil {
		w.logger.Warn("initial scan incomplete",
			logging.Error(err),
			logging.String(logging.FieldEventType, "ingest_scan_failed"),
			logging.String(logging.FieldErrorHint, "check permissions on paths.watch_dirs"),
			logging.String(logging.FieldImpact, "existing files are picked up on their next change"),
		)
	}
	w.logger.Info("watching for new sources",
		logging.String(logging.FieldEventType, "ingest_started"),
		logging.Int("directories", len(w.dirs)),
		logging.Duration("settle", w.settle),
	)
	return nil
}

// Stop closes the fsnotify watcher and waits for the event loop.
func (w *Watcher) Stop() error {
	if w.fsw == nil {
		return nil
	}
	err := w.fsw.Close()
	<-w.done
	return err
}

// Scan walks every watch directory and tracks matching files. Files already
// past the settle window are enqueued immediately. It returns the number of
// units created.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	var errs []error
	for _, dir := range w.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != dir && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if !w.matches(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			w.track(path, info.ModTime())
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("scan %s: %w", dir, err))
		}
	}
	return w.flush(ctx), errors.Join(errs...)
}

func (w *Watcher) addRecursive(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("ingest: watch dir %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("ingest: watch dir %s is not a directory", root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldEventType, "ingest_watch_failed"),
				logging.String(logging.FieldErrorHint, "raise fs.inotify.max_user_watches or narrow paths.watch_dirs"),
				logging.String(logging.FieldImpact, "new files in this directory are only found by rescans"),
			)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	interval := w.settle / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(evt)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "ingest_watch_error"),
				logging.String(logging.FieldErrorHint, "events may have been dropped; restart the daemon to rescan"),
				logging.String(logging.FieldImpact, "some new files may not be enqueued"),
			)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handle(evt fsnotify.Event) {
	if !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Write) {
		return
	}
	info, err := os.Stat(evt.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if evt.Has(fsnotify.Create) && !strings.HasPrefix(filepath.Base(evt.Name), ".") {
			if err := w.addRecursive(evt.Name); err != nil {
				w.logger.Debug("watch new directory failed", logging.Error(err))
			}
			// Files copied in before the watch landed.
			_ = filepath.WalkDir(evt.Name, func(path string, d fs.DirEntry, err error) error {
				if err == nil && !d.IsDir() && w.matches(path) {
					w.track(path, w.now())
				}
				return nil
			})
		}
		return
	}
	if w.matches(evt.Name) {
		w.track(evt.Name, w.now())
	}
}

func (w *Watcher) matches(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	return w.extensions[strings.ToLower(filepath.Ext(path))]
}

func (w *Watcher) track(path string, seen time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last, ok := w.pending[path]; !ok || seen.After(last) {
		w.pending[path] = seen
	}
}

// flush enqueues settled files and notifies the analyzer once per batch.
func (w *Watcher) flush(ctx context.Context) int {
	now := w.now()
	w.mu.Lock()
	ready := make([]string, 0, len(w.pending))
	for path, seen := range w.pending {
		if now.Sub(seen) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	created := 0
	for _, path := range ready {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		unit, isNew, err := w.store.Enqueue(ctx, path, "")
		if err != nil {
			w.logger.Warn("enqueue source failed",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldEventType, "ingest_enqueue_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access, then add it with 'mediaflow queue add'"),
				logging.String(logging.FieldImpact, "source not queued"),
			)
			continue
		}
		if !isNew {
			continue
		}
		created++
		w.logger.Info("source enqueued",
			logging.String(logging.FieldEventType, "source_enqueued"),
			logging.Int64(logging.FieldUnitID, unit.ID),
			logging.String("path", path),
		)
	}
	if created > 0 && w.notifier != nil {
		if _, err := w.notifier.NotifyWorkAvailable(ctx); err != nil {
			w.logger.Debug("notify analyzer failed", logging.Error(err))
		}
	}
	return created
}
