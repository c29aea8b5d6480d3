// Package watch keeps a pipeline catalog in sync with a definitions
// directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 200 * time.Millisecond

// Registrar is the part of *pipeline.Catalog the watcher needs.
type Registrar interface {
	Register(def *pipeline.Definition) error
	Unregister(id string) bool
}

// Watcher registers every definition file in a directory and re-registers
// it whenever it changes. A file that fails to load or lint leaves the
// previously registered version in place.
type Watcher struct {
	dir      string
	catalog  Registrar
	logger   *slog.Logger
	debounce time.Duration
	fsw      *fsnotify.Watcher

	mu     sync.Mutex
	byPath map[string]string // file path -> pipeline id
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.logger = l } }

func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.debounce = d } }

// New starts watching dir. Call Close to release the underlying watcher.
func New(dir string, catalog Registrar, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{
		dir:      dir,
		catalog:  catalog,
		logger:   slog.Default(),
		debounce: DefaultDebounce,
		fsw:      fsw,
		byPath:   make(map[string]string),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// LoadAll registers every supported file in the directory and returns how
// many were registered. Files that fail are logged and skipped.
func (w *Watcher) LoadAll() (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("read dir %s: %w", w.dir, err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !pipeline.Supported(e.Name()) {
			continue
		}
		if err := w.Reload(filepath.Join(w.dir, e.Name())); err != nil {
			w.logger.Warn("skipping pipeline definition", "path", e.Name(), "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Reload brings the catalog in line with one file: a present file is
// (re-)registered, a missing one is unregistered.
func (w *Watcher) Reload(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev, known := w.byPath[path]

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if known {
			w.catalog.Unregister(prev)
			delete(w.byPath, path)
			w.logger.Info("pipeline unregistered", "pipeline", prev, "path", path)
		}
		return nil
	}

	def, err := pipeline.LoadFile(path)
	if err != nil {
		return err
	}
	if err := w.catalog.Register(def); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if known && prev != def.ID {
		w.catalog.Unregister(prev)
	}
	w.byPath[path] = def.ID
	w.logger.Info("pipeline registered", "pipeline", def.ID, "path", path)
	return nil
}

// Run applies file changes until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	pending := make(map[string]bool)
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !pipeline.Supported(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			pending[ev.Name] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("definitions watcher error", "dir", w.dir, "error", err)
		case <-fire:
			fire = nil
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			clear(pending)
			for _, p := range paths {
				if err := w.Reload(p); err != nil {
					w.logger.Warn("keeping previous pipeline definition", "path", p, "error", err)
				}
			}
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error { return w.fsw.Close() }
