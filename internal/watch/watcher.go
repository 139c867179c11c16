// Package watch turns filesystem activity below instrument directories into
// debounced nudges for the node modules.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Logger is the subset of zap.SugaredLogger the watcher uses.
type Logger interface {
	Warnw(msg string, keysAndValues ...any)
}

// Event reports the paths that changed during one burst of activity.
type Event struct {
	Paths []string
	Time  time.Time
}

type Options struct {
	Directories []string      // absolute paths to watch
	Glob        string        // base name filter (e.g., *.tiff or *)
	Debounce    time.Duration // quiet time that ends a burst (0 = emit every event)
	Recursive   bool          // also watch subdirectories, including new ones
	Logger      Logger        // defaults to a no-op logger
}

// Watcher watches directories for create/write/move-in events and emits one
// Event per burst. Bookkeeping files (names starting with "_") are ignored.
type Watcher struct {
	opts Options

	mu      sync.Mutex
	w       *fsnotify.Watcher
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// New creates a new Watcher for the given options.
func New(opts Options) (*Watcher, error) {
	if len(opts.Directories) == 0 {
		return nil, errors.New("no directories to watch")
	}
	for _, d := range opts.Directories {
		if !filepath.IsAbs(d) {
			return nil, fmt.Errorf("watch directory %q must be absolute", d)
		}
	}
	if opts.Glob == "" {
		opts.Glob = "*"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if _, err := filepath.Match(opts.Glob, ""); err != nil {
		return nil, fmt.Errorf("watch glob: %w", err)
	}
	return &Watcher{opts: opts}, nil
}

// Start begins watching and returns a channel of events.
// Cancel the provided context to stop the watcher.
func (w *Watcher) Start(ctx context.Context) (<-chan Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil, errors.New("watcher already started")
	}
	if w.closed {
		return nil, errors.New("watcher closed")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	for _, d := range w.opts.Directories {
		if err := w.add(fsw, d); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}

	w.w = fsw
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.started = true

	out := make(chan Event, 16)
	go w.run(ctx, out)
	return out, nil
}

func (w *Watcher) add(fsw *fsnotify.Watcher, dir string) error {
	if !w.opts.Recursive {
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("add watch %s: %w", dir, err)
		}
		return nil
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(p); err != nil {
			return fmt.Errorf("add watch %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context, out chan<- Event) {
	defer func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		_ = w.w.Close()
		close(out)
		w.closed = true
	}()

	pending := map[string]struct{}{}
	var quiet *time.Timer
	var quietC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		pending = map[string]struct{}{}
		select {
		case out <- Event{Paths: paths, Time: time.Now()}:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.w.Events:
			if !ok {
				flush()
				return
			}
			if !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if ev.Has(fsnotify.Create) && w.opts.Recursive && w.follow(ev.Name) {
				pending[ev.Name] = struct{}{}
			}
			if !w.match(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			if w.opts.Debounce <= 0 {
				flush()
				continue
			}
			if quiet == nil {
				quiet = time.NewTimer(w.opts.Debounce)
			} else {
				if !quiet.Stop() {
					select {
					case <-quiet.C:
					default:
					}
				}
				quiet.Reset(w.opts.Debounce)
			}
			quietC = quiet.C

		case <-quietC:
			quietC = nil
			flush()

		case err, ok := <-w.w.Errors:
			if !ok {
				continue
			}
			// Non-fatal; the periodic tick covers anything missed.
			w.opts.Logger.Warnw("watch error", "error", err)
		}
	}
}

// follow adds a newly created directory to the watch. It reports whether
// name is a directory.
func (w *Watcher) follow(name string) bool {
	fi, err := os.Stat(name)
	if err != nil || !fi.IsDir() {
		return false
	}
	if err := w.add(w.w, name); err != nil {
		w.opts.Logger.Warnw("new directory not watched", "dir", name, "error", err)
	}
	return true
}

func (w *Watcher) match(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, "_") {
		return false
	}
	ok, _ := filepath.Match(w.opts.Glob, base)
	return ok
}

// Close stops the watcher if running.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}
