package definition

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watcher hot-reloads definition files when they change on disk. A file
// that fails validation leaves the previously installed definition in place;
// a deleted file unloads its definition.
type Watcher struct {
	loader  *Loader
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	// reloaded receives every processed path.
	reloaded chan string
	onReload func(path string, err error)
}

// NewWatcher watches dirs for definition changes.
func NewWatcher(loader *Loader, logger *slog.Logger, dirs ...string) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return &Watcher{
		loader:   loader,
		watcher:  w,
		logger:   logger,
		reloaded: make(chan string, 16),
	}, nil
}

// OnReload registers fn to run after every reload attempt. It must be
// called before Run.
func (w *Watcher) OnReload(fn func(path string, err error)) {
	w.onReload = fn
}

// Reloaded delivers the path of every file the watcher has acted on.
func (w *Watcher) Reloaded() <-chan string {
	return w.reloaded
}

// Run processes file events until ctx is cancelled. Bursts of events for
// one file collapse into a single reload once the file has been quiet for
// reloadDebounce.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	pending := make(map[string]*time.Timer)
	fire := make(chan string, 16)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !IsDefinitionFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := event.Name
			if t, ok := pending[name]; ok {
				t.Reset(reloadDebounce)
				continue
			}
			pending[name] = time.AfterFunc(reloadDebounce, func() {
				select {
				case fire <- name:
				case <-ctx.Done():
				}
			})
		case name := <-fire:
			delete(pending, name)
			w.apply(name)
			select {
			case w.reloaded <- name:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("definition watcher error", "error", err)
		}
	}
}

func (w *Watcher) apply(path string) {
	var err error
	if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
		if _, err = w.loader.Unload(path); err != nil {
			w.logger.Error("definition unload refused", "source", path, "error", err)
		}
	} else if _, err = w.loader.LoadFile(path); err != nil {
		w.logger.Error("definition reload refused", "source", path, "error", err)
	}
	if w.onReload != nil {
		w.onReload(path, err)
	}
}
