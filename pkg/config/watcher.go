package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// manifestExts are the file types that trigger a reload inside a watched
// directory.
var manifestExts = map[string]bool{
	".cue": true, ".star": true, ".yaml": true, ".yml": true, ".json": true,
}

// Watcher reports manifest changes. Bursts of events, such as an editor
// writing a temporary file and renaming it, collapse into one callback.
type Watcher struct {
	logger zerolog.Logger
	files  map[string]bool
	dirs   map[string]bool
	exts   map[string]bool
	delay  time.Duration
}

// NewWatcher creates a watcher for manifest files and package directories.
func NewWatcher(logger zerolog.Logger, paths ...string) (*Watcher, error) {
	w := &Watcher{
		logger: logger.With().Str("component", "manifest-watcher").Logger(),
		files:  make(map[string]bool),
		dirs:   make(map[string]bool),
		exts:   make(map[string]bool, len(manifestExts)),
		delay:  500 * time.Millisecond,
	}
	for ext := range manifestExts {
		w.exts[ext] = true
	}
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to stat path: %w", err)
		}
		if info.IsDir() {
			w.dirs[abs] = true
		} else {
			w.files[abs] = true
		}
	}
	return w, nil
}

// AddExtensions makes files with the given extensions inside watched
// directories trigger a reload, e.g. ".rego" for policy directories.
func (w *Watcher) AddExtensions(exts ...string) {
	for _, ext := range exts {
		w.exts[strings.ToLower(ext)] = true
	}
}

// SetDelay sets the debounce delay.
func (w *Watcher) SetDelay(d time.Duration) {
	w.delay = d
}

// Run watches until ctx is done. onChange runs on the calling goroutine,
// never concurrently with itself; its errors are logged.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Files are watched through their directory so renames into place
	// are seen.
	watched := make(map[string]bool)
	for file := range w.files {
		watched[filepath.Dir(file)] = true
	}
	for dir := range w.dirs {
		watched[dir] = true
	}
	for dir := range watched {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.logger.Info().Int("paths", len(w.files)+len(w.dirs)).Msg("Started watching manifests")

	trigger := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 || !w.relevant(event.Name) {
				continue
			}
			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Manifest changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.delay, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})

		case <-trigger:
			if err := onChange(ctx); err != nil {
				w.logger.Error().Err(err).Msg("Manifest change handler failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) relevant(name string) bool {
	name = filepath.Clean(name)
	if w.files[name] {
		return true
	}
	if w.dirs[filepath.Dir(name)] {
		return w.exts[strings.ToLower(filepath.Ext(name))]
	}
	return false
}
