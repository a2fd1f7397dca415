// Package watch turns edits of the instrument configuration files into reload triggers.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/coachpo/tickcapture/internal/app/orchestrator"
	"github.com/coachpo/tickcapture/internal/observability"
)

const triggerSource = "watch"

// Watcher observes a directory and emits one trigger per watched file after its events settle.
// Events for files outside the watched set are ignored.
type Watcher struct {
	dir      string
	names    map[string]struct{}
	debounce time.Duration
	clock    func() time.Time
}

// New watches the given file names, which must live in dir.
func New(dir string, debounce time.Duration, names ...string) *Watcher {
	w := new(Watcher)
	w.dir = filepath.Clean(dir)
	w.debounce = debounce
	w.clock = time.Now
	w.names = make(map[string]struct{}, len(names))
	for _, name := range names {
		w.names[filepath.Base(name)] = struct{}{}
	}
	return w
}

// Run watches until ctx is cancelled, sending triggers to out. The caller owns out; Run never
// closes it, so other producers and the reload loop keep working after the watcher stops.
func (w *Watcher) Run(ctx context.Context, out chan<- orchestrator.Trigger) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()
	// Editors and atomic writers replace files, so the directory is watched rather than the files.
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	observability.Log().Info("watching configuration",
		observability.F("dir", w.dir),
		observability.F("files", len(w.names)))

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	fire := make(chan string, len(w.names)+1)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case name := <-fire:
			select {
			case out <- orchestrator.Trigger{Artifact: name, Source: triggerSource, At: w.clock()}:
			case <-ctx.Done():
				return nil
			}
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			name, relevant := w.relevant(event)
			if !relevant {
				continue
			}
			mu.Lock()
			if t, exists := timers[name]; exists {
				t.Reset(w.debounce)
			} else {
				timers[name] = time.AfterFunc(w.debounce, func() {
					mu.Lock()
					delete(timers, name)
					mu.Unlock()
					select {
					case fire <- name:
					case <-ctx.Done():
					}
				})
			}
			mu.Unlock()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			observability.Log().Warn("configuration watcher error", observability.F("error", err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return "", false
	}
	name := filepath.Base(event.Name)
	_, ok := w.names[name]
	return name, ok
}
