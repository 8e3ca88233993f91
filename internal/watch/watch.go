// Package watch observes the shared secret file while it is being served.
// If the file is removed, renamed, or rewritten after the URL was handed
// out, continuing to serve would deliver something the operator never
// reviewed, so the watcher asks the server to stop instead.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/hushd/internal/svcfields"
	"pkt.systems/pslog"
)

// Watcher monitors one file and invokes the lost callback at most once.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  pslog.Logger
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New starts watching path. The parent directory is watched rather than the
// file itself so renames and replacements are still observed. onLost runs in
// the watcher goroutine with a short description of what happened.
func New(path string, logger pslog.Logger, onLost func(event string)) (*Watcher, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch: watch directory %q: %w", dir, err)
	}
	w := &Watcher{
		path:    path,
		watcher: fsw,
		logger:  svcfields.WithSubsystem(logger, "watch"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run(onLost)
	return w, nil
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Close()
		<-w.done
	})
	return nil
}

func (w *Watcher) run(onLost func(event string)) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !sameFile(ev.Name, w.path) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove):
				w.lost(onLost, "removed")
				return
			case ev.Has(fsnotify.Rename):
				w.lost(onLost, "renamed")
				return
			case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
				// Create covers atomic replace (write tmp, rename over).
				w.lost(onLost, "modified")
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("hushd.watch.error", "error", err)
		}
	}
}

func (w *Watcher) lost(onLost func(event string), event string) {
	// The watcher can race the filesystem: a rename event also fires for the
	// temp file of an atomic editor save. Only report loss when the path no
	// longer resolves to the file we started with, or its content changed.
	if event == "modified" {
		if _, err := os.Stat(w.path); err == nil {
			w.logger.Warn("hushd.watch.resource_changed", "path", w.path, "event", event)
		}
	} else {
		w.logger.Warn("hushd.watch.resource_lost", "path", w.path, "event", event)
	}
	if onLost != nil {
		onLost(event)
	}
}

func sameFile(a, b string) bool {
	ca, err := filepath.Abs(a)
	if err != nil {
		return a == b
	}
	cb, err := filepath.Abs(b)
	if err != nil {
		return a == b
	}
	return ca == cb
}
