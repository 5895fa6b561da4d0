package library

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MimeLyc/sizetrimmer/pkg/log"
)

// Watcher follows a media tree and reports files once they have been quiet
// for the settle delay.
type Watcher struct {
	root   string
	settle time.Duration
	onFile func(path string)
	fsw    *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewWatcher(root string, settle time.Duration, onFile func(path string)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:   filepath.Clean(root),
		settle: settle,
		onFile: onFile,
		fsw:    fsw,
		timers: make(map[string]*time.Timer),
	}
	if err := w.addTree(w.root, false); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run handles events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("File watcher error: %v", err)
		}
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) handle(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if isHidden(name) || strings.Contains(name, tempMarker) {
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.cancel(ev.Name)
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) {
			// A directory moved in brings its files along without events.
			if err := w.addTree(ev.Name, true); err != nil {
				log.Warn("Failed to watch %s: %v", ev.Name, err)
			}
		}
		return
	}
	w.schedule(ev.Name)
}

// addTree watches every visible directory under dir. With announce set,
// files already present are scheduled too.
func (w *Watcher) addTree(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			log.Warn("Skipping %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if path != w.root && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			if err := w.fsw.Add(path); err != nil && !errors.Is(err, fsnotify.ErrClosed) {
				log.Warn("Failed to watch %s: %v", path, err)
			}
			return nil
		}
		if announce && !isHidden(d.Name()) && !strings.Contains(d.Name(), tempMarker) {
			w.schedule(path)
		}
		return nil
	})
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			w.onFile(path)
		}
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
}
