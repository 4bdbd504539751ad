package notify

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher consumes event files and hands each event to a callback exactly
// once per directory (files are deleted after reading).
type Watcher struct {
	dir      string
	callback func(Event)
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher creates a watcher for {dataPath}/events.
func NewWatcher(dataPath string, callback func(Event)) *Watcher {
	return &Watcher{
		dir:      Dir(dataPath),
		callback: callback,
		done:     make(chan struct{}),
	}
}

// Start drains events written while nobody was watching, then watches for
// new ones until Stop.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw

	w.drainExisting()
	go w.loop()
	slog.Info("watching for external events", "dir", w.dir)
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() {
	if w.watcher == nil {
		return
	}
	_ = w.watcher.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Writers rename into place, which surfaces as Create.
			if evt.Op&fsnotify.Create != 0 && isEventFile(evt.Name) {
				w.processFile(evt.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("event watcher error", "error", err)
		}
	}
}

func isEventFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, eventExt) && !strings.HasPrefix(base, tmpPrefix)
}

func (w *Watcher) drainExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && isEventFile(entry.Name()) {
			w.processFile(filepath.Join(w.dir, entry.Name()))
		}
	}
}

func (w *Watcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // consumed by another watcher
	}
	_ = os.Remove(path)

	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		slog.Warn("invalid event file", "file", filepath.Base(path), "error", err)
		return
	}
	if evt.ID != "" && w.callback != nil {
		w.callback(evt)
	}
}
