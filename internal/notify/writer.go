// Package notify carries engine events between Chronicle processes through
// files in a shared directory. One-shot CLI commands write events; the
// server watches the directory and forwards them to its live feed.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dirName   = "events"
	eventExt  = ".event"
	tmpPrefix = ".tmp-"
)

// EventEpisodeRecorded is written after a query episode is finalised.
const EventEpisodeRecorded = "episode.recorded"

// Event is the payload of one event file.
type Event struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Time int64  `json:"time"` // unix nanoseconds
}

// Dir returns the event directory under dataPath.
func Dir(dataPath string) string {
	return filepath.Join(dataPath, dirName)
}

// Writer emits event files.
type Writer struct {
	dir string
	now func() time.Time
}

// NewWriter creates a writer for {dataPath}/events.
func NewWriter(dataPath string) *Writer {
	return &Writer{dir: Dir(dataPath), now: time.Now}
}

// Notify writes one event. The file is renamed into place so watchers never
// see a partial write. Safe for concurrent use.
func (w *Writer) Notify(eventType, id string) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	evt := Event{Type: eventType, ID: id, Time: w.now().UnixNano()}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	tmp, err := os.CreateTemp(w.dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("notify: create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("notify: write event: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("notify: close event: %w", err)
	}

	name := fmt.Sprintf("%d-%s%s", evt.Time, sanitizeID(id), eventExt)
	if err := os.Rename(tmp.Name(), filepath.Join(w.dir, name)); err != nil {
		return fmt.Errorf("notify: publish event: %w", err)
	}
	return nil
}

// sanitizeID replaces characters unsafe for file names.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.':
			return '_'
		}
		return r
	}, id)
}
