package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"keepsake.gg/internal/persistence/manager"
)

// JSONLZstdWriter appends JSON lines to hourly zstd-compressed files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// JournalEntry is one line of the save journal.
type JournalEntry struct {
	At          string `json:"at"`
	Kind        string `json:"kind"`
	Profile     string `json:"profile"`
	SaveID      string `json:"save_id,omitempty"`
	LastUpdated int64  `json:"last_updated,omitempty"`
	Health      int    `json:"health,omitempty"`
	Collected   int    `json:"collected,omitempty"`
	Err         string `json:"error,omitempty"`
}

// EventLogger records every manager event to <dataDir>/journal.
type EventLogger struct {
	w      *JSONLZstdWriter
	onErr  func(error)
	errMu  sync.Mutex
	errCnt int
}

func NewEventLogger(dataDir string) *EventLogger {
	return &EventLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "journal"), "events")}
}

// OnError sets a callback for write failures. The journal never fails the
// save it describes.
func (l *EventLogger) OnError(fn func(error)) { l.onErr = fn }

func (l *EventLogger) OnEvent(ev manager.Event) {
	e := JournalEntry{
		At:      ev.At.UTC().Format(time.RFC3339Nano),
		Kind:    string(ev.Kind),
		Profile: ev.Profile,
		SaveID:  ev.SaveID,
		Err:     ev.Err,
	}
	if ev.Data != nil {
		e.LastUpdated = ev.Data.LastUpdated
		e.Health = ev.Data.Health
		e.Collected = ev.Data.CollectedCount()
	}
	if err := l.w.Write(e); err != nil {
		l.errMu.Lock()
		l.errCnt++
		l.errMu.Unlock()
		if l.onErr != nil {
			l.onErr(err)
		}
	}
}

func (l *EventLogger) Errors() int {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.errCnt
}

func (l *EventLogger) Close() error { return l.w.Close() }
