package accesslog

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Record captures one request handled by the dev server.
type Record struct {
	Timestamp  time.Time `json:"ts"`
	RequestID  string    `json:"id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Rule       string    `json:"rule,omitempty"`
	Upstream   string    `json:"upstream,omitempty"`
	Status     int       `json:"status"`
	DurationMs int64     `json:"ms"`
	Error      string    `json:"error,omitempty"`
}

// Writer persists access records.
type Writer interface {
	Record(Record) error
	Close() error
}

// FileWriter implements Writer by appending JSONL to a file.
type FileWriter struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewFileWriter opens (or creates) the file at path for append-only writing.
// If logger is nil, a no-op logger is used.
func NewFileWriter(path string, logger *slog.Logger) (*FileWriter, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &FileWriter{
		file:   f,
		logger: logger,
	}, nil
}

// Record marshals rec as JSON and appends it as a single line.
func (w *FileWriter) Record(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	_, err = w.file.Write(data)
	if err != nil {
		w.logger.Error("failed to write access record", "error", err)
	}
	return err
}

// Close closes the underlying file handle.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// NoopWriter is a Writer that discards all records.
type NoopWriter struct{}

// Record discards the record and returns nil.
func (NoopWriter) Record(Record) error { return nil }

// Close is a no-op and returns nil.
func (NoopWriter) Close() error { return nil }
