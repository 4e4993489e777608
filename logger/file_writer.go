package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var errWriterClosed = errors.New("log writer is closed")

// DailyFileWriter is an io.Writer that appends to {service}_{date}.log inside
// a directory and switches to a new file on the first write of each day.
// Safe for concurrent use.
type DailyFileWriter struct {
	service string
	dir     string
	now     func() time.Time

	mu     sync.Mutex
	file   *os.File
	date   string
	closed bool
}

// NewDailyFileWriter creates the directory if needed and opens today's file.
//
// Parameters:
//   - service: Service name used in log file names
//   - dir: Directory for log files
//
// Returns:
//   - The writer, or an error if the directory or file cannot be opened
func NewDailyFileWriter(service, dir string) (*DailyFileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &DailyFileWriter{service: service, dir: dir, now: time.Now}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.openLocked(w.now().Format(time.DateOnly)); err != nil {
		return nil, err
	}

	return w, nil
}

// Write implements io.Writer.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, errWriterClosed
	}

	if date := w.now().Format(time.DateOnly); date != w.date {
		if err := w.openLocked(date); err != nil {
			return 0, err
		}
	}

	return w.file.Write(p)
}

// CurrentLogFile returns the path of the file currently written to, or "" once closed.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}

	return w.file.Name()
}

// Close closes the current file. Later writes fail.
func (w *DailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	if w.file == nil {
		return nil
	}

	err := w.file.Close()
	w.file = nil
	return err
}

// openLocked swaps the current file for the one of the given date; caller holds w.mu.
func (w *DailyFileWriter) openLocked(date string) error {
	name := filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", name, err)
	}

	if w.file != nil {
		_ = w.file.Close()
	}

	w.file = file
	w.date = date
	return nil
}
