package logger

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// LineWriter is an io.Writer that emits one log record per non-empty line.
// It is used to capture the output of child processes. Partial lines are
// buffered until the newline arrives or Flush is called.
type LineWriter struct {
	log   *slog.Logger
	level slog.Level
	msg   string

	mu  sync.Mutex
	buf []byte
}

// NewLineWriter returns a LineWriter logging each line as msg with a "line"
// attribute at the given level.
func NewLineWriter(log *slog.Logger, level slog.Level, msg string) *LineWriter {
	return &LineWriter{log: log, level: level, msg: msg}
}

// Write implements io.Writer. Incomplete trailing lines are buffered.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := len(p)
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexAny(w.buf, "\r\n")
		if idx == -1 {
			break
		}
		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}
	return total, nil
}

// Flush logs any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.buf)
	w.buf = nil
}

func (w *LineWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	w.log.Log(context.Background(), w.level, w.msg, slog.String("line", string(line)))
}
