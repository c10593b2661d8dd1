package transport

import (
	"io"
	"log/slog"

	"github.com/mjl-/imapmirror/mlog"
)

// traceWriter logs all writes at its current trace level, prefixed with
// prefix, before passing them on.
type traceWriter struct {
	log    mlog.Log
	prefix string
	w      io.Writer
	level  slog.Level
}

func newTraceWriter(log mlog.Log, prefix string, w io.Writer) *traceWriter {
	return &traceWriter{log, prefix, w, mlog.LevelTrace}
}

func (w *traceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(w.level, w.prefix, buf)
	return w.w.Write(buf)
}

// traceReader logs data of successful reads at its current trace level.
type traceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
	level  slog.Level
}

func newTraceReader(log mlog.Log, prefix string, r io.Reader) *traceReader {
	return &traceReader{log, prefix, r, mlog.LevelTrace}
}

func (r *traceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.level, r.prefix, buf[:n])
	}
	return n, err
}
