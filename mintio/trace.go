// Package mintio has common i/o functions for the protocol servers and the
// delivery queue.
package mintio

import (
	"io"
	"log/slog"

	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
)

// TraceWriter logs written protocol data at a trace level before passing it
// on. Connections set the level to traceauth/tracedata around credentials
// and message payloads.
type TraceWriter struct {
	log    mlog.Log
	prefix string
	w      io.Writer
	level  slog.Level
}

// NewTraceWriter wraps w, logging writes to log with level trace, prefixed
// with prefix (typically "S: ").
func NewTraceWriter(log mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log, prefix, w, mlog.LevelTrace}
}

func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(w.level, w.prefix, buf)
	return w.w.Write(buf)
}

func (w *TraceWriter) SetTrace(level slog.Level) {
	w.level = level
}

// TraceReader is the reading counterpart of TraceWriter.
type TraceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
	level  slog.Level
}

// NewTraceReader wraps r, logging successful reads to log with level trace,
// prefixed with prefix (typically "C: ").
func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log, prefix, r, mlog.LevelTrace}
}

func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.level, r.prefix, buf[:n])
	}
	return n, err
}

func (r *TraceReader) SetTrace(level slog.Level) {
	r.level = level
}
