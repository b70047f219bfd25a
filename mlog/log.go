// Package mlog provides logging with log levels and fields, wrapping
// log/slog.
//
// Each package has its own logger, e.g. mlog.New("smtpserver", nil). Each
// connection adds a logger with a cid (connection id) for grouping log lines
// belonging to the same session, and a function adding time since the
// previous log line of the connection.
//
// Trace levels are used for protocol tracing: LevelTrace for all protocol
// data, LevelTraceproto to suppress authentication and message data,
// LevelTracedata to suppress only message data.
package mlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var noctx = context.Background()

var (
	LevelTracedata  = slog.LevelDebug - 8
	LevelTraceauth  = slog.LevelDebug - 6
	LevelTrace      = slog.LevelDebug - 4
	LevelTraceproto = slog.LevelDebug - 2
	LevelDebug      = slog.LevelDebug
	LevelInfo       = slog.LevelInfo
	LevelWarn       = slog.LevelWarn
	LevelError      = slog.LevelError
	LevelFatal      = slog.LevelError + 4 // Printed regardless of configured level.
	LevelPrint      = slog.LevelError + 8 // Printed regardless of configured level.
)

// Levelstrings map standard slog levels and our trace levels to identifiers
// for use in config files and on the command-line.
var Levelstrings = map[slog.Level]string{
	LevelTracedata:  "tracedata",
	LevelTraceauth:  "traceauth",
	LevelTrace:      "trace",
	LevelTraceproto: "traceproto",
	LevelDebug:      "debug",
	LevelInfo:       "info",
	LevelWarn:       "warn",
	LevelError:      "error",
	LevelFatal:      "fatal",
	LevelPrint:      "print",
}

// Levels map the reverse of Levelstrings.
var Levels = map[string]slog.Level{}

func init() {
	for l, s := range Levelstrings {
		Levels[s] = l
	}
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

// Log wraps an slog.Logger, providing convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, the
// global default logger is used.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.Default()
	}
	return Log{logger}.WithPkg(pkg)
}

// WithCid adds a attribute "cid".
// Also see WithContext.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. Context are often passed to
// functions, but contexts are regularly wrapped after being set up, so
// storing a logger in the context has limited use. We only store a cid in
// the context.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With adds attributes to to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithPkg ensures pkg is added as attribute to logged lines. If the handler
// is a *LogHandler, pkg is only added if not already the last added package.
func (l Log) WithPkg(pkg string) Log {
	h := l.Logger.Handler()
	if lh, ok := h.(*LogHandler); ok {
		if len(lh.Pkgs) > 0 && lh.Pkgs[len(lh.Pkgs)-1] == pkg {
			return l
		}
		nl := *lh
		nl.Pkgs = append(append([]string{}, lh.Pkgs...), pkg)
		return Log{slog.New(&nl)}
	}
	return Log{slog.New(h.WithAttrs([]slog.Attr{slog.String("pkg", pkg)}))}
}

// WithFunc sets fn to be called for additional attributes. Fn is called when
// a line is logged.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	h := l.Logger.Handler()
	if lh, ok := h.(*LogHandler); ok {
		nl := *lh
		nl.Group = &group{lh.Group, fn}
		return Log{slog.New(&nl)}
	}
	// Ignored for other handlers, only used internally (smtpserver, imapserver).
	return l
}

// Check logs an error if err is not nil. Intended for logging errors that are good
// to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelWarn, msg, attrs...)
}

func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelWarn, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

// Trace logs at trace/traceauth/tracedata level. Keep the check visible at
// the caller to prevent evaluating attributes for disabled levels.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	h := l.Logger.Handler()
	if !h.Enabled(noctx, level) {
		return
	}
	if lh, ok := h.(*LogHandler); ok {
		if !lh.traceForLevel(level) {
			return
		}
		// todo: should we add the cid traces? perhaps useful to turn off by default, and enable with config option.
		logLine(lh, level, prefix, data)
		return
	}
	r := slog.NewRecord(time.Now(), level, prefix+string(data), 0)
	h.Handle(noctx, r)
}

type group struct {
	prev *group
	fn   func() []slog.Attr
}

// LogHandler writes logfmt-ish output, with fields ordered for human
// readability: time, level, pkg, msg, then attributes.
type LogHandler struct {
	Opts     *slog.HandlerOptions
	Pkgs     []string
	Group    *group
	attrs    []slog.Attr
	mu       *sync.Mutex
	w        io.Writer
	levelTrc slog.Level
}

// NewLogHandler makes a new LogHandler writing to w with minimum level.
func NewLogHandler(w io.Writer, level slog.Level) *LogHandler {
	return &LogHandler{
		Opts:     &slog.HandlerOptions{Level: level},
		mu:       &sync.Mutex{},
		w:        w,
		levelTrc: level,
	}
}

func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.Opts.Level.Level() || level >= LevelFatal
}

func (h *LogHandler) traceForLevel(level slog.Level) bool {
	return level >= h.Opts.Level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, 0, 8+r.NumAttrs())
	for g := h.Group; g != nil; g = g.prev {
		attrs = append(g.fn(), attrs...)
	}
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return h.write(r.Time, r.Level, r.Message, attrs)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	// Groups are not used in this code base.
	return h
}

// Quote strings only when needed to keep logfmt output readable.
var noquote = regexp.MustCompile(`^[a-zA-Z0-9-_.;/<>+=%#@]+$`)

func formatValue(s string) string {
	if noquote.MatchString(s) {
		return s
	}
	return strconv.Quote(s)
}

func logLine(h *LogHandler, level slog.Level, prefix string, data []byte) {
	return_ := ""
	if len(data) > 0 && data[len(data)-1] != '\n' {
		return_ = "\n"
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.w, "%s %s %s%s", Levelstrings[level], prefix, data, return_)
}

func (h *LogHandler) write(tm time.Time, level slog.Level, msg string, attrs []slog.Attr) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", tm.Format("2006-01-02 15:04:05.000"), Levelstrings[level])
	if len(h.Pkgs) > 0 {
		fmt.Fprintf(&sb, " %s", strings.Join(h.Pkgs, ","))
	}
	fmt.Fprintf(&sb, " %s", formatValue(msg))
	for _, a := range attrs {
		fmt.Fprintf(&sb, " %s=%s", a.Key, formatValue(a.Value.String()))
	}
	sb.WriteString("\n")
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

// Init sets the default slog logger to a LogHandler writing to stderr at
// level. Called from the serve entrypoint and tests.
func Init(level slog.Level) {
	slog.SetDefault(slog.New(NewLogHandler(os.Stderr, level)))
}
