// Package mlog provides logging on top of log/slog, with log levels
// configurable per originating package and additional trace levels for
// protocol transcripts.
//
// Each logging function has a variant with and without error. Variable data
// should be passed as attributes, log messages themselves should be constant,
// for easier log processing.
//
// The trace levels are below debug. LevelTrace logs protocol lines,
// LevelTraceauth additionally logs authentication data and LevelTracedata
// logs message data. If a trace line is logged at traceauth or tracedata
// level but only trace is enabled, its text is replaced with "***" or "..."
// respectively, so a transcript shows where data was exchanged without
// leaking credentials.
package mlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Log levels, extending the levels from log/slog.
const (
	LevelTracedata = slog.LevelDebug - 8
	LevelTraceauth = slog.LevelDebug - 6
	LevelTrace     = slog.LevelDebug - 4
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelWarn      = slog.LevelWarn
	LevelError     = slog.LevelError
	LevelFatal     = slog.LevelError + 4 // Printed regardless of configured log level.
	LevelPrint     = slog.LevelError + 8 // Printed regardless of configured log level.
)

// Levels maps the names of log levels to the levels.
var Levels = map[string]slog.Level{
	"print":     LevelPrint,
	"fatal":     LevelFatal,
	"error":     LevelError,
	"warn":      LevelWarn,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// LevelStrings maps log levels to their names.
var LevelStrings = map[slog.Level]string{
	LevelPrint:     "print",
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelWarn:      "warn",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
	LevelTracedata: "tracedata",
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Pointer[map[string]slog.Level]

func init() {
	SetConfig(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(&c)
}

// Logfmt sets output to logfmt instead of the more human-readable default.
var Logfmt bool

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for
// logging. Operations on an account get their own cid.
var CidKey key = "cid"

// Log wraps a slog.Logger, adding helpers for logging with errors and
// checking the per-package log level configuration.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a default
// handler writing to stderr is used.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithCid adds a attribute "cid".
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds the cid from ctx, if present. Contexts are typically passed
// between packages, and WithContext is used at the start of exported functions.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With adds attributes to be logged with each logging call.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// WithPkg sets the package attribute, which determines the configured log
// level to use.
func (l Log) WithPkg(pkg string) Log {
	if h, ok := l.Logger.Handler().(*handler); ok {
		nh := h.clone()
		nh.pkgs = append(nh.pkgs, pkg)
		return Log{slog.New(nh)}
	}
	return l.With(slog.String("pkg", pkg))
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.Logattr(LevelDebug, msg, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.Logattr(LevelDebug, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) { l.Logattr(LevelInfo, msg, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.Logattr(LevelInfo, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

func (l Log) Warn(msg string, attrs ...slog.Attr) { l.Logattr(LevelWarn, msg, attrs...) }
func (l Log) Warnx(msg string, err error, attrs ...slog.Attr) {
	l.Logattr(LevelWarn, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.Logattr(LevelError, msg, attrs...) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.Logattr(LevelError, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

func (l Log) Print(msg string, attrs ...slog.Attr) { l.Logattr(LevelPrint, msg, attrs...) }
func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.Logattr(LevelPrint, msg, append([]slog.Attr{errAttr(err)}, attrs...)...)
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logattr(LevelFatal, msg, attrs...)
	os.Exit(1)
}

// Logattr logs msg at level with attrs, without going through the
// varargs-any interface of slog.
func (l Log) Logattr(level slog.Level, msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, level, msg, attrs...)
}

// Trace logs data at level, with the data prefixed by prefix. Only level
// trace, traceauth and tracedata should be used. If traceauth or tracedata is
// not enabled but trace is, the data is replaced with "***" or "...".
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	h, ok := l.Logger.Handler().(*handler)
	if !ok {
		l.Logattr(level, "trace", slog.String("data", prefix+string(data)))
		return
	}
	lvl, _ := h.configLevel()
	if lvl > level {
		if lvl > LevelTrace {
			return
		}
		switch level {
		case LevelTraceauth:
			data = []byte("***")
		case LevelTracedata:
			data = []byte("...")
		}
	}
	h.write(LevelTrace, prefix+string(data), nil)
}

// handler is the default slog.Handler. It writes either a human readable line
// or logfmt to stderr, and applies the per-package log level configuration.
type handler struct {
	pkgs  []string
	attrs []slog.Attr
	group string
	out   io.Writer
}

var outMutex sync.Mutex

func (h *handler) clone() *handler {
	nh := *h
	nh.pkgs = append([]string{}, h.pkgs...)
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	return &nh
}

// configLevel returns the configured level for the most specific package of
// this handler.
func (h *handler) configLevel() (slog.Level, bool) {
	c := *config.Load()
	for i := len(h.pkgs) - 1; i >= 0; i-- {
		if l, ok := c[h.pkgs[i]]; ok {
			return l, true
		}
	}
	l, ok := c[""]
	if !ok {
		l = LevelError
	}
	return l, ok
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	l, _ := h.configLevel()
	return level >= l
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	h.write(r.Level, r.Message, attrs)
	return nil
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		if a.Key == "pkg" {
			nh.pkgs = append(nh.pkgs, a.Value.String())
			continue
		}
		nh.attrs = append(nh.attrs, a)
	}
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	if nh.group != "" {
		nh.group += "."
	}
	nh.group += name
	return nh
}

func (h *handler) write(level slog.Level, msg string, attrs []slog.Attr) {
	// Single write of the whole line, so concurrent lines don't interleave.
	b := &bytes.Buffer{}
	all := append(append([]slog.Attr{}, h.attrs...), attrs...)
	var pkg string
	if len(h.pkgs) > 0 {
		pkg = h.pkgs[len(h.pkgs)-1]
	}
	lvl := LevelStrings[level]
	if lvl == "" {
		lvl = level.String()
	}
	if Logfmt {
		fmt.Fprintf(b, "t=%s l=%s m=%s", time.Now().Format(time.RFC3339Nano), lvl, logfmtValue(msg))
		if pkg != "" {
			fmt.Fprintf(b, " pkg=%s", pkg)
		}
		for _, a := range all {
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(stringValue(a)))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", lvl, logfmtValue(msg))
		if len(all) > 0 || pkg != "" {
			b.WriteString(" (")
			first := true
			if pkg != "" {
				fmt.Fprintf(b, "pkg: %s", pkg)
				first = false
			}
			for _, a := range all {
				if !first {
					b.WriteString("; ")
				}
				first = false
				fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(stringValue(a)))
			}
			b.WriteString(")")
		}
	}
	b.WriteString("\n")

	out := h.out
	if out == nil {
		out = os.Stderr
	}
	outMutex.Lock()
	defer outMutex.Unlock()
	out.Write(b.Bytes())
}

func stringValue(a slog.Attr) string {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindInt64:
		if a.Key == "cid" {
			return fmt.Sprintf("%x", v.Int64())
		}
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case nil:
			return ""
		case error:
			return x.Error()
		case []string:
			return "[" + strings.Join(x, ",") + "]"
		case fmt.Stringer:
			return x.String()
		}
		return fmt.Sprintf("%v", v.Any())
	}
	return v.String()
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

// ParseLevel returns the level for a name as used in configuration files.
func ParseLevel(s string) (slog.Level, error) {
	l, ok := Levels[strings.ToLower(s)]
	if !ok {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	w.log.Logattr(w.level, w.msg, slog.String("err", strings.TrimSpace(string(buf))))
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on log
// with given level and msg and the written content as an error. Used for
// http.Server.ErrorLog of the metrics listener.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}
