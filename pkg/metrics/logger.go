package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is a log severity. Entries below a logger's level are dropped.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelSilent
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "SILENT"}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "UNKNOWN"
}

// ParseLevel maps a configured level name onto a Level. Unrecognised names
// select LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "silent", "off", "none":
		return LevelSilent
	}
	return LevelInfo
}

// Fields are key/value pairs attached to an entry.
type Fields map[string]interface{}

// Format selects the line encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// sink is the destination shared by a logger and all loggers derived from
// it, so lines from sessions and streams never interleave.
type sink struct {
	mu  sync.Mutex
	out io.Writer
}

func (s *sink) write(line []byte) {
	s.mu.Lock()
	_, _ = s.out.Write(line)
	s.mu.Unlock()
}

type field struct {
	key string
	val interface{}
}

// Logger writes leveled, structured lines for the tunnel engine.
type Logger struct {
	sink   *sink
	level  atomic.Int32
	format Format
	name   string
	base   []field // sorted by key
	now    func() time.Time
}

// LoggerOption configures NewLogger.
type LoggerOption func(*Logger)

func WithOutput(w io.Writer) LoggerOption {
	return func(l *Logger) { l.sink = &sink{out: w} }
}

func WithLevel(level Level) LoggerOption {
	return func(l *Logger) { l.level.Store(int32(level)) }
}

func WithFormat(format Format) LoggerOption {
	return func(l *Logger) { l.format = format }
}

// WithFields attaches fields to every entry.
func WithFields(fields Fields) LoggerOption {
	return func(l *Logger) { l.base = mergeFields(l.base, fields) }
}

// WithTimeFunc replaces the clock used for timestamps.
func WithTimeFunc(now func() time.Time) LoggerOption {
	return func(l *Logger) { l.now = now }
}

func WithName(name string) LoggerOption {
	return func(l *Logger) { l.name = name }
}

// NewLogger returns an info-level text logger on stdout, adjusted by opts.
func NewLogger(opts ...LoggerOption) *Logger {
	l := &Logger{sink: &sink{out: os.Stdout}, now: time.Now}
	l.level.Store(int32(LevelInfo))
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Logger) derive() *Logger {
	d := &Logger{sink: l.sink, format: l.format, name: l.name, base: l.base, now: l.now}
	d.level.Store(l.level.Load())
	return d
}

// With returns a logger that adds fields to every entry.
func (l *Logger) With(fields Fields) *Logger {
	d := l.derive()
	d.base = mergeFields(l.base, fields)
	return d
}

// Named returns a logger whose name is appended to l's, dot separated.
func (l *Logger) Named(name string) *Logger {
	d := l.derive()
	if l.name != "" {
		name = l.name + "." + name
	}
	d.name = name
	return d
}

// SetLevel changes the level of l only. Derived loggers keep the level they
// were created with.
func (l *Logger) SetLevel(level Level) { l.level.Store(int32(level)) }

// Enabled reports whether an entry at level would be written.
func (l *Logger) Enabled(level Level) bool {
	cur := Level(l.level.Load())
	return cur != LevelSilent && level >= cur
}

func (l *Logger) Debug(msg string, fields ...Fields) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Fields)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Fields)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields ...Fields) { l.log(LevelError, msg, fields) }

var linePool = sync.Pool{New: func() any { b := make([]byte, 0, 256); return &b }}

func (l *Logger) log(level Level, msg string, extra []Fields) {
	if !l.Enabled(level) {
		return
	}
	fs := l.base
	for _, f := range extra {
		fs = mergeFields(fs, f)
	}

	bp := linePool.Get().(*[]byte)
	line := (*bp)[:0]
	if l.format == FormatJSON {
		line = l.appendJSON(line, level, msg, fs)
	} else {
		line = l.appendText(line, level, msg, fs)
	}
	l.sink.write(line)
	*bp = line
	linePool.Put(bp)
}

func (l *Logger) appendText(b []byte, level Level, msg string, fs []field) []byte {
	b = l.now().AppendFormat(b, "15:04:05.000")
	b = append(b, ' ')
	name := level.String()
	b = append(b, name...)
	for i := len(name); i < 5; i++ {
		b = append(b, ' ')
	}
	b = append(b, ' ')
	if l.name != "" {
		b = append(b, '[')
		b = append(b, l.name...)
		b = append(b, "] "...)
	}
	b = append(b, msg...)
	for _, f := range fs {
		b = append(b, ' ')
		b = append(b, f.key...)
		b = append(b, '=')
		b = appendTextValue(b, f.val)
	}
	return append(b, '\n')
}

func appendTextValue(b []byte, v interface{}) []byte {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case error:
		s = x.Error()
	case time.Duration:
		s = x.String()
	case bool:
		return strconv.AppendBool(b, x)
	case int:
		return strconv.AppendInt(b, int64(x), 10)
	case int64:
		return strconv.AppendInt(b, x, 10)
	case uint64:
		return strconv.AppendUint(b, x, 10)
	default:
		return fmt.Append(b, v)
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.AppendQuote(b, s)
	}
	return append(b, s...)
}

func (l *Logger) appendJSON(b []byte, level Level, msg string, fs []field) []byte {
	b = append(b, `{"time":`...)
	b = strconv.AppendQuote(b, l.now().Format(time.RFC3339Nano))
	b = append(b, `,"level":`...)
	b = strconv.AppendQuote(b, level.String())
	if l.name != "" {
		b = append(b, `,"logger":`...)
		b = appendJSONString(b, l.name)
	}
	b = append(b, `,"msg":`...)
	b = appendJSONString(b, msg)
	for _, f := range fs {
		switch f.key {
		case "time", "level", "logger", "msg":
			continue
		}
		b = append(b, ',')
		b = appendJSONString(b, f.key)
		b = append(b, ':')
		b = appendJSONValue(b, f.val)
	}
	return append(b, "}\n"...)
}

func appendJSONString(b []byte, s string) []byte {
	data, _ := json.Marshal(s)
	return append(b, data...)
}

func appendJSONValue(b []byte, v interface{}) []byte {
	switch x := v.(type) {
	case error:
		return appendJSONString(b, x.Error())
	case time.Duration:
		return appendJSONString(b, x.String())
	}
	data, err := json.Marshal(v)
	if err != nil {
		return appendJSONString(b, err.Error())
	}
	return append(b, data...)
}

// mergeFields returns base overlaid with extra, sorted by key. base is never
// modified.
func mergeFields(base []field, extra Fields) []field {
	if len(extra) == 0 {
		return base
	}
	out := make([]field, 0, len(base)+len(extra))
	for _, f := range base {
		if _, replaced := extra[f.key]; !replaced {
			out = append(out, f)
		}
	}
	for k, v := range extra {
		out = append(out, field{k, v})
	}
	slices.SortFunc(out, func(a, b field) int { return strings.Compare(a.key, b.key) })
	return out
}

// NullLogger discards everything.
func NullLogger() *Logger {
	return NewLogger(WithOutput(io.Discard), WithLevel(LevelSilent))
}

// TestLogger writes debug-level text to w.
func TestLogger(w io.Writer) *Logger {
	return NewLogger(WithOutput(w), WithLevel(LevelDebug))
}

// ProductionLogger writes info-level JSON to w.
func ProductionLogger(w io.Writer) *Logger {
	return NewLogger(WithOutput(w), WithFormat(FormatJSON))
}
