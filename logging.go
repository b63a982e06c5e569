package fiber

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Level is fiberrt's own small severity scale, trimmed to the four
// severities it actually emits and mapped onto logiface.Level at the
// adapter boundary rather than reinventing syslog-style levels twice.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Field is a single structured key/value pair attached to a log record.
type Field struct {
	Key   string
	Value any
}

// F builds a Field; kept as a free function so call sites read like a
// functional option without the allocation of one.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the structured logging seam every scheduling group and the
// Runtime itself log through. Category tags each record by subsystem
// ("task", "execqueue", "stack") rather than by file/line.
type Logger interface {
	Enabled(level Level) bool
	Log(level Level, category, message string, fields ...Field)
}

// NoOpLogger discards everything; it is the default when WithLogger is
// never called.
type NoOpLogger struct{}

func (NoOpLogger) Enabled(Level) bool                  { return false }
func (NoOpLogger) Log(Level, string, string, ...Field) {}

// logifaceLogger adapts a logiface.Logger[*stumpy.Event] to the Logger
// interface above.
type logifaceLogger struct {
	l *logiface.Logger[*stumpy.Event]
}

// NewJSONLogger builds a Logger backed by stumpy's zero-dependency JSON
// event encoder, matching the construction shown in stumpy's own examples:
// stumpy.L.New(stumpy.L.WithStumpy(...), ...).
func NewJSONLogger(opts ...stumpy.Option) Logger {
	return &logifaceLogger{
		l: stumpy.L.New(stumpy.L.WithStumpy(opts...)),
	}
}

func toLogifaceLevel(level Level) logiface.Level {
	switch level {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

func (a *logifaceLogger) Enabled(level Level) bool {
	return a.l.Level() >= toLogifaceLevel(level)
}

func (a *logifaceLogger) Log(level Level, category, message string, fields ...Field) {
	b := a.l.Build(toLogifaceLevel(level))
	if !b.Enabled() {
		b.Release()
		return
	}
	b = b.Str("category", category)
	for _, f := range fields {
		b = b.Any(f.Key, f.Value)
	}
	b.Log(message)
}

// rateLimitedLogger wraps a Logger with a go-catrate sliding-window limiter,
// keyed by (level, category, message), so a tight retry loop hitting the same
// invariant violation or resource-exhaustion backoff doesn't flood the sink.
type rateLimitedLogger struct {
	next    Logger
	limiter *catrate.Limiter
}

// NewRateLimitedLogger caps each distinct (level, category, message) triple
// to at most maxPerWindow occurrences per window; everything else passes
// through to next unmodified.
func NewRateLimitedLogger(next Logger, window time.Duration, maxPerWindow int) Logger {
	return &rateLimitedLogger{
		next:    next,
		limiter: catrate.NewLimiter(map[time.Duration]int{window: maxPerWindow}),
	}
}

func (r *rateLimitedLogger) Enabled(level Level) bool { return r.next.Enabled(level) }

func (r *rateLimitedLogger) Log(level Level, category, message string, fields ...Field) {
	if !r.next.Enabled(level) {
		return
	}
	type key struct {
		level   Level
		message string
	}
	if _, ok := r.limiter.Allow(key{level: level, message: category + ": " + message}); !ok {
		return
	}
	r.next.Log(level, category, message, fields...)
}
