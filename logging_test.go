package fiber

import (
	"testing"
	"time"
)

type recordingLogger struct {
	calls int
}

func (r *recordingLogger) Enabled(Level) bool { return true }
func (r *recordingLogger) Log(Level, string, string, ...Field) { r.calls++ }

func TestRateLimitedLoggerCapsBurstsPerWindow(t *testing.T) {
	rec := &recordingLogger{}
	l := NewRateLimitedLogger(rec, time.Minute, 2)

	for i := 0; i < 5; i++ {
		l.Log(LevelWarn, "timer", "deadline missed")
	}
	if rec.calls != 2 {
		t.Fatalf("calls = %d, want 2 (capped by maxPerWindow)", rec.calls)
	}
}

func TestRateLimitedLoggerDistinguishesMessages(t *testing.T) {
	rec := &recordingLogger{}
	l := NewRateLimitedLogger(rec, time.Minute, 1)

	l.Log(LevelWarn, "timer", "deadline missed")
	l.Log(LevelWarn, "queue", "overflow")
	if rec.calls != 2 {
		t.Fatalf("calls = %d, want 2 (distinct category/message keys admitted independently)", rec.calls)
	}
}

func TestNoOpLoggerDiscardsEverything(t *testing.T) {
	var l NoOpLogger
	if l.Enabled(LevelError) {
		t.Fatal("NoOpLogger.Enabled() = true, want false")
	}
	l.Log(LevelError, "x", "y") // must not panic
}
