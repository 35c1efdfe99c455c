package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf), WithLevel(LevelInfo))

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Errorf("Debug message should not be logged at Info level")
	}

	logger.Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("Info message should be logged at Info level")
	}
	if !strings.Contains(buf.String(), "[INFO]") {
		t.Errorf("Expected INFO level tag, got: %s", buf.String())
	}

	buf.Reset()
	logger.SetLevel(LevelError)
	logger.Warn("warn message")
	if buf.Len() > 0 {
		t.Errorf("Warn message should not be logged at Error level")
	}

	logger.Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("Error message should be logged at Error level")
	}
}

func TestLoggerFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf))

	logger.Info("count: %d", 42)
	if !strings.Contains(buf.String(), "count: 42") {
		t.Errorf("Expected formatted message, got: %s", buf.String())
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf))

	withFields := logger.WithFields(map[string]interface{}{
		"segment": 3,
		"offset":  128,
	})
	withFields.Info("rotated")

	out := buf.String()
	if !strings.Contains(out, "segment=3") || !strings.Contains(out, "offset=128") {
		t.Errorf("Expected fields in output, got: %s", out)
	}

	// Fields are sorted by key
	if strings.Index(out, "offset=") > strings.Index(out, "segment=") {
		t.Errorf("Expected fields in sorted order, got: %s", out)
	}

	// Parent logger is unchanged
	buf.Reset()
	logger.Info("plain")
	if strings.Contains(buf.String(), "segment=") {
		t.Errorf("Parent logger should not carry child fields: %s", buf.String())
	}
}

func TestLoggerWithField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStandardLogger(WithOutput(&buf))

	logger.WithField("component", "compaction").Info("starting")
	if !strings.Contains(buf.String(), "component=compaction") {
		t.Errorf("Expected component field, got: %s", buf.String())
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LevelFatal, "FATAL"},
		{Level(42), "LEVEL(42)"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}
