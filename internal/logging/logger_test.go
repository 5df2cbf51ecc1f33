package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"":        zapcore.InfoLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for level, expected := range testCases {
		logger, err := NewLogger(level)
		if err != nil {
			t.Fatalf("NewLogger(%q) returned error: %v", level, err)
		}
		if !logger.Core().Enabled(expected) {
			t.Fatalf("NewLogger(%q) should enable %s", level, expected)
		}
		if expected > zapcore.DebugLevel && logger.Core().Enabled(expected-1) {
			t.Fatalf("NewLogger(%q) should not enable %s", level, expected-1)
		}
	}
}

func TestNewConsoleLoggerHonoursLevel(t *testing.T) {
	logger, err := NewConsoleLogger("error")
	if err != nil {
		t.Fatalf("NewConsoleLogger returned error: %v", err)
	}
	if logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected warn disabled at error level")
	}
}
