package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevelAcceptsAliases(t *testing.T) {
	cases := []struct {
		level string
		want  zapcore.Level
	}{
		{level: "debug", want: zapcore.DebugLevel},
		{level: "INFO", want: zapcore.InfoLevel},
		{level: "", want: zapcore.InfoLevel},
		{level: " warning ", want: zapcore.WarnLevel},
		{level: "error", want: zapcore.ErrorLevel},
		{level: "shouting", want: zapcore.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.level); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.level, got, tc.want)
		}
	}
}

func TestNewLoggerEnablesRequestedLevel(t *testing.T) {
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer logger.Sync()
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to be enabled")
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("shouting")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer logger.Sync()
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug level to stay disabled")
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("expected info level to be enabled")
	}
}
