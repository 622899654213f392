package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies that parseLogLevel correctly parses log level
// strings from environment variables, handling case-insensitivity and whitespace.
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		env    string
		expect zapcore.Level
	}{
		{"", zap.InfoLevel},
		{"INFO", zap.InfoLevel},
		{"DEBUG", zap.DebugLevel},
		{"WARN", zap.WarnLevel},
		{"ERROR", zap.ErrorLevel},
		{"debug", zap.DebugLevel},
		{"  warn  ", zap.WarnLevel},
		{"invalid", zap.InfoLevel},
	}
	for _, tt := range tests {
		level := parseLogLevel(tt.env)
		if got := level.Level(); got != tt.expect {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.env, got, tt.expect)
		}
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"", "json", "console"} {
		t.Run("format="+format, func(t *testing.T) {
			t.Setenv("LOG_FORMAT", format)
			logger, err := NewLogger()
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if logger == nil {
				t.Fatal("NewLogger() returned nil logger")
			}
			logger.Info("test message")
			_ = logger.Sync()
		})
	}
}

func TestEnvName(t *testing.T) {
	t.Setenv("ENV_NAME", "")
	if got := envName(); got != "dev" {
		t.Errorf("envName() = %q, want dev", got)
	}
	t.Setenv("ENV_NAME", " prod ")
	if got := envName(); got != "prod" {
		t.Errorf("envName() = %q, want prod", got)
	}
}

func TestLoggerFromContext(t *testing.T) {
	fallback := zap.NewNop()
	if got := LoggerFromContext(context.Background(), fallback); got != fallback {
		t.Error("LoggerFromContext() without logger should return fallback")
	}
	scoped := zap.NewExample()
	ctx := WithLogger(context.Background(), scoped)
	if got := LoggerFromContext(ctx, fallback); got != scoped {
		t.Error("LoggerFromContext() should return the request-scoped logger")
	}
	if got := LoggerFromContext(context.Background(), nil); got == nil {
		t.Error("LoggerFromContext() with nil fallback returned nil")
	}
}
