package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARNING": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for level, expected := range cases {
		for _, format := range []string{"json", "console"} {
			logger, err := NewLogger(level, format)
			if err != nil {
				t.Fatalf("%s/%s: unexpected error: %v", level, format, err)
			}
			if !logger.Core().Enabled(expected) {
				t.Fatalf("%s/%s: expected %s to be enabled", level, format, expected)
			}
			if expected > zapcore.DebugLevel && logger.Core().Enabled(expected-1) {
				t.Fatalf("%s/%s: expected levels below %s to be disabled", level, format, expected)
			}
		}
	}
}
