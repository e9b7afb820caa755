package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZerologLogger adapts a zerolog.Logger to Logger.
type ZerologLogger struct {
	zl    zerolog.Logger
	level LogLevel
}

// NewZerolog wraps zl. Filtering happens on level; zl's own level is left untouched.
func NewZerolog(zl zerolog.Logger, level LogLevel) Logger {
	return &ZerologLogger{zl: zl, level: level}
}

// FileConfig describes a rotated log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewZerologOutput builds a JSON zerolog logger writing to stderr and, when
// file.Path is set, to a lumberjack-rotated file as well.
func NewZerologOutput(level LogLevel, file FileConfig) Logger {
	var w io.Writer = os.Stderr
	if file.Path != "" {
		rotated := &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    valueOr(file.MaxSizeMB, 50),
			MaxBackups: valueOr(file.MaxBackups, 3),
			MaxAge:     valueOr(file.MaxAgeDays, 28),
			Compress:   true,
		}
		w = zerolog.MultiLevelWriter(w, rotated)
	}
	zl := zerolog.New(w).With().Timestamp().Str("component", "apnshub").Logger()
	return NewZerolog(zl, level)
}

func valueOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// LogMode sets the log level and returns a new logger instance.
func (z *ZerologLogger) LogMode(level LogLevel) Logger {
	return &ZerologLogger{zl: z.zl, level: level}
}

// Info logs an informational message.
func (z *ZerologLogger) Info(msg string, args ...any) {
	if z.level >= Info {
		z.zl.Info().Fields(fields(args)).Msg(msg)
	}
}

// Warn logs a warning message.
func (z *ZerologLogger) Warn(msg string, args ...any) {
	if z.level >= Warn {
		z.zl.Warn().Fields(fields(args)).Msg(msg)
	}
}

// Error logs an error message.
func (z *ZerologLogger) Error(msg string, args ...any) {
	if z.level >= Error {
		z.zl.Error().Fields(fields(args)).Msg(msg)
	}
}

// Debug logs a debug message.
func (z *ZerologLogger) Debug(msg string, args ...any) {
	if z.level >= Debug {
		z.zl.Debug().Fields(fields(args)).Msg(msg)
	}
}

// fields turns alternating key-value args into a map; a dangling key gets "(no value)".
func fields(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	m := make(map[string]any, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "field"
		}
		var val any = "(no value)"
		if i+1 < len(args) {
			val = args[i+1]
		}
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		m[key] = val
	}
	return m
}
