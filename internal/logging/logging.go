// Package logging builds the zap.Logger every component is constructor-
// injected with, mapping the CLI's numeric --log-level 0..5 onto zap's
// levels.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the CLI's 0 (quietest) .. 5 (noisiest) verbosity knob.
type Level int

const (
	LevelFatal Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelFatal:
		return zapcore.FatalLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelDebug, LevelTrace:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// New builds a JSON-encoded, ISO8601-timestamped logger at the given level,
// writing to stdout.
func New(level Level) (*zap.Logger, error) {
	if level < LevelFatal || level > LevelTrace {
		return nil, fmt.Errorf("logging: level must be 0..5, got %d", level)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level.zapLevel(),
	)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
