package browser

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// outputLogger forwards one of a child process's output streams to the logger, one line per entry.
// Close flushes a trailing line that has no newline.
func outputLogger(log *zap.SugaredLogger, stream string) *zapio.Writer {
	return &zapio.Writer{Log: log.Named(stream).Desugar(), Level: zapcore.DebugLevel}
}
