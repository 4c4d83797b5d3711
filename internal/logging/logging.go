package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. format is "json" or "console".
func New(level, format string, out io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if out == nil {
		out = os.Stderr
	}
	core := zapcore.NewCore(newEncoder(format), zapcore.AddSync(out), lvl)
	return zap.New(core, zap.AddCaller()), nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if strings.EqualFold(strings.TrimSpace(format), "console") {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// StdLog adapts logger for packages that take a Printf-style logger. Lines
// are written at info level under the given component name.
func StdLog(logger *zap.Logger, component string) *log.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	std, err := zap.NewStdLogAt(logger.Named(component), zapcore.InfoLevel)
	if err != nil {
		// Only fails for levels zap does not know.
		return zap.NewStdLog(logger.Named(component))
	}
	return std
}
