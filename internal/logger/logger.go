// Package logger builds the service's zap logger.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileMode controls what happens to an existing log file on startup.
type FileMode string

const (
	// FileModeAppend appends to an existing log file. This is the default.
	FileModeAppend FileMode = "append"
	// FileModeTruncate truncates an existing log file.
	FileModeTruncate FileMode = "truncate"
	// FileModeRotate rotates log files with lumberjack.
	FileModeRotate FileMode = "rotate"
)

// Set parses a mode name; the empty string selects append.
func (m *FileMode) Set(s string) error {
	switch FileMode(s) {
	case FileModeAppend, "":
		*m = FileModeAppend
	case FileModeTruncate:
		*m = FileModeTruncate
	case FileModeRotate:
		*m = FileModeRotate
	default:
		return errors.Newf("invalid log file mode: %s", s)
	}
	return nil
}

func (m FileMode) String() string {
	return string(m)
}

// Config selects the log level and destination.
type Config struct {
	Level string
	Path  string
	Mode  string
	// JSON selects the JSON encoder; otherwise a console encoder is used.
	JSON bool
}

// OpenFile returns a write syncer for path. The names stdout, stderr and
// /dev/null are recognised.
func OpenFile(path string, mode FileMode) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "/dev/null":
		return zapcore.AddSync(io.Discard), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log directory for %s", path)
	}
	switch mode {
	case FileModeRotate:
		// lumberjack.Logger is safe for concurrent use.
		return zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}), nil
	case FileModeTruncate:
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "open log file")
		}
		return zapcore.Lock(f), nil
	default:
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "open log file")
		}
		return zapcore.Lock(f), nil
	}
}

// New builds a logger from c.
func New(c Config) (*zap.Logger, error) {
	var level zapcore.Level
	if c.Level == "" {
		level = zapcore.InfoLevel
	} else if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", c.Level)
	}
	var mode FileMode
	if err := mode.Set(c.Mode); err != nil {
		return nil, err
	}
	ws, err := OpenFile(c.Path, mode)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if c.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, ws, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), nil
}
