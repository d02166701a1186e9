package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log is the process logger. It falls back to slog's default until Init runs,
// so packages can log from tests without setup.
var Log = slog.Default()

var level = new(slog.LevelVar)

// ParseLevel maps a config string to a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init initializes the global logger. When logFile is set, output goes to
// both stdout and the file. The returned function closes the file.
func Init(lvl string, logFile string) (func() error, error) {
	writers := []io.Writer{os.Stdout}
	closeFn := func() error { return nil }

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return closeFn, err
		}
		writers = append(writers, f)
		closeFn = f.Close
	}

	level.Set(ParseLevel(lvl))
	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Shorten time format
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			return a
		},
	})

	Log = slog.New(handler)
	slog.SetDefault(Log)

	return closeFn, nil
}

// SetLevel changes the level of the logger built by Init.
func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

// Debug logs at debug level
func Debug(msg string, args ...any) {
	Log.Debug(msg, args...)
}

// Info logs at info level
func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}

// Warn logs at warn level
func Warn(msg string, args ...any) {
	Log.Warn(msg, args...)
}

// Error logs at error level
func Error(msg string, args ...any) {
	Log.Error(msg, args...)
}
