package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// levelVar backs the default handler so SetDebug can flip verbosity at
// runtime without reinstalling the handler.
var levelVar slog.LevelVar

// configuredLevel remembers the level requested at Setup time so that
// SetDebug(false) restores it rather than forcing info.
var configuredLevel slog.Level = slog.LevelInfo

func ParseLevel(logLevelStr string) slog.Level {
	switch strings.ToLower(logLevelStr) {
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

func Setup(logLevelStr string, logPath string, defaultWriter io.Writer) {
	level := ParseLevel(logLevelStr)
	configuredLevel = level
	levelVar.Set(level)

	logWriter := defaultWriter
	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			// The default handler is not installed yet, so report on a throwaway one.
			tempLogger := slog.New(slog.NewTextHandler(defaultWriter, nil))
			tempLogger.Error("Failed to open configured log file, falling back to default writer", "path", logPath, "error", err)
		} else {
			logWriter = logFile
		}
	}

	opts := &slog.HandlerOptions{
		Level:     &levelVar,
		AddSource: level <= slog.LevelDebug,
	}
	logger := slog.New(slog.NewTextHandler(logWriter, opts))
	slog.SetDefault(logger)
}

// SetDebug switches the default logger between debug and the level given to
// Setup. Safe to call before Setup; the zero LevelVar defaults to info.
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
		return
	}
	levelVar.Set(configuredLevel)
}

// Level reports the currently effective log level.
func Level() slog.Level {
	return levelVar.Level()
}
