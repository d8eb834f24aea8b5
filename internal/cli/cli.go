// Package cli holds flag and logging helpers shared by the command line tools.
package cli

import (
	"io"
	"log/slog"
	"strings"
)

// StringList is a flag.Value collecting repeated or comma separated values
type StringList []string

func (l *StringList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(*l, ",")
}

// Set appends every non-empty comma separated item of value
func (l *StringList) Set(value string) error {
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*l = append(*l, item)
		}
	}
	return nil
}

// ParseLevel maps a configured level name to a slog level, defaulting to Info
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// SetupLogger returns a text logger. Verbosity 0 shows warnings only, 1 uses
// the configured level and 2 or more enables debug output.
func SetupLogger(w io.Writer, level string, verbosity int) *slog.Logger {
	lvl := ParseLevel(level)
	switch {
	case verbosity <= 0:
		lvl = max(lvl, slog.LevelWarn)
	case verbosity >= 2:
		lvl = slog.LevelDebug
	}

	return slog.New(
		slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: lvl,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.Attr{}
				}
				return a
			},
		}),
	)
}
