// Package logutil builds the slog loggers used by the command line.
package logutil

import (
	"io"
	"log/slog"
	"path/filepath"
)

// LevelTrace is below debug and enabled with DISTILL_DEBUG=2.
const LevelTrace slog.Level = -8

// NewLogger returns a text logger writing records at or above level to w.
// Source locations are trimmed to the file name.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: level < slog.LevelInfo,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if attr.Value.Any().(slog.Level) == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				if source, ok := attr.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
				}
			}
			return attr
		},
	}))
}
