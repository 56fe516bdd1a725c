package xlog

import (
	"context"
	"io"
	"log/slog"
)

// DiscardHandler returns a handler that drops every record.
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

type discardHandler struct{}

func (*discardHandler) Handle(context.Context, slog.Record) error  { return nil }
func (*discardHandler) Enabled(context.Context, slog.Level) bool   { return false }
func (h *discardHandler) WithGroup(string) slog.Handler             { return h }
func (h *discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return h }

// LogfmtHandler returns a handler that prints logfmt-style key=value
// records at every level.
func LogfmtHandler(wr io.Writer) slog.Handler {
	return LogfmtHandlerWithLevel(wr, levelMaxVerbosity)
}

// LogfmtHandlerWithLevel is LogfmtHandler filtered to records at or above
// the given level.
func LogfmtHandlerWithLevel(wr io.Writer, level slog.Level) slog.Handler {
	return slog.NewTextHandler(wr, &slog.HandlerOptions{
		ReplaceAttr: replaceLevel,
		Level:       &leveler{level},
	})
}

// JSONHandler returns a handler that prints JSON-encoded records.
func JSONHandler(wr io.Writer) slog.Handler {
	return slog.NewJSONHandler(wr, &slog.HandlerOptions{
		ReplaceAttr: replaceLevel,
		Level:       &leveler{levelMaxVerbosity},
	})
}

type leveler struct{ minLevel slog.Level }

func (l *leveler) Level() slog.Level { return l.minLevel }

// replaceLevel swaps slog's level attribute for the level name used
// throughout this package (TRACE, DEBUG, INFO, WARN, ERROR, CRIT).
func replaceLevel(_ []string, attr slog.Attr) slog.Attr {
	if attr.Key == slog.LevelKey {
		level := attr.Value.Any().(slog.Level)
		attr.Value = slog.StringValue(levelString(level))
	}
	return attr
}

func levelString(l slog.Level) string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCrit:
		return "CRIT"
	default:
		return l.String()
	}
}
