package prtp

import (
	"log/slog"

	"github.com/soypat/prtp/internal"
)

// logger is embedded by stateful types to provide optional structured
// logging without forcing a logger on callers.
type logger struct {
	log *slog.Logger
}

// SetLogger sets the logger used by the connection.
func (c *Conn) SetLogger(log *slog.Logger) { c.logger.log = log }

func (l logger) logenabled(lvl slog.Level) bool {
	return internal.LogEnabled(l.log, lvl)
}

func (l logger) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, lvl, msg, attrs...)
}

func (l logger) debug(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelDebug, msg, attrs...)
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	l.logattrs(internal.LevelTrace, msg, attrs...)
}

func (l logger) logerr(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelError, msg, attrs...)
}

func (l logger) traceSeg(msg string, seg Segment) {
	if l.logenabled(internal.LevelTrace) {
		l.trace(msg,
			slog.Uint64("seg.seq", uint64(seg.Seq)),
			slog.Uint64("seg.ack", uint64(seg.Ack)),
			slog.Uint64("seg.wnd", uint64(seg.Wnd)),
			slog.String("seg.flags", seg.Flags.String()),
			slog.Uint64("seg.len", uint64(seg.DataLen)),
		)
	}
}
