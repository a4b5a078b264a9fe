package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const termTimeFormat = "01-02|15:04:05.000"

type discardHandler struct{}

// DiscardHandler returns a no-op handler
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

func (h *discardHandler) Handle(_ context.Context, _ slog.Record) error { return nil }

func (h *discardHandler) Enabled(_ context.Context, _ slog.Level) bool { return false }

func (h *discardHandler) WithGroup(_ string) slog.Handler { return h }

func (h *discardHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

type terminalHandler struct {
	mu       sync.Mutex
	wr       io.Writer
	lvl      slog.Level
	useColor bool
	attrs    []slog.Attr
}

// NewTerminalHandlerWithLevel returns a handler that writes aligned,
// human-readable records to wr, dropping anything below lvl.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level, useColor bool) slog.Handler {
	return &terminalHandler{
		wr:       wr,
		lvl:      lvl,
		useColor: useColor,
	}
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	lvl := LevelAlignedString(r.Level)
	if h.useColor {
		if color := levelColor(r.Level); color != "" {
			lvl = fmt.Sprintf("\x1b[%sm%s\x1b[0m", color, lvl)
		}
	}
	fmt.Fprintf(h.wr, "%s[%s] %s", lvl, r.Time.Format(termTimeFormat), r.Message)

	writeAttr := func(a slog.Attr) bool {
		fmt.Fprintf(h.wr, " %s=%s", a.Key, formatValue(a.Value))
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(writeAttr)
	fmt.Fprintln(h.wr)
	return nil
}

func (h *terminalHandler) WithGroup(_ string) slog.Handler { return h }

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &terminalHandler{
		wr:       h.wr,
		lvl:      h.lvl,
		useColor: h.useColor,
		attrs:    append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= LevelCrit:
		return "35" // magenta
	case l >= slog.LevelError:
		return "31" // red
	case l >= slog.LevelWarn:
		return "33" // yellow
	case l >= slog.LevelInfo:
		return "32" // green
	default:
		return "36" // cyan
	}
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if needsQuote(s) {
			return strconv.Quote(s)
		}
		return s
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	case slog.KindDuration:
		return v.Duration().String()
	default:
		s := fmt.Sprint(v.Any())
		if needsQuote(s) {
			return strconv.Quote(s)
		}
		return s
	}
}

func needsQuote(s string) bool {
	for _, r := range s {
		if r <= ' ' || r == '=' || r == '"' {
			return true
		}
	}
	return false
}
