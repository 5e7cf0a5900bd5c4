package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiGray   = "\033[90m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

// PrettyHandler writes one human-oriented line per record:
//
//	[2006-01-02 15:04:05] INFO  message key=value group.key=value
type PrettyHandler struct {
	opts  slog.HandlerOptions
	color bool
	mu    *sync.Mutex
	w     io.Writer
	group string
	attrs []slog.Attr
}

// NewPrettyHandler returns a handler with colors enabled.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &PrettyHandler{opts: *opts, color: true, mu: &sync.Mutex{}, w: w}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = h.paint(buf, ansiGray, func(b []byte) []byte {
		b = append(b, '[')
		b = r.Time.AppendFormat(b, time.DateTime)
		return append(b, ']')
	})
	buf = append(buf, ' ')
	buf = h.paint(buf, levelColor(r.Level)+ansiBold, func(b []byte) []byte {
		return fmt.Appendf(b, "%-5s", r.Level.String())
	})
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	n := len(h.attrs) + r.NumAttrs()
	if n > 0 {
		buf = append(buf, ' ')
		buf = h.paint(buf, ansiCyan, func(b []byte) []byte {
			first := true
			add := func(prefix string, a slog.Attr) {
				if a.Equal(slog.Attr{}) {
					return
				}
				if !first {
					b = append(b, ' ')
				}
				first = false
				b = appendAttr(b, prefix, a)
			}
			for _, a := range h.attrs {
				add("", a)
			}
			r.Attrs(func(a slog.Attr) bool {
				add(h.group, a)
				return true
			})
			return b
		})
	}
	if h.opts.AddSource && r.PC != 0 {
		f := r.Source()
		buf = append(buf, ' ')
		buf = h.paint(buf, ansiGray, func(b []byte) []byte {
			return fmt.Appendf(b, "(%s:%d)", f.File, f.Line)
		})
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

// WithAttrs qualifies the new attributes with the current group so they keep
// their keys when a group is opened later.
func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return &next
}

func (h *PrettyHandler) paint(buf []byte, color string, body func([]byte) []byte) []byte {
	if !h.color {
		return body(buf)
	}
	buf = append(buf, color...)
	buf = body(buf)
	return append(buf, ansiReset...)
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	case level >= slog.LevelInfo:
		return ansiBlue
	default:
		return ansiGray
	}
}

func appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for i, ga := range a.Value.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, key, ga)
		}
		return buf
	}

	buf = append(buf, key...)
	buf = append(buf, '=')
	switch a.Value.Kind() {
	case slog.KindString:
		s := a.Value.String()
		if needsQuoting(s) {
			return strconv.AppendQuote(buf, s)
		}
		return append(buf, s...)
	case slog.KindTime:
		return a.Value.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindDuration:
		return append(buf, a.Value.Duration().Round(time.Microsecond).String()...)
	default:
		return fmt.Append(buf, a.Value.Any())
	}
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' || c == '"' || c == '=' {
			return true
		}
	}
	return false
}
