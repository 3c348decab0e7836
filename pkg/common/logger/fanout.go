package logger

import (
	"context"
	"errors"
	"log/slog"
)

// fanoutHandler hands each record to every handler that accepts its level.
// minLevel applies to all of them so sinks that accept everything, such as
// the otel bridge, still honor the configured level.
type fanoutHandler struct {
	minLevel slog.Level
	handlers []slog.Handler
}

func newFanoutHandler(minLevel slog.Level, handlers ...slog.Handler) *fanoutHandler {
	return &fanoutHandler{minLevel: minLevel, handlers: handlers}
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.minLevel {
		return false
	}
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &fanoutHandler{minLevel: h.minLevel, handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &fanoutHandler{minLevel: h.minLevel, handlers: next}
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
