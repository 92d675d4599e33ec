package clog

import (
	"context"
	"log/slog"
	"sort"
)

// AttributesHandler is a slog.Handler wrapper that appends attributes
// accumulated in the request context to every record. Keys are sorted so
// JSON output is stable across runs.
type AttributesHandler struct {
	inner slog.Handler
}

func NewAttributesHandler(inner slog.Handler) *AttributesHandler {
	return &AttributesHandler{inner: inner}
}

func (h *AttributesHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *AttributesHandler) Handle(ctx context.Context, record slog.Record) error {
	if attrs := GetAttributes(ctx); len(attrs) > 0 {
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			record.AddAttrs(slog.Any(k, attrs[k]))
		}
	}
	return h.inner.Handle(ctx, record)
}

func (h *AttributesHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AttributesHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *AttributesHandler) WithGroup(name string) slog.Handler {
	return &AttributesHandler{inner: h.inner.WithGroup(name)}
}
