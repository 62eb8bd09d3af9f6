package rabbitsink

import (
	"context"
	"log/slog"
)

// Format selects how a Handler renders records
type Format int

const (
	// FormatJSON renders records with slog.JSONHandler
	FormatJSON Format = iota
	// FormatText renders records with slog.TextHandler
	FormatText
)

// HandlerOptions configures a Handler. The zero value logs JSON at Info.
type HandlerOptions struct {
	Level       slog.Leveler
	Format      Format
	AddSource   bool
	ReplaceAttr func(groups []string, a slog.Attr) slog.Attr
}

// Handler is a slog.Handler that renders each record as one line and emits
// it as one event.
type Handler struct {
	inner slog.Handler
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler returns a Handler emitting into e. A nil opts uses the defaults.
func NewHandler(e Emitter, opts *HandlerOptions) *Handler {
	if opts == nil {
		opts = &HandlerOptions{}
	}

	w := NewWriter(e)
	ho := &slog.HandlerOptions{
		Level:       opts.Level,
		AddSource:   opts.AddSource,
		ReplaceAttr: opts.ReplaceAttr,
	}

	var inner slog.Handler
	switch opts.Format {
	case FormatText:
		inner = slog.NewTextHandler(w, ho)
	default:
		inner = slog.NewJSONHandler(w, ho)
	}
	return &Handler{inner: inner}
}

// Enabled implements slog.Handler
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler. A dropped event is reported as
// ErrEventDropped, which slog.Logger discards.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
