package logging

import (
	"context"
	"log/slog"

	"github.com/GianGuaz256/vending-server/internal/logcontext"
)

// ContextHandler adds attrs accumulated via logcontext.AppendCtx to every record.
type ContextHandler struct {
	slog.Handler
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(logcontext.Fields(ctx)...)
	return h.Handler.Handle(ctx, r)
}
