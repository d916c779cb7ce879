package server

import (
	"context"
	"log/slog"

	"cargoport/internal/observability/logging"
)

// loggerWithRequestContext prefers the request-scoped logger installed by the
// request ID middleware and falls back to annotating the base logger from the
// context.
func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(ctx, logger)
}
