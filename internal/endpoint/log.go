package endpoint

import (
	"context"
	"log/slog"

	"github.com/roach88/corral/internal/exchange"
)

// Log writes one line per exchange. Nothing is persisted.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log endpoint; name, if set, is attached to every line.
func NewLog(logger *slog.Logger, name string) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	if name != "" {
		logger = logger.With("endpoint", name)
	}
	return &Log{logger: logger}
}

// Send logs the exchange.
func (l *Log) Send(ctx context.Context, key string, ex *exchange.Exchange) error {
	text, _ := exchange.TextOf(ex.Body)
	l.logger.InfoContext(ctx, "exchange received",
		"key", key,
		"exchange_id", ex.ID,
		"body", text,
		"headers", len(ex.Headers),
	)
	return nil
}

// Close is a no-op.
func (l *Log) Close() error { return nil }
