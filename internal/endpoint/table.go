package endpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/corral/internal/exchange"
	"github.com/roach88/corral/internal/storage"
)

// Table writes exchanges to a dead-letter table.
type Table struct {
	backend *storage.Backend
	name    string
	deps    Deps
}

// NewTable creates the dead-letter table name on backend if needed.
func NewTable(ctx context.Context, backend *storage.Backend, name string, deps Deps) (*Table, error) {
	if backend == nil {
		return nil, errors.New("table endpoint: backend required")
	}
	if err := backend.EnsureDeadLetterTable(ctx, name); err != nil {
		return nil, fmt.Errorf("table endpoint: %w", err)
	}
	return &Table{backend: backend, name: name, deps: deps.withDefaults()}, nil
}

// Send inserts ex. Sending an exchange id twice keeps the first copy.
func (t *Table) Send(ctx context.Context, key string, ex *exchange.Exchange) error {
	p, err := t.deps.Codec.Marshal(ex)
	if err != nil {
		return err
	}
	row := storage.DeadLetterRow{
		ExchangeID:     ex.ID,
		Key:            key,
		Body:           p.Body,
		Headers:        p.Headers,
		DeadLetteredAt: t.deps.Clock.Now(),
	}
	return t.backend.InTx(ctx, func(tx *storage.Tx) error {
		return tx.InsertDeadLetter(ctx, t.name, row)
	})
}

// Letters returns everything in the table, oldest first.
func (t *Table) Letters(ctx context.Context) ([]Letter, error) {
	var rows []storage.DeadLetterRow
	err := t.backend.InTx(ctx, func(tx *storage.Tx) (err error) {
		rows, err = tx.SelectDeadLetters(ctx, t.name)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]Letter, len(rows))
	for i, r := range rows {
		out[i] = Letter{
			ExchangeID:     r.ExchangeID,
			Key:            r.Key,
			Body:           r.Body,
			Headers:        r.Headers,
			DeadLetteredAt: r.DeadLetteredAt,
		}
	}
	return out, nil
}

// Close is a no-op; the backend belongs to the caller.
func (t *Table) Close() error { return nil }
