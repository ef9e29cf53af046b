package storage

import (
	"context"
	"fmt"

	"github.com/roach88/corral/internal/errs"
)

// InsertDeadLetter stores row in the dead-letter table name. Inserting an
// exchange that is already dead-lettered is a no-op, so a retried send after
// a failed confirm does not duplicate it.
func (t *Tx) InsertDeadLetter(ctx context.Context, name string, row DeadLetterRow) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, correlation_key, body, headers, dead_lettered_at)
VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`, name)

	_, err := t.exec(ctx, q, row.ExchangeID, row.Key, row.Body, row.Headers, toNanos(row.DeadLetteredAt))
	if err != nil {
		e := errs.Storage("insert dead letter", fmt.Errorf("%s: %w", name, err))
		return errs.WithExchange(errs.WithKey(e, row.Key), row.ExchangeID)
	}
	return nil
}

// SelectDeadLetters returns every row of the dead-letter table name, in
// the order they were dead-lettered.
func (t *Tx) SelectDeadLetters(ctx context.Context, name string) ([]DeadLetterRow, error) {
	rows, err := t.query(ctx, fmt.Sprintf(
		"SELECT id, correlation_key, body, headers, dead_lettered_at FROM %s ORDER BY dead_lettered_at, id", name))
	if err != nil {
		return nil, errs.Storage("select dead letters", fmt.Errorf("%s: %w", name, err))
	}
	defer rows.Close()

	out := []DeadLetterRow{}
	for rows.Next() {
		var (
			row DeadLetterRow
			at  int64
		)
		if err := rows.Scan(&row.ExchangeID, &row.Key, &row.Body, &row.Headers, &at); err != nil {
			return nil, errs.Storage("select dead letters", fmt.Errorf("%s: scan: %w", name, err))
		}
		row.DeadLetteredAt = fromNanos(at)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("select dead letters", fmt.Errorf("%s: iterate: %w", name, err))
	}
	return out, nil
}
