package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/corral/internal/errs"
)

// ErrNotFound is wrapped by storage errors for operations that require an
// existing row.
var ErrNotFound = errors.New("row not found")

func completedColumns(t Table) []string {
	cols := []string{"id", "correlation_key", "body", "body_text", "headers"}
	cols = append(cols, t.HeaderColumns...)
	return append(cols, "stored_at", "instance_id", "delivery_count")
}

// InsertCompleted inserts row into the completed table.
func (t *Tx) InsertCompleted(ctx context.Context, table Table, row CompletedRow) error {
	cols := completedColumns(table)
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table.CompletedName(), strings.Join(cols, ", "), placeholders(len(cols)))

	args := []any{row.ExchangeID, row.Key, row.Body, nullableText(row.BodyText), row.Headers}
	args = append(args, headerArgs(table, row.HeaderText)...)
	args = append(args, toNanos(row.StoredAt), nullableString(row.InstanceID), row.DeliveryCount)

	if _, err := t.exec(ctx, q, args...); err != nil {
		e := errs.Storage("insert completed", fmt.Errorf("%s: %w", table.CompletedName(), err))
		return errs.WithExchange(errs.WithKey(e, row.Key), row.ExchangeID)
	}
	return nil
}

// SelectCompleted returns the completed row for exchangeID, or nil if absent.
func (t *Tx) SelectCompleted(ctx context.Context, table Table, exchangeID string) (*CompletedRow, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?",
		strings.Join(completedColumns(table), ", "), table.CompletedName())

	row, err := scanCompleted(table, t.queryRow(ctx, q, exchangeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		e := errs.Storage("select completed", fmt.Errorf("%s: %w", table.CompletedName(), err))
		return nil, errs.WithExchange(e, exchangeID)
	}
	return row, nil
}

// DeleteCompleted deletes the completed row for exchangeID.
// Returns false when no row existed.
func (t *Tx) DeleteCompleted(ctx context.Context, table Table, exchangeID string) (bool, error) {
	res, err := t.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table.CompletedName()), exchangeID)
	if err != nil {
		e := errs.Storage("delete completed", fmt.Errorf("%s: %w", table.CompletedName(), err))
		return false, errs.WithExchange(e, exchangeID)
	}
	return affected(res, "delete completed", table.CompletedName())
}

// SelectOlderThan returns completed rows stored at or before cutoff, oldest
// first. A limit of zero or less returns every match. A non-empty
// instanceID restricts the result to rows written by that instance.
func (t *Tx) SelectOlderThan(ctx context.Context, table Table, cutoff time.Time, limit int, instanceID string) ([]CompletedRow, error) {
	var (
		q    strings.Builder
		args = []any{toNanos(cutoff)}
	)
	fmt.Fprintf(&q, "SELECT %s FROM %s WHERE stored_at <= ?",
		strings.Join(completedColumns(table), ", "), table.CompletedName())
	if instanceID != "" {
		q.WriteString(" AND instance_id = ?")
		args = append(args, instanceID)
	}
	q.WriteString(" ORDER BY stored_at, id")
	if limit > 0 {
		q.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := t.query(ctx, q.String(), args...)
	if err != nil {
		return nil, errs.Storage("select older than", fmt.Errorf("%s: %w", table.CompletedName(), err))
	}
	defer rows.Close()

	out := []CompletedRow{}
	for rows.Next() {
		row, err := scanCompleted(table, rows)
		if err != nil {
			return nil, errs.Storage("select older than", fmt.Errorf("%s: scan: %w", table.CompletedName(), err))
		}
		out = append(out, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("select older than", fmt.Errorf("%s: iterate: %w", table.CompletedName(), err))
	}
	return out, nil
}

// IncrementDeliveryCount adds one to the delivery count of exchangeID and
// returns the new count. A missing row yields a storage error wrapping
// ErrNotFound.
func (t *Tx) IncrementDeliveryCount(ctx context.Context, table Table, exchangeID string) (int, error) {
	q := fmt.Sprintf("UPDATE %s SET delivery_count = delivery_count + 1 WHERE id = ? RETURNING delivery_count",
		table.CompletedName())

	var n int
	err := t.queryRow(ctx, q, exchangeID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	if err != nil {
		e := errs.Storage("increment delivery count", fmt.Errorf("%s: %w", table.CompletedName(), err))
		return 0, errs.WithExchange(e, exchangeID)
	}
	return n, nil
}

// SelectCompletedIDs returns every completed exchange id in ascending order.
func (t *Tx) SelectCompletedIDs(ctx context.Context, table Table) ([]string, error) {
	rows, err := t.query(ctx, fmt.Sprintf("SELECT id FROM %s ORDER BY id", table.CompletedName()))
	if err != nil {
		return nil, errs.Storage("select completed ids", fmt.Errorf("%s: %w", table.CompletedName(), err))
	}
	return scanStrings(rows, "select completed ids", table.CompletedName())
}

func scanCompleted(table Table, s interface{ Scan(...any) error }) (*CompletedRow, error) {
	var (
		row        CompletedRow
		bodyText   sql.NullString
		instanceID sql.NullString
		storedAt   int64
		hdrs       = make([]sql.NullString, len(table.HeaderColumns))
	)
	dest := []any{&row.ExchangeID, &row.Key, &row.Body, &bodyText, &row.Headers}
	for i := range hdrs {
		dest = append(dest, &hdrs[i])
	}
	dest = append(dest, &storedAt, &instanceID, &row.DeliveryCount)

	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	if bodyText.Valid {
		row.BodyText = &bodyText.String
	}
	row.HeaderText = headerText(table, hdrs)
	row.StoredAt = fromNanos(storedAt)
	row.InstanceID = instanceID.String
	return &row, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
