package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/corral/internal/errs"
)

func aggregateColumns(t Table) []string {
	cols := []string{"id", "exchange_id", "body", "body_text", "headers"}
	cols = append(cols, t.HeaderColumns...)
	return append(cols, "version")
}

func aggregateArgs(t Table, row AggregateRow) []any {
	args := []any{row.Key, row.ExchangeID, row.Body, nullableText(row.BodyText), row.Headers}
	args = append(args, headerArgs(t, row.HeaderText)...)
	return append(args, row.Version)
}

func headerArgs(t Table, text map[string]string) []any {
	args := make([]any, 0, len(t.HeaderColumns))
	for _, c := range t.HeaderColumns {
		if v, ok := text[c]; ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}
	return args
}

func nullableText(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// SelectForKey returns the in-progress row for key, or nil if absent.
func (t *Tx) SelectForKey(ctx context.Context, table Table, key string) (*AggregateRow, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?",
		strings.Join(aggregateColumns(table), ", "), table.Name)

	row, err := scanAggregate(table, t.queryRow(ctx, q, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WithKey(errs.Storage("select for key", fmt.Errorf("%s: %w", table.Name, err)), key)
	}
	return row, nil
}

// Upsert inserts row or replaces the existing row with the same key.
func (t *Tx) Upsert(ctx context.Context, table Table, row AggregateRow) error {
	cols := aggregateColumns(table)
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		table.Name, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(sets, ", "))

	if _, err := t.exec(ctx, q, aggregateArgs(table, row)...); err != nil {
		return errs.WithKey(errs.Storage("upsert", fmt.Errorf("%s: %w", table.Name, err)), row.Key)
	}
	return nil
}

// Insert inserts row if no row exists for its key.
// Returns false when the key is already present.
func (t *Tx) Insert(ctx context.Context, table Table, row AggregateRow) (bool, error) {
	cols := aggregateColumns(table)
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO NOTHING",
		table.Name, strings.Join(cols, ", "), placeholders(len(cols)))

	res, err := t.exec(ctx, q, aggregateArgs(table, row)...)
	if err != nil {
		return false, errs.WithKey(errs.Storage("insert", fmt.Errorf("%s: %w", table.Name, err)), row.Key)
	}
	return affected(res, "insert", table.Name)
}

// UpdateVersion replaces the row for row.Key only if its stored version
// equals expected. Returns false, and changes nothing, on a mismatch or when
// the row no longer exists.
func (t *Tx) UpdateVersion(ctx context.Context, table Table, expected int64, row AggregateRow) (bool, error) {
	cols := aggregateColumns(table)
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, c+" = ?")
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND version = ?",
		table.Name, strings.Join(sets, ", "))

	args := aggregateArgs(table, row)[1:]
	args = append(args, row.Key, expected)

	res, err := t.exec(ctx, q, args...)
	if err != nil {
		return false, errs.WithKey(errs.Storage("update version", fmt.Errorf("%s: %w", table.Name, err)), row.Key)
	}
	return affected(res, "update version", table.Name)
}

// DeleteForKey deletes the in-progress row for key.
// Returns false when no row existed.
func (t *Tx) DeleteForKey(ctx context.Context, table Table, key string) (bool, error) {
	res, err := t.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table.Name), key)
	if err != nil {
		return false, errs.WithKey(errs.Storage("delete for key", fmt.Errorf("%s: %w", table.Name, err)), key)
	}
	return affected(res, "delete for key", table.Name)
}

// DeleteForKeyVersion deletes the row for key only if its version equals
// expected.
func (t *Tx) DeleteForKeyVersion(ctx context.Context, table Table, key string, expected int64) (bool, error) {
	res, err := t.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ? AND version = ?", table.Name), key, expected)
	if err != nil {
		return false, errs.WithKey(errs.Storage("delete for key", fmt.Errorf("%s: %w", table.Name, err)), key)
	}
	return affected(res, "delete for key", table.Name)
}

// SelectAllKeys returns every in-progress key in ascending order.
func (t *Tx) SelectAllKeys(ctx context.Context, table Table) ([]string, error) {
	rows, err := t.query(ctx, fmt.Sprintf("SELECT id FROM %s ORDER BY id", table.Name))
	if err != nil {
		return nil, errs.Storage("select all keys", fmt.Errorf("%s: %w", table.Name, err))
	}
	return scanStrings(rows, "select all keys", table.Name)
}

func scanAggregate(table Table, s interface{ Scan(...any) error }) (*AggregateRow, error) {
	var (
		row      AggregateRow
		bodyText sql.NullString
		hdrs     = make([]sql.NullString, len(table.HeaderColumns))
	)
	dest := []any{&row.Key, &row.ExchangeID, &row.Body, &bodyText, &row.Headers}
	for i := range hdrs {
		dest = append(dest, &hdrs[i])
	}
	dest = append(dest, &row.Version)

	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	if bodyText.Valid {
		row.BodyText = &bodyText.String
	}
	row.HeaderText = headerText(table, hdrs)
	return &row, nil
}

func headerText(table Table, vals []sql.NullString) map[string]string {
	out := make(map[string]string)
	for i, c := range table.HeaderColumns {
		if vals[i].Valid {
			out[c] = vals[i].String
		}
	}
	return out
}

func scanStrings(rows *sql.Rows, op, table string) ([]string, error) {
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errs.Storage(op, fmt.Errorf("%s: scan: %w", table, err))
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage(op, fmt.Errorf("%s: iterate: %w", table, err))
	}
	return out, nil
}

func affected(res sql.Result, op, table string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Storage(op, fmt.Errorf("%s: rows affected: %w", table, err))
	}
	return n > 0, nil
}
