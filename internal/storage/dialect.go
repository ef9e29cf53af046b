package storage

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// dialect captures the few places where SQLite and Postgres differ.
// Queries are written with '?' placeholders and rebound per dialect.
type dialect struct {
	name       string
	blobType   string
	bigintType string
	numbered   bool // $1, $2 ... instead of ?
}

var (
	sqliteDialect = dialect{
		name:       DriverSQLite,
		blobType:   "BLOB",
		bigintType: "INTEGER",
	}
	postgresDialect = dialect{
		name:       DriverPostgres,
		blobType:   "BYTEA",
		bigintType: "BIGINT",
		numbered:   true,
	}
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, "sqlite":
		return sqliteDialect, nil
	case DriverPostgres, "postgres", "postgresql":
		return postgresDialect, nil
	}
	return dialect{}, fmt.Errorf("unsupported driver %q (want %s or %s)", driver, DriverSQLite, DriverPostgres)
}

// rebind rewrites '?' placeholders to the dialect's form.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedColumns may not be used as header text columns.
var reservedColumns = map[string]struct{}{
	"id": {}, "exchange_id": {}, "body": {}, "body_text": {}, "headers": {},
	"version": {}, "correlation_key": {}, "stored_at": {}, "instance_id": {},
	"delivery_count": {}, "dead_lettered_at": {},
}

// ValidateIdentifier reports whether name can be used as a table or column
// name without quoting.
func ValidateIdentifier(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q: must match %s", name, identRe.String())
	}
	return nil
}

func validateHeaderColumn(name string) error {
	if err := ValidateIdentifier(name); err != nil {
		return err
	}
	if _, ok := reservedColumns[strings.ToLower(name)]; ok {
		return fmt.Errorf("header column %q collides with a reserved column", name)
	}
	return nil
}
