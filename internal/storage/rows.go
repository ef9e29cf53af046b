package storage

import (
	"fmt"
	"strings"
	"time"
)

// Table names the in-progress table of one repository and the header
// columns stored as text. The completed table is derived from it.
type Table struct {
	Name          string
	HeaderColumns []string
}

// CompletedName returns the name of the completed table.
func (t Table) CompletedName() string {
	return t.Name + "_completed"
}

// Validate checks the table and header column names.
func (t Table) Validate() error {
	if err := ValidateIdentifier(t.Name); err != nil {
		return fmt.Errorf("table: %w", err)
	}
	seen := make(map[string]struct{}, len(t.HeaderColumns))
	for _, c := range t.HeaderColumns {
		if err := validateHeaderColumn(c); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		// SQL identifiers are case-insensitive on both dialects.
		folded := strings.ToLower(c)
		if _, dup := seen[folded]; dup {
			return fmt.Errorf("table %s: duplicate header column %q", t.Name, c)
		}
		seen[folded] = struct{}{}
	}
	return nil
}

// AggregateRow is one in-progress correlation group.
type AggregateRow struct {
	Key        string
	ExchangeID string
	Body       []byte
	BodyText   *string
	Headers    []byte
	HeaderText map[string]string
	Version    int64
}

// CompletedRow is one completed exchange awaiting confirmation.
type CompletedRow struct {
	ExchangeID    string
	Key           string
	Body          []byte
	BodyText      *string
	Headers       []byte
	HeaderText    map[string]string
	StoredAt      time.Time
	InstanceID    string
	DeliveryCount int
}

// DeadLetterRow is one exchange moved to a dead-letter table.
type DeadLetterRow struct {
	ExchangeID     string
	Key            string
	Body           []byte
	Headers        []byte
	DeadLetteredAt time.Time
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
