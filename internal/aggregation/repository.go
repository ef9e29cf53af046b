package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/corral/internal/clock"
	"github.com/roach88/corral/internal/errs"
	"github.com/roach88/corral/internal/exchange"
	"github.com/roach88/corral/internal/metrics"
	"github.com/roach88/corral/internal/storage"
)

// Repository is a durable aggregation repository backed by one pair of
// tables. It is safe for concurrent use; all coordination happens in the
// backend.
type Repository struct {
	backend *storage.Backend
	table   storage.Table
	columns ColumnSelection

	codec      *exchange.Codec
	clock      clock.Clock
	instanceID string
	returnOld  bool
	optimistic bool
	normalize  bool
	recovery   RecoveryConfig

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Completed describes a completed row without decoding its payload.
type Completed struct {
	ExchangeID    string
	Key           string
	StoredAt      time.Time
	InstanceID    string
	DeliveryCount int
}

// New creates a repository named name on backend and ensures its tables
// exist. The in-progress table is name; the completed table is
// name_completed.
func New(ctx context.Context, backend *storage.Backend, name string, opts ...Option) (*Repository, error) {
	if backend == nil {
		return nil, errors.New("aggregation: nil backend")
	}

	r := &Repository{
		backend:  backend,
		codec:    exchange.NewCodec(),
		clock:    clock.System{},
		recovery: DefaultRecoveryConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	// A generated id changes on every restart, so rows left by a crashed
	// process would never match again.
	if r.recovery.RecoverByInstance && r.instanceID == "" {
		return nil, fmt.Errorf("aggregation %s: recover by instance requires an explicit instance id", name)
	}
	if r.instanceID == "" {
		r.instanceID = uuid.NewString()
	}

	if r.recovery.MaximumRedeliveries > 0 && r.recovery.DeadLetterURI == "" {
		return nil, fmt.Errorf("aggregation %s: maximum redeliveries %d requires a dead letter uri",
			name, r.recovery.MaximumRedeliveries)
	}

	r.table = storage.Table{Name: name, HeaderColumns: r.columns.Headers}
	if err := r.table.Validate(); err != nil {
		return nil, fmt.Errorf("aggregation: %w", err)
	}
	if err := backend.EnsureTables(ctx, r.table); err != nil {
		return nil, err
	}

	r.logger = r.logger.With("repository", name)
	return r, nil
}

// Name returns the in-progress table name.
func (r *Repository) Name() string { return r.table.Name }

// InstanceID returns the id stamped on completed rows.
func (r *Repository) InstanceID() string { return r.instanceID }

// RecoveryConfig returns the recovery policy.
func (r *Repository) RecoveryConfig() RecoveryConfig { return r.recovery }

// Codec returns the codec used to persist exchanges.
func (r *Repository) Codec() *exchange.Codec { return r.codec }

// storageKey returns the form key is stored under. Keys are opaque and kept
// byte for byte unless WithKeyNormalization is set.
func (r *Repository) storageKey(key string) string {
	if !r.normalize {
		return key
	}
	return norm.NFC.String(key)
}

// Add stores ex as the current aggregate for key.
//
// Without optimistic locking the write replaces whatever is stored (last
// writer wins). With optimistic locking, an exchange whose Version is 0 may
// only create the row, and any other exchange only replaces the row it was
// read from; both fail with an optimistic lock error otherwise. On success
// ex.Version holds the stored version.
//
// The replaced exchange is returned only when WithReturnOldExchange is set.
func (r *Repository) Add(ctx context.Context, key string, ex *exchange.Exchange) (old *exchange.Exchange, err error) {
	defer func() { r.record("add", err) }()

	if ex == nil {
		return nil, errors.New("add: nil exchange")
	}
	key = r.storageKey(key)

	payload, err := r.codec.Marshal(ex)
	if err != nil {
		return nil, errs.WithKey(err, key)
	}
	bodyText, headerText := r.columns.text(ex)

	row := storage.AggregateRow{
		Key:        key,
		ExchangeID: ex.ID,
		Body:       payload.Body,
		BodyText:   bodyText,
		Headers:    payload.Headers,
		HeaderText: headerText,
	}

	err = r.backend.InTx(ctx, func(tx *storage.Tx) error {
		var existing *storage.AggregateRow
		if r.returnOld || !r.optimistic {
			existing, err = tx.SelectForKey(ctx, r.table, key)
			if err != nil {
				return err
			}
		}
		if r.returnOld && existing != nil {
			old, err = r.decodeAggregate(existing)
			if err != nil {
				return err
			}
		}

		if !r.optimistic {
			row.Version = 1
			if existing != nil {
				row.Version = existing.Version + 1
			}
			return tx.Upsert(ctx, r.table, row)
		}

		if ex.Version == 0 {
			row.Version = 1
			ok, err := tx.Insert(ctx, r.table, row)
			if err != nil {
				return err
			}
			if !ok {
				return errs.OptimisticLock("add", key, 0)
			}
			return nil
		}

		row.Version = ex.Version + 1
		ok, err := tx.UpdateVersion(ctx, r.table, ex.Version, row)
		if err != nil {
			return err
		}
		if !ok {
			return errs.OptimisticLock("add", key, ex.Version)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ex.Version = row.Version
	r.logger.Debug("aggregate stored",
		"key", key,
		"exchange_id", ex.ID,
		"version", row.Version,
	)
	return old, nil
}

// Get returns the current aggregate for key, or nil when there is none.
func (r *Repository) Get(ctx context.Context, key string) (ex *exchange.Exchange, err error) {
	defer func() { r.record("get", err) }()

	key = r.storageKey(key)

	var row *storage.AggregateRow
	err = r.backend.InTx(ctx, func(tx *storage.Tx) error {
		row, err = tx.SelectForKey(ctx, r.table, key)
		return err
	})
	if err != nil || row == nil {
		return nil, err
	}
	return r.decodeAggregate(row)
}

// Remove marks the group for key complete: in one transaction the
// in-progress row is deleted and ex is written to the completed table.
// With optimistic locking the delete only succeeds if the row is still at
// ex.Version; an exchange at version 0 completes only while no row exists
// for key.
func (r *Repository) Remove(ctx context.Context, key string, ex *exchange.Exchange) (err error) {
	defer func() { r.record("remove", err) }()

	if ex == nil {
		return errors.New("remove: nil exchange")
	}
	key = r.storageKey(key)

	payload, err := r.codec.Marshal(ex)
	if err != nil {
		return errs.WithKey(err, key)
	}
	bodyText, headerText := r.columns.text(ex)

	completed := storage.CompletedRow{
		ExchangeID: ex.ID,
		Key:        key,
		Body:       payload.Body,
		BodyText:   bodyText,
		Headers:    payload.Headers,
		HeaderText: headerText,
		StoredAt:   r.clock.Now(),
		InstanceID: r.instanceID,
	}

	err = r.backend.InTx(ctx, func(tx *storage.Tx) error {
		if r.optimistic {
			ok, err := r.deleteVersion(ctx, tx, key, ex.Version)
			if err != nil {
				return err
			}
			if !ok {
				return errs.WithExchange(errs.OptimisticLock("remove", key, ex.Version), ex.ID)
			}
		} else if _, err := tx.DeleteForKey(ctx, r.table, key); err != nil {
			return err
		}
		return tx.InsertCompleted(ctx, r.table, completed)
	})
	if err != nil {
		return err
	}

	r.logger.Debug("aggregate completed",
		"key", key,
		"exchange_id", ex.ID,
	)
	return nil
}

// Confirm deletes the completed row for exchangeID. Confirming an unknown
// or already confirmed id is a no-op.
func (r *Repository) Confirm(ctx context.Context, exchangeID string) error {
	_, err := r.ConfirmWithResult(ctx, exchangeID)
	return err
}

// ConfirmWithResult is Confirm, also reporting whether a row was deleted.
func (r *Repository) ConfirmWithResult(ctx context.Context, exchangeID string) (deleted bool, err error) {
	defer func() { r.record("confirm", err) }()

	err = r.backend.InTx(ctx, func(tx *storage.Tx) error {
		deleted, err = tx.DeleteCompleted(ctx, r.table, exchangeID)
		return err
	})
	if err != nil {
		return false, err
	}

	r.logger.Debug("exchange confirmed",
		"exchange_id", exchangeID,
		"deleted", deleted,
	)
	return deleted, nil
}

// Recover loads a completed exchange without removing it, or returns nil
// when there is no such row. The correlation key is set as the
// exchange.PropertyCorrelationKey property.
//
// A payload rejected by the type filter yields a security error and the row
// is left as it is.
func (r *Repository) Recover(ctx context.Context, exchangeID string) (ex *exchange.Exchange, err error) {
	defer func() { r.record("recover", err) }()

	var row *storage.CompletedRow
	err = r.backend.InTx(ctx, func(tx *storage.Tx) error {
		row, err = tx.SelectCompleted(ctx, r.table, exchangeID)
		return err
	})
	if err != nil || row == nil {
		return nil, err
	}

	ex, err = r.codec.Unmarshal(exchange.Payload{ExchangeID: row.ExchangeID, Body: row.Body, Headers: row.Headers})
	if err != nil {
		return nil, errs.WithKey(err, row.Key)
	}
	ex.SetProperty(exchange.PropertyCorrelationKey, row.Key)
	return ex, nil
}

// Scan returns the ids of every completed exchange.
func (r *Repository) Scan(ctx context.Context) (ids []string, err error) {
	defer func() { r.record("scan", err) }()

	err = r.backend.InTx(ctx, func(tx *storage.Tx) error {
		ids, err = tx.SelectCompletedIDs(ctx, r.table)
		return err
	})
	return ids, err
}

// Keys returns every in-progress correlation key.
func (r *Repository) Keys(ctx context.Context) (keys []string, err error) {
	defer func() { r.record("keys", err) }()

	err = r.backend.InTx(ctx, func(tx *storage.Tx) error {
		keys, err = tx.SelectAllKeys(ctx, r.table)
		return err
	})
	return keys, err
}

// ScanOlderThan returns up to limit completed rows stored at or before
// cutoff, oldest first. With RecoverByInstance only this instance's rows
// are returned.
func (r *Repository) ScanOlderThan(ctx context.Context, cutoff time.Time, limit int) (out []Completed, err error) {
	defer func() { r.record("scan older than", err) }()

	instance := ""
	if r.recovery.RecoverByInstance {
		instance = r.instanceID
	}
	return r.selectCompleted(ctx, cutoff, limit, instance)
}

// ListCompleted returns every completed row of every instance, oldest
// first.
func (r *Repository) ListCompleted(ctx context.Context) (out []Completed, err error) {
	defer func() { r.record("list completed", err) }()
	return r.selectCompleted(ctx, time.Unix(0, math.MaxInt64), 0, "")
}

func (r *Repository) selectCompleted(ctx context.Context, cutoff time.Time, limit int, instance string) ([]Completed, error) {
	var rows []storage.CompletedRow
	err := r.backend.InTx(ctx, func(tx *storage.Tx) error {
		var err error
		rows, err = tx.SelectOlderThan(ctx, r.table, cutoff, limit, instance)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]Completed, len(rows))
	for i, row := range rows {
		out[i] = Completed{
			ExchangeID:    row.ExchangeID,
			Key:           row.Key,
			StoredAt:      row.StoredAt,
			InstanceID:    row.InstanceID,
			DeliveryCount: row.DeliveryCount,
		}
	}
	return out, nil
}

// MarkRedelivery persists one more delivery attempt for exchangeID and
// returns the new count.
func (r *Repository) MarkRedelivery(ctx context.Context, exchangeID string) (n int, err error) {
	defer func() { r.record("mark redelivery", err) }()

	err = r.backend.InTx(ctx, func(tx *storage.Tx) error {
		n, err = tx.IncrementDeliveryCount(ctx, r.table, exchangeID)
		return err
	})
	return n, err
}

// deleteVersion deletes the row for key at version. Version 0 means the
// exchange was never stored, which only holds while no row exists.
func (r *Repository) deleteVersion(ctx context.Context, tx *storage.Tx, key string, version int64) (bool, error) {
	if version != 0 {
		return tx.DeleteForKeyVersion(ctx, r.table, key, version)
	}
	row, err := tx.SelectForKey(ctx, r.table, key)
	if err != nil {
		return false, err
	}
	return row == nil, nil
}

func (r *Repository) decodeAggregate(row *storage.AggregateRow) (*exchange.Exchange, error) {
	ex, err := r.codec.Unmarshal(exchange.Payload{ExchangeID: row.ExchangeID, Body: row.Body, Headers: row.Headers})
	if err != nil {
		return nil, errs.WithKey(err, row.Key)
	}
	ex.Version = row.Version
	return ex, nil
}

func (r *Repository) record(op string, err error) {
	switch {
	case err == nil:
		r.metrics.Operation(r.table.Name, op, metrics.ResultOK)
	case errs.IsOptimisticLock(err):
		r.metrics.Operation(r.table.Name, op, metrics.ResultConflict)
	default:
		r.metrics.Operation(r.table.Name, op, metrics.ResultError)
	}
}
