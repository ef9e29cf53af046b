// Package recovery redelivers completed exchanges that were never
// confirmed, and moves exchanges that keep failing to a dead-letter
// endpoint.
//
// A Scanner is a small state machine:
//
//	Idle -> Scanning -> Redelivering -> Idle
//
// Tick runs one pass. A tick that fires while a pass is still running is
// skipped, never queued. Failures on the recovery path are logged and
// counted; the affected rows stay in the completed table and are retried on
// the next tick.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/corral/internal/aggregation"
	"github.com/roach88/corral/internal/clock"
	"github.com/roach88/corral/internal/endpoint"
	"github.com/roach88/corral/internal/errs"
	"github.com/roach88/corral/internal/exchange"
	"github.com/roach88/corral/internal/metrics"
	"github.com/roach88/corral/internal/storage"
)

// State is the scanner's current phase.
type State int32

const (
	Idle State = iota
	Scanning
	Redelivering
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Redelivering:
		return "redelivering"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Source is the repository being recovered.
// Implemented by *aggregation.Repository.
type Source interface {
	Name() string
	ScanOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]aggregation.Completed, error)
	Recover(ctx context.Context, exchangeID string) (*exchange.Exchange, error)
	MarkRedelivery(ctx context.Context, exchangeID string) (int, error)
	Confirm(ctx context.Context, exchangeID string) error
}

// Resubmitter receives recovered exchanges. It owns confirming them once
// they are delivered.
type Resubmitter interface {
	Resubmit(ctx context.Context, key string, ex *exchange.Exchange) error
}

// ResubmitterFunc adapts a function to a Resubmitter.
type ResubmitterFunc func(ctx context.Context, key string, ex *exchange.Exchange) error

// Resubmit calls f.
func (f ResubmitterFunc) Resubmit(ctx context.Context, key string, ex *exchange.Exchange) error {
	return f(ctx, key, ex)
}

// InFlight reports exchanges the caller is still delivering. The scanner
// never redelivers them.
type InFlight interface {
	InFlight(exchangeID string) bool
}

// PendingConfirm is implemented by InFlight trackers that remember
// exchanges delivered but not yet confirmed. For those the scanner retries
// the confirm instead of redelivering. pending is false when the id was
// not awaiting a confirm.
type PendingConfirm interface {
	RetryConfirm(ctx context.Context, exchangeID string) (pending bool, err error)
}

// TickResult summarizes one tick.
type TickResult struct {
	// Skipped is set when the tick found a scan already running.
	Skipped bool

	Scanned      int
	Redelivered  int
	DeadLettered int
	InFlight     int
	Confirmed    int
	Failed       int
}

// Scanner periodically recovers one repository.
type Scanner struct {
	source     Source
	target     Resubmitter
	deadLetter endpoint.Producer
	inFlight   InFlight

	interval        time.Duration
	delay           time.Duration
	batchLimit      int
	maxRedeliveries int

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	running atomic.Bool
	state   atomic.Int32
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithInterval sets the time between ticks in Run.
func WithInterval(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithDelay sets how old a completed row must be before it is recovered.
func WithDelay(d time.Duration) Option {
	return func(s *Scanner) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithBatchLimit caps rows examined per tick.
func WithBatchLimit(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.batchLimit = n
		}
	}
}

// WithMaximumRedeliveries bounds delivery attempts; 0 means unbounded.
func WithMaximumRedeliveries(n int) Option {
	return func(s *Scanner) {
		if n >= 0 {
			s.maxRedeliveries = n
		}
	}
}

// WithDeadLetter sets where exhausted exchanges are sent.
func WithDeadLetter(p endpoint.Producer) Option {
	return func(s *Scanner) { s.deadLetter = p }
}

// WithInFlight sets the tracker of exchanges still being delivered.
func WithInFlight(f InFlight) Option {
	return func(s *Scanner) { s.inFlight = f }
}

// WithClock sets the clock used for the recovery cutoff.
func WithClock(c clock.Clock) Option {
	return func(s *Scanner) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records scans and outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scanner) { s.metrics = m }
}

// NewScanner creates a scanner for source that resubmits to target.
func NewScanner(source Source, target Resubmitter, opts ...Option) (*Scanner, error) {
	if source == nil {
		return nil, errors.New("recovery: source required")
	}
	if target == nil {
		return nil, errors.New("recovery: target required")
	}

	s := &Scanner{
		source:     source,
		target:     target,
		interval:   aggregation.DefaultRecoveryInterval,
		delay:      aggregation.DefaultRecoveryDelay,
		batchLimit: aggregation.DefaultBatchLimit,
		clock:      clock.System{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxRedeliveries > 0 && s.deadLetter == nil {
		return nil, fmt.Errorf("recovery %s: maximum redeliveries %d requires a dead letter endpoint",
			source.Name(), s.maxRedeliveries)
	}

	s.logger = s.logger.With("repository", source.Name())
	return s, nil
}

// ForRepository creates a scanner configured from repo's recovery policy.
// deadLetter may be nil when redelivery is unbounded. Extra options are
// applied last.
func ForRepository(repo *aggregation.Repository, target Resubmitter, deadLetter endpoint.Producer, opts ...Option) (*Scanner, error) {
	cfg := repo.RecoveryConfig()
	base := []Option{
		WithInterval(cfg.RecoveryInterval),
		WithDelay(cfg.RecoveryDelay),
		WithBatchLimit(cfg.BatchLimit),
		WithMaximumRedeliveries(cfg.MaximumRedeliveries),
		WithDeadLetter(deadLetter),
	}
	return NewScanner(repo, target, append(base, opts...)...)
}

// State returns the current phase.
func (s *Scanner) State() State {
	return State(s.state.Load())
}

// Run ticks every interval until ctx is cancelled. Tick errors are logged,
// never returned.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("recovery scanner starting",
		"interval", s.interval,
		"delay", s.delay,
		"maximum_redeliveries", s.maxRedeliveries,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recovery scanner stopping: context cancelled")
			return nil
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.tickAsync(ctx)
			}()
		}
	}
}

func (s *Scanner) tickAsync(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("recovery scan failed", "error", err)
	}
}

// Tick runs one scan. If a scan is already running it returns immediately
// with Skipped set.
func (s *Scanner) Tick(ctx context.Context) (TickResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.TickSkipped(s.source.Name())
		s.logger.Debug("recovery tick skipped: scan in progress")
		return TickResult{Skipped: true}, nil
	}
	defer s.running.Store(false)
	defer s.state.Store(int32(Idle))

	start := time.Now()
	s.state.Store(int32(Scanning))

	cutoff := s.clock.Now().Add(-s.delay)
	rows, err := s.source.ScanOlderThan(ctx, cutoff, s.batchLimit)
	if err != nil {
		return TickResult{}, fmt.Errorf("scan older than %s: %w", cutoff.Format(time.RFC3339), err)
	}

	res := TickResult{Scanned: len(rows)}
	if len(rows) > 0 {
		s.state.Store(int32(Redelivering))
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		s.recoverOne(ctx, row, &res)
	}

	s.metrics.Scanned(s.source.Name(), time.Since(start).Seconds())
	if res.Scanned > 0 {
		s.logger.Info("recovery scan finished",
			"scanned", res.Scanned,
			"redelivered", res.Redelivered,
			"dead_lettered", res.DeadLettered,
			"in_flight", res.InFlight,
			"confirmed", res.Confirmed,
			"failed", res.Failed,
		)
	}
	return res, ctx.Err()
}

func (s *Scanner) recoverOne(ctx context.Context, row aggregation.Completed, res *TickResult) {
	log := s.logger.With("exchange_id", row.ExchangeID, "key", row.Key)

	if s.inFlight != nil && s.inFlight.InFlight(row.ExchangeID) {
		s.retryConfirm(ctx, log, row.ExchangeID, res)
		return
	}

	ex, err := s.source.Recover(ctx, row.ExchangeID)
	if err != nil {
		if errs.IsSecurity(err) {
			log.Error("stored exchange rejected by type filter, leaving it for an operator", "error", err)
		} else {
			log.Warn("failed to recover exchange", "error", err)
		}
		res.Failed++
		return
	}
	if ex == nil {
		log.Debug("exchange confirmed during scan")
		return
	}

	if s.maxRedeliveries > 0 && row.DeliveryCount >= s.maxRedeliveries {
		s.deadLetterOne(ctx, log, row, ex, res)
		return
	}

	n, err := s.source.MarkRedelivery(ctx, row.ExchangeID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("exchange confirmed during scan")
		return
	}
	if err != nil {
		log.Warn("failed to record redelivery", "error", err)
		res.Failed++
		return
	}

	ex.SetHeader(exchange.HeaderRedelivered, true)
	ex.SetHeader(exchange.HeaderRedeliveryCounter, int64(n))
	if s.maxRedeliveries > 0 {
		ex.SetHeader(exchange.HeaderRedeliveryMaxCounter, int64(s.maxRedeliveries))
	}

	log.Debug("resubmitting exchange", "attempt", n)
	if err := s.target.Resubmit(ctx, row.Key, ex); err != nil {
		log.Warn("resubmit failed", "attempt", n, "error", err)
		res.Failed++
		return
	}
	s.metrics.Redelivered(s.source.Name())
	res.Redelivered++
}

// retryConfirm handles an in-flight row. One that was delivered and only
// lacks its confirm is confirmed; anything else is left to its deliverer.
func (s *Scanner) retryConfirm(ctx context.Context, log *slog.Logger, exchangeID string, res *TickResult) {
	pc, ok := s.inFlight.(PendingConfirm)
	if ok {
		pending, err := pc.RetryConfirm(ctx, exchangeID)
		switch {
		case pending && err != nil:
			log.Warn("delayed confirm failed", "error", err)
			res.Failed++
			return
		case pending:
			log.Debug("confirmed exchange delivered earlier")
			res.Confirmed++
			return
		}
	}
	log.Debug("exchange still in flight, skipping")
	res.InFlight++
}

func (s *Scanner) deadLetterOne(ctx context.Context, log *slog.Logger, row aggregation.Completed, ex *exchange.Exchange, res *TickResult) {
	ex.SetHeader(exchange.HeaderRedelivered, true)
	ex.SetHeader(exchange.HeaderRedeliveryCounter, int64(row.DeliveryCount))
	ex.SetHeader(exchange.HeaderRedeliveryMaxCounter, int64(s.maxRedeliveries))

	if err := s.deadLetter.Send(ctx, row.Key, ex); err != nil {
		log.Warn("dead letter send failed, will retry next scan",
			"attempts", row.DeliveryCount,
			"error", err,
		)
		s.metrics.DeadLetterFailed(s.source.Name())
		res.Failed++
		return
	}

	if err := s.source.Confirm(ctx, row.ExchangeID); err != nil {
		log.Warn("failed to confirm dead lettered exchange", "error", err)
		res.Failed++
		return
	}

	log.Info("exchange moved to dead letter endpoint", "attempts", row.DeliveryCount)
	s.metrics.DeadLettered(s.source.Name())
	res.DeadLettered++
}
