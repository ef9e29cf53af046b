// Package aggregator is the caller side of an aggregation repository: it
// correlates incoming exchanges by key, merges them with a Strategy, and
// hands completed groups downstream with exactly-once confirmation.
//
// The cycle for one incoming exchange is:
//
//	old := repo.Get(key)
//	merged := strategy.Aggregate(old, in)
//	complete?  repo.Remove(key, merged); deliver; repo.Confirm(merged.ID)
//	otherwise  repo.Add(key, merged)
//
// With optimistic locking each attempt writes at most once, so a lost
// race is retried from the top under the RetryPolicy without ever merging
// an exchange twice.
//
// Groups can also complete without a new exchange arriving: after a period
// of inactivity (completion timeout) or all at once on a fixed period
// (completion interval). Both are driven by Run or Tick.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/corral/internal/clock"
	"github.com/roach88/corral/internal/errs"
	"github.com/roach88/corral/internal/exchange"
)

// Values of exchange.PropertyCompletedBy.
const (
	CompletedBySize      = "size"
	CompletedByPredicate = "predicate"
	CompletedByTimeout   = "timeout"
	CompletedByInterval  = "interval"
)

// DefaultCheckInterval is how often Run looks for timed out groups.
const DefaultCheckInterval = time.Second

// Repository is the subset of *aggregation.Repository the processor uses.
type Repository interface {
	Get(ctx context.Context, key string) (*exchange.Exchange, error)
	Add(ctx context.Context, key string, ex *exchange.Exchange) (*exchange.Exchange, error)
	Remove(ctx context.Context, key string, ex *exchange.Exchange) error
	Confirm(ctx context.Context, exchangeID string) error
}

// KeyLister lists in-progress keys. *aggregation.Repository implements it;
// completion intervals and restoring timeouts after a restart need it.
type KeyLister interface {
	Keys(ctx context.Context) ([]string, error)
}

// Consumer receives completed groups.
type Consumer interface {
	Deliver(ctx context.Context, key string, ex *exchange.Exchange) error
}

// ConsumerFunc adapts a function to a Consumer.
type ConsumerFunc func(ctx context.Context, key string, ex *exchange.Exchange) error

// Deliver calls f.
func (f ConsumerFunc) Deliver(ctx context.Context, key string, ex *exchange.Exchange) error {
	return f(ctx, key, ex)
}

// Processor correlates and completes exchanges. It is safe for concurrent
// use; contention on one key is resolved by the repository.
type Processor struct {
	repo     Repository
	keys     KeyLister
	strategy Strategy
	consumer Consumer

	completionSize     int
	predicate          func(*exchange.Exchange) bool
	completionTimeout  time.Duration
	completionInterval time.Duration
	checkInterval      time.Duration

	retry  RetryPolicy
	ids    exchange.IDGenerator
	clock  clock.Clock
	logger *slog.Logger

	mu           sync.Mutex
	inFlight     map[string]struct{}
	unconfirmed  map[string]struct{}
	lastSeen     map[string]time.Time
	lastInterval time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithCompletionSize completes a group once n exchanges were merged.
func WithCompletionSize(n int) Option {
	return func(p *Processor) { p.completionSize = n }
}

// WithCompletionPredicate completes a group when fn returns true for the
// merged exchange.
func WithCompletionPredicate(fn func(*exchange.Exchange) bool) Option {
	return func(p *Processor) { p.predicate = fn }
}

// WithCompletionTimeout completes a group that received no exchange for d.
func WithCompletionTimeout(d time.Duration) Option {
	return func(p *Processor) { p.completionTimeout = d }
}

// WithCompletionInterval completes every in-progress group each d.
func WithCompletionInterval(d time.Duration) Option {
	return func(p *Processor) { p.completionInterval = d }
}

// WithCheckInterval sets how often Run calls Tick.
// Default: DefaultCheckInterval.
func WithCheckInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.checkInterval = d
		}
	}
}

// WithRetryPolicy sets how optimistic lock conflicts are retried.
// Default: DefaultRetryPolicy.
func WithRetryPolicy(r RetryPolicy) Option {
	return func(p *Processor) { p.retry = r }
}

// WithIDGenerator sets the source of ids for exchanges that arrive without
// one. Default: exchange.UUIDv7Generator.
func WithIDGenerator(g exchange.IDGenerator) Option {
	return func(p *Processor) {
		if g != nil {
			p.ids = g
		}
	}
}

// WithClock sets the clock used for completion timeouts and intervals.
func WithClock(c clock.Clock) Option {
	return func(p *Processor) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a processor. At least one completion condition is required.
func New(repo Repository, strategy Strategy, consumer Consumer, opts ...Option) (*Processor, error) {
	if repo == nil || strategy == nil || consumer == nil {
		return nil, errors.New("aggregator: repository, strategy and consumer are required")
	}

	p := &Processor{
		repo:          repo,
		strategy:      strategy,
		consumer:      consumer,
		checkInterval: DefaultCheckInterval,
		retry:         DefaultRetryPolicy(),
		ids:           exchange.UUIDv7Generator{},
		clock:         clock.System{},
		logger:        slog.Default(),
		inFlight:      map[string]struct{}{},
		unconfirmed:   map[string]struct{}{},
		lastSeen:      map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.keys, _ = repo.(KeyLister)

	if p.completionSize <= 0 && p.predicate == nil && p.completionTimeout <= 0 && p.completionInterval <= 0 {
		return nil, errors.New("aggregator: a completion size, predicate, timeout or interval is required")
	}
	if p.completionInterval > 0 && p.keys == nil {
		return nil, errors.New("aggregator: a completion interval needs a repository that lists keys")
	}
	p.lastInterval = p.clock.Now()
	return p, nil
}

// Process merges ex into the group for key. It returns the completed
// exchange when this exchange completed the group, otherwise nil. An
// exchange without an id is given one from the IDGenerator first.
//
// A delivery failure is returned, but the completed exchange stays in the
// repository's completed table and is picked up by recovery.
func (p *Processor) Process(ctx context.Context, key string, ex *exchange.Exchange) (*exchange.Exchange, error) {
	if ex == nil {
		return nil, errors.New("process: nil exchange")
	}
	exchange.EnsureID(ex, p.ids)

	var (
		merged *exchange.Exchange
		reason string
	)
	err := p.retry.do(ctx, func(attempt int) error {
		if attempt > 0 {
			p.logger.Debug("retrying aggregation after optimistic lock conflict",
				"key", key,
				"exchange_id", ex.ID,
				"attempt", attempt,
			)
		}

		old, err := p.repo.Get(ctx, key)
		if err != nil {
			return err
		}

		version := int64(0)
		if old != nil {
			version = old.Version
		}
		size := AggregatedSize(old) + 1

		merged = p.strategy.Aggregate(old, ex.Copy())
		if merged == nil {
			return fmt.Errorf("aggregate %s: strategy returned nil", key)
		}
		merged.Version = version
		merged.SetHeader(exchange.HeaderAggregatedSize, int64(size))
		merged.SetProperty(exchange.HeaderAggregatedSize, size)

		reason = p.completedBy(merged, size)
		if reason != "" {
			return p.repo.Remove(ctx, key, merged)
		}
		_, err = p.repo.Add(ctx, key, merged)
		return err
	})
	if err != nil {
		if errs.IsOptimisticLock(err) {
			p.logger.Warn("optimistic lock retries exhausted",
				"key", key,
				"exchange_id", ex.ID,
			)
		}
		return nil, err
	}

	if reason == "" {
		p.touch(key)
		return nil, nil
	}

	p.forget(key)
	merged.SetProperty(exchange.PropertyCompletedBy, reason)
	p.logger.Info("aggregation complete",
		"key", key,
		"exchange_id", merged.ID,
		"size", AggregatedSize(merged),
		"completed_by", reason,
	)
	return merged, p.deliver(ctx, key, merged)
}

// Resubmit delivers an exchange recovered from the completed table and
// confirms it. An exchange that was already delivered and only lacks its
// confirmation is confirmed without being delivered again. Other
// confirmations that failed earlier are retried first.
func (p *Processor) Resubmit(ctx context.Context, key string, ex *exchange.Exchange) error {
	if pending, err := p.RetryConfirm(ctx, ex.ID); pending {
		return err
	}
	if err := p.RetryUnconfirmed(ctx); err != nil {
		p.logger.Warn("unconfirmed exchanges remain", "error", err)
	}
	return p.deliver(ctx, key, ex)
}

// InFlight reports whether exchangeID is being delivered right now or was
// delivered and still awaits its confirmation. Recovery must not redeliver
// either.
func (p *Processor) InFlight(exchangeID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[exchangeID]; ok {
		return true
	}
	_, ok := p.unconfirmed[exchangeID]
	return ok
}

// Unconfirmed returns ids that were delivered but could not be confirmed.
func (p *Processor) Unconfirmed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.unconfirmed))
	for id := range p.unconfirmed {
		out = append(out, id)
	}
	return out
}

// RetryConfirm confirms exchangeID if an earlier confirm of it failed.
// pending reports whether the id was awaiting confirmation at all.
func (p *Processor) RetryConfirm(ctx context.Context, exchangeID string) (pending bool, err error) {
	p.mu.Lock()
	_, pending = p.unconfirmed[exchangeID]
	p.mu.Unlock()
	if !pending {
		return false, nil
	}

	if err := p.repo.Confirm(ctx, exchangeID); err != nil {
		p.logger.Warn("still unable to confirm exchange",
			"exchange_id", exchangeID,
			"error", err,
		)
		return true, fmt.Errorf("confirm %s: %w", exchangeID, err)
	}

	p.mu.Lock()
	delete(p.unconfirmed, exchangeID)
	p.mu.Unlock()
	p.logger.Debug("delayed confirm succeeded", "exchange_id", exchangeID)
	return true, nil
}

// RetryUnconfirmed confirms exchanges whose earlier confirm failed.
func (p *Processor) RetryUnconfirmed(ctx context.Context) error {
	var failed []error
	for _, id := range p.Unconfirmed() {
		if _, err := p.RetryConfirm(ctx, id); err != nil {
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

func (p *Processor) deliver(ctx context.Context, key string, ex *exchange.Exchange) error {
	p.mu.Lock()
	p.inFlight[ex.ID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, ex.ID)
		p.mu.Unlock()
	}()

	if err := p.consumer.Deliver(ctx, key, ex); err != nil {
		p.logger.Warn("delivery failed, exchange left for recovery",
			"key", key,
			"exchange_id", ex.ID,
			"error", err,
		)
		return fmt.Errorf("deliver %s: %w", ex.ID, err)
	}

	if err := p.repo.Confirm(ctx, ex.ID); err != nil {
		p.logger.Warn("confirm failed, will retry",
			"exchange_id", ex.ID,
			"error", err,
		)
		p.mu.Lock()
		p.unconfirmed[ex.ID] = struct{}{}
		p.mu.Unlock()
	}
	return nil
}

// completedBy returns the trigger that completes merged, or "".
func (p *Processor) completedBy(merged *exchange.Exchange, size int) string {
	if p.completionSize > 0 && size >= p.completionSize {
		return CompletedBySize
	}
	if p.predicate != nil && p.predicate(merged) {
		return CompletedByPredicate
	}
	return ""
}

// AggregatedSize returns how many exchanges were merged into ex, 0 for nil.
// An exchange without the header counts as one.
func AggregatedSize(ex *exchange.Exchange) int {
	if ex == nil {
		return 0
	}
	v, ok := ex.Header(exchange.HeaderAggregatedSize)
	if !ok {
		return 1
	}
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	}
	return 1
}
