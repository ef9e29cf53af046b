package aggregator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/corral/internal/errs"
	"github.com/roach88/corral/internal/exchange"
)

// touch records activity on key for the completion timeout.
func (p *Processor) touch(key string) {
	if p.completionTimeout <= 0 {
		return
	}
	now := p.clock.Now()
	p.mu.Lock()
	p.lastSeen[key] = now
	p.mu.Unlock()
}

func (p *Processor) forget(key string) {
	p.mu.Lock()
	delete(p.lastSeen, key)
	p.mu.Unlock()
}

// RestoreTimeouts starts the completion timeout for every in-progress key
// the processor is not tracking yet, so groups left by an earlier process
// still time out. It is a no-op without a completion timeout or when the
// repository cannot list keys.
func (p *Processor) RestoreTimeouts(ctx context.Context) error {
	if p.completionTimeout <= 0 || p.keys == nil {
		return nil
	}
	keys, err := p.keys.Keys(ctx)
	if err != nil {
		return fmt.Errorf("restore timeouts: %w", err)
	}

	now := p.clock.Now()
	restored := 0
	p.mu.Lock()
	for _, key := range keys {
		if _, ok := p.lastSeen[key]; !ok {
			p.lastSeen[key] = now
			restored++
		}
	}
	p.mu.Unlock()

	if restored > 0 {
		p.logger.Info("restored completion timeouts", "keys", restored)
	}
	return nil
}

// Run calls Tick every check interval until ctx is cancelled. Tick errors
// are logged, never returned.
func (p *Processor) Run(ctx context.Context) error {
	if p.completionTimeout <= 0 && p.completionInterval <= 0 {
		return errors.New("run: no completion timeout or interval configured")
	}
	if err := p.RestoreTimeouts(ctx); err != nil {
		p.logger.Warn("failed to restore completion timeouts", "error", err)
	}

	p.logger.Info("completion checker starting",
		"timeout", p.completionTimeout,
		"interval", p.completionInterval,
		"check_interval", p.checkInterval,
	)
	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("completion checker stopping: context cancelled")
			return nil
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("completion check failed", "error", err)
			}
		}
	}
}

// Tick completes every group whose timeout or interval has elapsed and
// retries pending confirmations. It returns how many groups completed.
func (p *Processor) Tick(ctx context.Context) (int, error) {
	if err := p.RetryUnconfirmed(ctx); err != nil {
		p.logger.Warn("unconfirmed exchanges remain", "error", err)
	}

	now := p.clock.Now()
	due := map[string]string{}

	p.mu.Lock()
	if p.completionTimeout > 0 {
		for key, seen := range p.lastSeen {
			if !now.Before(seen.Add(p.completionTimeout)) {
				due[key] = CompletedByTimeout
			}
		}
	}
	intervalDue := p.completionInterval > 0 && !now.Before(p.lastInterval.Add(p.completionInterval))
	if intervalDue {
		p.lastInterval = now
	}
	p.mu.Unlock()

	if intervalDue {
		keys, err := p.keys.Keys(ctx)
		if err != nil {
			return 0, fmt.Errorf("list keys: %w", err)
		}
		for _, key := range keys {
			if _, ok := due[key]; !ok {
				due[key] = CompletedByInterval
			}
		}
	}

	keys := make([]string, 0, len(due))
	for key := range due {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	completed := 0
	var failed []error
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		ok, err := p.complete(ctx, key, due[key])
		if ok {
			completed++
		}
		if err != nil {
			failed = append(failed, err)
		}
	}
	if err := ctx.Err(); err != nil {
		failed = append(failed, err)
	}
	return completed, errors.Join(failed...)
}

// complete moves the current aggregate for key to the completed table and
// delivers it. ok is false when there was nothing to complete or the group
// changed under it.
func (p *Processor) complete(ctx context.Context, key, reason string) (ok bool, err error) {
	current, err := p.repo.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("complete %s: %w", key, err)
	}
	if current == nil {
		p.forget(key)
		return false, nil
	}

	if err := p.repo.Remove(ctx, key, current); err != nil {
		if errs.IsOptimisticLock(err) {
			p.logger.Debug("group changed before completion, deferring",
				"key", key,
				"completed_by", reason,
			)
			return false, nil
		}
		return false, fmt.Errorf("complete %s: %w", key, err)
	}
	p.forget(key)

	current.SetProperty(exchange.PropertyCompletedBy, reason)
	p.logger.Info("aggregation complete",
		"key", key,
		"exchange_id", current.ID,
		"size", AggregatedSize(current),
		"completed_by", reason,
	)
	return true, p.deliver(ctx, key, current)
}
