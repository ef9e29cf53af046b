package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/corral/internal/aggregation"
	"github.com/roach88/corral/internal/endpoint"
	"github.com/roach88/corral/internal/exchange"
	"github.com/roach88/corral/internal/metrics"
	"github.com/roach88/corral/internal/storage"
	"github.com/roach88/corral/internal/testutil"
)

type fixture struct {
	backend *storage.Backend
	repo    *aggregation.Repository
	clock   *testutil.FakeClock
}

func newFixture(t *testing.T, opts ...aggregation.Option) *fixture {
	t.Helper()
	f := &fixture{backend: testutil.NewBackend(t), clock: testutil.NewFakeClock()}
	opts = append([]aggregation.Option{
		aggregation.WithClock(f.clock),
		aggregation.WithLogger(testutil.DiscardLogger()),
	}, opts...)

	repo, err := aggregation.New(context.Background(), f.backend, "agg", opts...)
	require.NoError(t, err)
	f.repo = repo
	return f
}

// complete stores ex under key and moves it to the completed table.
func (f *fixture) complete(t *testing.T, key string, ex *exchange.Exchange) {
	t.Helper()
	ctx := context.Background()
	_, err := f.repo.Add(ctx, key, ex)
	require.NoError(t, err)
	require.NoError(t, f.repo.Remove(ctx, key, ex))
}

func (f *fixture) completedIDs(t *testing.T) []string {
	t.Helper()
	ids, err := f.repo.Scan(context.Background())
	require.NoError(t, err)
	return ids
}

type recordingTarget struct {
	mu        sync.Mutex
	keys      []string
	exchanges []*exchange.Exchange
	err       error
	onSubmit  func(ctx context.Context, ex *exchange.Exchange)
}

func (r *recordingTarget) Resubmit(ctx context.Context, key string, ex *exchange.Exchange) error {
	if r.onSubmit != nil {
		r.onSubmit(ctx, ex)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.exchanges = append(r.exchanges, ex)
	return r.err
}

func (r *recordingTarget) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exchanges)
}

type failingProducer struct {
	mu    sync.Mutex
	fail  bool
	sends int
}

func (p *failingProducer) Send(context.Context, string, *exchange.Exchange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sends++
	if p.fail {
		return errors.New("dead letter endpoint unreachable")
	}
	return nil
}

func (p *failingProducer) Close() error { return nil }

func newScanner(t *testing.T, f *fixture, target Resubmitter, opts ...Option) *Scanner {
	t.Helper()
	opts = append([]Option{
		WithClock(f.clock),
		WithDelay(5 * time.Second),
		WithLogger(testutil.DiscardLogger()),
	}, opts...)
	s, err := NewScanner(f.repo, target, opts...)
	require.NoError(t, err)
	return s
}

func TestNewScanner_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := NewScanner(nil, &recordingTarget{})
	assert.Error(t, err)

	_, err = NewScanner(f.repo, nil)
	assert.Error(t, err)

	_, err = NewScanner(f.repo, &recordingTarget{}, WithMaximumRedeliveries(3))
	assert.Error(t, err, "bounded redelivery needs a dead letter endpoint")
}

func TestTick_RespectsDelay(t *testing.T) {
	f := newFixture(t)
	target := &recordingTarget{}
	s := newScanner(t, f, target)
	ctx := context.Background()

	f.complete(t, "k", exchange.New("e1", "A"))

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned, "row is younger than the recovery delay")

	f.clock.Advance(5 * time.Second)
	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Redelivered)
	assert.Equal(t, Idle, s.State())
}

func TestTick_SetsRedeliveryHeaders(t *testing.T) {
	f := newFixture(t)
	target := &recordingTarget{}
	dlq := &failingProducer{}
	s := newScanner(t, f, target, WithMaximumRedeliveries(5), WithDeadLetter(dlq))
	ctx := context.Background()

	ex := exchange.New("e1", "ABCDE")
	ex.SetHeader("companyName", "Acme")
	f.complete(t, "123", ex)
	f.clock.Advance(time.Minute)

	for i := 1; i <= 2; i++ {
		_, err := s.Tick(ctx)
		require.NoError(t, err)
	}

	require.Equal(t, 2, target.count())
	assert.Equal(t, []string{"123", "123"}, target.keys)
	for i, got := range target.exchanges {
		assert.Equal(t, "ABCDE", got.Body)
		assert.Equal(t, "Acme", got.Headers["companyName"])
		assert.Equal(t, true, got.Headers[exchange.HeaderRedelivered])
		assert.Equal(t, int64(i+1), got.Headers[exchange.HeaderRedeliveryCounter])
		assert.Equal(t, int64(5), got.Headers[exchange.HeaderRedeliveryMaxCounter])
		key, _ := got.Property(exchange.PropertyCorrelationKey)
		assert.Equal(t, "123", key)
	}
}

func TestTick_RecoveryBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := &recordingTarget{}
	m := metrics.New()

	dlq, err := endpoint.NewTable(ctx, f.backend, "agg_dlq", endpoint.Deps{Clock: f.clock})
	require.NoError(t, err)

	s := newScanner(t, f, target,
		WithMaximumRedeliveries(3),
		WithDeadLetter(dlq),
		WithMetrics(m),
	)

	f.complete(t, "123", exchange.New("e1", "ABCDE"))
	f.clock.Advance(time.Minute)

	for tick := 1; tick <= 3; tick++ {
		res, err := s.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Redelivered, "tick %d", tick)
		assert.Equal(t, 0, res.DeadLettered, "tick %d", tick)
	}

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Empty(t, f.completedIDs(t), "dead lettered row is confirmed")

	res, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)

	letters, err := dlq.Letters(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1, "exactly once at the dead letter sink")
	assert.Equal(t, "e1", letters[0].ExchangeID)
	assert.Equal(t, "123", letters[0].Key)

	ex, err := letters[0].Exchange(exchange.NewCodec())
	require.NoError(t, err)
	assert.Equal(t, "ABCDE", ex.Body)
	assert.Equal(t, int64(3), ex.Headers[exchange.HeaderRedeliveryCounter])
	assert.Equal(t, 3, target.count())
}

func TestTick_FailingDeadLetterLeavesRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dlq := &failingProducer{fail: true}
	s := newScanner(t, f, &recordingTarget{}, WithMaximumRedeliveries(1), WithDeadLetter(dlq))

	f.complete(t, "k", exchange.New("e1", "A"))
	f.clock.Advance(time.Minute)

	_, err := s.Tick(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err := s.Tick(ctx)
		require.NoError(t, err, "dead letter failures never escape the scanner")
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, []string{"e1"}, f.completedIDs(t))
	}

	dlq.mu.Lock()
	dlq.fail = false
	dlq.mu.Unlock()

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Empty(t, f.completedIDs(t))
	assert.Equal(t, 3, dlq.sends)
}

func TestTick_ResubmitFailureKeepsRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := newScanner(t, f, &recordingTarget{err: errors.New("downstream down")})

	f.complete(t, "k", exchange.New("e1", "A"))
	f.clock.Advance(time.Minute)

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"e1"}, f.completedIDs(t))

	rows, err := f.repo.ScanOlderThan(ctx, f.clock.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rows[0].DeliveryCount, "the attempt is counted")
}

func TestTick_ConfirmingTargetDrainsTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := &recordingTarget{}
	target.onSubmit = func(ctx context.Context, ex *exchange.Exchange) {
		require.NoError(t, f.repo.Confirm(ctx, ex.ID))
	}
	s := newScanner(t, f, target)

	for _, id := range []string{"e1", "e2", "e3"} {
		f.complete(t, id, exchange.New(id, id))
	}
	f.clock.Advance(time.Minute)

	res, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Redelivered)
	assert.Empty(t, f.completedIDs(t))
}

func TestTick_BatchLimit(t *testing.T) {
	f := newFixture(t)
	target := &recordingTarget{}
	s := newScanner(t, f, target, WithBatchLimit(2))

	for _, id := range []string{"e1", "e2", "e3"} {
		f.complete(t, id, exchange.New(id, id))
	}
	f.clock.Advance(time.Minute)

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
}

type inFlightSet map[string]bool

func (s inFlightSet) InFlight(id string) bool { return s[id] }

func TestTick_SkipsInFlight(t *testing.T) {
	f := newFixture(t)
	target := &recordingTarget{}
	s := newScanner(t, f, target, WithInFlight(inFlightSet{"e1": true}))

	f.complete(t, "k1", exchange.New("e1", "A"))
	f.complete(t, "k2", exchange.New("e2", "B"))
	f.clock.Advance(time.Minute)

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.InFlight)
	assert.Equal(t, 1, res.Redelivered)
	assert.Equal(t, "e2", target.exchanges[0].ID)
}

// awaitingConfirm is an in-flight tracker whose ids were delivered but not
// yet confirmed.
type awaitingConfirm struct {
	repo    *aggregation.Repository
	pending map[string]bool
	err     error
}

func (a *awaitingConfirm) InFlight(id string) bool { return a.pending[id] }

func (a *awaitingConfirm) RetryConfirm(ctx context.Context, id string) (bool, error) {
	if !a.pending[id] {
		return false, nil
	}
	if a.err != nil {
		return true, a.err
	}
	delete(a.pending, id)
	return true, a.repo.Confirm(ctx, id)
}

func TestTick_ConfirmsDeliveredInsteadOfRedelivering(t *testing.T) {
	f := newFixture(t)
	target := &recordingTarget{}
	tracker := &awaitingConfirm{repo: f.repo, pending: map[string]bool{"e1": true}, err: errors.New("still down")}
	s := newScanner(t, f, target, WithInFlight(tracker))

	f.complete(t, "k1", exchange.New("e1", "A"))
	f.clock.Advance(time.Minute)

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Redelivered)
	assert.Equal(t, []string{"e1"}, f.completedIDs(t))

	tracker.err = nil
	res, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
	assert.Equal(t, 0, res.Redelivered)
	assert.Zero(t, target.count(), "a delivered exchange is never resubmitted")
	assert.Empty(t, f.completedIDs(t))
}

type gadget struct {
	Cmd string `json:"cmd"`
}

func TestTick_SecurityErrorLeavesRow(t *testing.T) {
	reg := exchange.NewTypeRegistry()
	reg.MustRegister("evil.Gadget", gadget{})

	f := newFixture(t, aggregation.WithCodec(exchange.NewCodec(
		exchange.WithTypeRegistry(reg),
		exchange.WithTypeFilter(exchange.MustParseTypeFilter("evil.*")),
	)))
	f.complete(t, "k", exchange.New("e1", gadget{Cmd: "rm -rf"}))
	f.clock.Advance(time.Minute)

	strict, err := aggregation.New(context.Background(), f.backend, "agg",
		aggregation.WithCodec(exchange.NewCodec(exchange.WithTypeRegistry(reg))),
		aggregation.WithLogger(testutil.DiscardLogger()),
	)
	require.NoError(t, err)

	target := &recordingTarget{}
	s, err := NewScanner(strict, target, WithClock(f.clock), WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, target.count())
	assert.Equal(t, []string{"e1"}, f.completedIDs(t))
}

func TestTick_SkipsWhileScanRunning(t *testing.T) {
	f := newFixture(t)
	m := metrics.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	target := &recordingTarget{onSubmit: func(context.Context, *exchange.Exchange) {
		close(entered)
		<-release
	}}
	s := newScanner(t, f, target, WithMetrics(m))

	f.complete(t, "k", exchange.New("e1", "A"))
	f.clock.Advance(time.Minute)

	done := make(chan TickResult)
	go func() {
		res, _ := s.Tick(context.Background())
		done <- res
	}()

	<-entered
	assert.Equal(t, Redelivering, s.State())

	res, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Redelivered)
	assert.Equal(t, Idle, s.State())
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	target := &recordingTarget{}
	target.onSubmit = func(ctx context.Context, ex *exchange.Exchange) {
		_ = f.repo.Confirm(ctx, ex.ID)
	}
	s := newScanner(t, f, target, WithInterval(10*time.Millisecond))

	f.complete(t, "k", exchange.New("e1", "A"))
	f.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return target.count() >= 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, f.completedIDs(t))
}

func TestForRepository(t *testing.T) {
	cfg := aggregation.DefaultRecoveryConfig()
	cfg.MaximumRedeliveries = 2
	cfg.DeadLetterURI = "log:"
	cfg.BatchLimit = 7
	f := newFixture(t, aggregation.WithRecovery(cfg))

	_, err := ForRepository(f.repo, &recordingTarget{}, nil)
	assert.Error(t, err, "dead letter producer required for bounded redelivery")

	s, err := ForRepository(f.repo, &recordingTarget{}, &failingProducer{}, WithLogger(testutil.DiscardLogger()))
	require.NoError(t, err)
	assert.Equal(t, 2, s.maxRedeliveries)
	assert.Equal(t, 7, s.batchLimit)
	assert.Equal(t, aggregation.DefaultRecoveryDelay, s.delay)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "scanning", Scanning.String())
	assert.Equal(t, "redelivering", Redelivering.String())
	assert.Equal(t, "state(9)", State(9).String())
}
