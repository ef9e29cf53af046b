package aggregation

import (
	"log/slog"
	"time"

	"github.com/roach88/corral/internal/clock"
	"github.com/roach88/corral/internal/exchange"
	"github.com/roach88/corral/internal/metrics"
)

// Recovery defaults.
const (
	DefaultRecoveryInterval = 5 * time.Second
	DefaultRecoveryDelay    = 5 * time.Second
	DefaultBatchLimit       = 100
)

// RecoveryConfig is the recovery policy a repository carries for its
// scanner. The repository itself only uses RecoverByInstance; the scanner
// reads the rest.
type RecoveryConfig struct {
	// UseRecovery enables the recovery scanner.
	UseRecovery bool

	// RecoveryInterval is the time between scans.
	RecoveryInterval time.Duration

	// RecoveryDelay is how long a completed row must sit unconfirmed
	// before it is considered orphaned.
	RecoveryDelay time.Duration

	// MaximumRedeliveries bounds delivery attempts; 0 means unbounded.
	MaximumRedeliveries int

	// DeadLetterURI names the endpoint exhausted exchanges go to.
	// Required when MaximumRedeliveries > 0.
	DeadLetterURI string

	// RecoverByInstance restricts recovery to rows written by this
	// repository's instance id. It requires WithInstanceID.
	RecoverByInstance bool

	// BatchLimit caps rows examined per scan.
	BatchLimit int
}

// DefaultRecoveryConfig returns recovery enabled with the default timings
// and unbounded redelivery.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		UseRecovery:      true,
		RecoveryInterval: DefaultRecoveryInterval,
		RecoveryDelay:    DefaultRecoveryDelay,
		BatchLimit:       DefaultBatchLimit,
	}
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = DefaultRecoveryInterval
	}
	if c.RecoveryDelay < 0 {
		c.RecoveryDelay = 0
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	return c
}

// Option configures a Repository.
type Option func(*Repository)

// WithReturnOldExchange makes Add return the exchange it replaced.
func WithReturnOldExchange() Option {
	return func(r *Repository) { r.returnOld = true }
}

// WithOptimisticLocking makes concurrent writers to one key detect lost
// updates instead of silently overwriting each other.
func WithOptimisticLocking() Option {
	return func(r *Repository) { r.optimistic = true }
}

// WithKeyNormalization stores correlation keys in Unicode NFC form, so
// canonically equivalent keys share one group. Off by default.
func WithKeyNormalization() Option {
	return func(r *Repository) { r.normalize = true }
}

// WithStoreBodyAsText also stores a text rendering of the body.
func WithStoreBodyAsText() Option {
	return func(r *Repository) { r.columns.BodyText = true }
}

// WithHeadersToStoreAsText stores the named headers in their own text
// columns. Each name must be a valid SQL identifier.
func WithHeadersToStoreAsText(headers ...string) Option {
	return func(r *Repository) {
		r.columns.Headers = append(r.columns.Headers, headers...)
	}
}

// WithCodec sets the codec. Default: built-in types only.
func WithCodec(c *exchange.Codec) Option {
	return func(r *Repository) {
		if c != nil {
			r.codec = c
		}
	}
}

// WithClock sets the clock used for storedAt stamps.
func WithClock(c clock.Clock) Option {
	return func(r *Repository) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithInstanceID tags completed rows with id. Default: a fresh UUID per
// repository, which only suits recovery across all instances.
func WithInstanceID(id string) Option {
	return func(r *Repository) {
		if id != "" {
			r.instanceID = id
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records operation outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// WithRecovery sets the recovery policy.
func WithRecovery(c RecoveryConfig) Option {
	return func(r *Repository) { r.recovery = c.withDefaults() }
}
