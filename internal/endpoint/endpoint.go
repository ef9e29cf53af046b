// Package endpoint resolves URIs to producers that exchanges can be sent to.
// Producers serve as dead-letter sinks for the recovery scanner and as
// replay targets for the CLI.
//
// Supported schemes:
//
//	table:<name>             SQL dead-letter table on the repository backend
//	redis://host:port/<list> RPUSH of the JSON letter onto a list
//	s3://bucket/prefix       PutObject of the JSON letter at <prefix>/<id>.json
//	log:                     one structured log line per exchange
package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/corral/internal/clock"
	"github.com/roach88/corral/internal/exchange"
	"github.com/roach88/corral/internal/storage"
)

// Producer delivers one exchange to an endpoint.
type Producer interface {
	Send(ctx context.Context, key string, ex *exchange.Exchange) error
	Close() error
}

// Letter is the JSON form of an exchange sent to an external endpoint.
// Body and Headers hold the codec's envelopes so a letter can be decoded
// back into an exchange.
type Letter struct {
	ExchangeID     string          `json:"exchange_id"`
	Key            string          `json:"correlation_key"`
	Body           json.RawMessage `json:"body"`
	Headers        json.RawMessage `json:"headers"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

// NewLetter encodes ex with codec.
func NewLetter(codec *exchange.Codec, now time.Time, key string, ex *exchange.Exchange) (Letter, error) {
	p, err := codec.Marshal(ex)
	if err != nil {
		return Letter{}, err
	}
	return Letter{
		ExchangeID:     p.ExchangeID,
		Key:            key,
		Body:           p.Body,
		Headers:        p.Headers,
		DeadLetteredAt: now.UTC(),
	}, nil
}

// Exchange decodes the letter back into an exchange.
func (l Letter) Exchange(codec *exchange.Codec) (*exchange.Exchange, error) {
	return codec.Unmarshal(exchange.Payload{ExchangeID: l.ExchangeID, Body: l.Body, Headers: l.Headers})
}

// Deps carries what producers need to be built.
type Deps struct {
	// Backend is required for table: endpoints.
	Backend *storage.Backend

	// Codec encodes letters. Default: built-in types only.
	Codec *exchange.Codec

	// Clock stamps letters. Default: system clock.
	Clock clock.Clock

	// Logger is used by log: endpoints. Default: slog.Default().
	Logger *slog.Logger

	// S3 overrides the client options of s3: endpoints.
	S3 S3Config
}

func (d Deps) withDefaults() Deps {
	if d.Codec == nil {
		d.Codec = exchange.NewCodec()
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Resolve builds the producer for uri.
func Resolve(ctx context.Context, uri string, deps Deps) (Producer, error) {
	deps = deps.withDefaults()

	scheme, rest, ok := strings.Cut(uri, ":")
	if !ok {
		return nil, fmt.Errorf("endpoint %q: missing scheme", uri)
	}

	var (
		p   Producer
		err error
	)
	switch scheme {
	case "table":
		p, err = NewTable(ctx, deps.Backend, rest, deps)
	case "redis":
		p, err = DialRedis(ctx, uri, deps)
	case "s3":
		p, err = NewS3(ctx, uri, deps)
	case "log":
		p = NewLog(deps.Logger, strings.TrimPrefix(rest, "//"))
	default:
		return nil, fmt.Errorf("endpoint %q: unsupported scheme %q", uri, scheme)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
