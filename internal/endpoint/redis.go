package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/roach88/corral/internal/exchange"
)

// Redis pushes letters onto a redis list.
type Redis struct {
	rdb    goredis.Cmdable
	closer func() error
	list   string
	deps   Deps
}

// DialRedis connects to redis://host:port/<list> and pings the server.
func DialRedis(ctx context.Context, uri string, deps Deps) (*Redis, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("redis endpoint: %w", err)
	}
	list := strings.Trim(u.Path, "/")
	if u.Host == "" || list == "" {
		return nil, fmt.Errorf("redis endpoint %q: want redis://host:port/<list>", uri)
	}

	opts := &goredis.Options{
		Addr:        u.Host,
		DialTimeout: 5 * time.Second,
	}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	rdb := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	r := NewRedis(rdb, list, deps)
	r.closer = rdb.Close
	return r, nil
}

// NewRedis wraps an existing client. The caller keeps ownership of rdb.
func NewRedis(rdb goredis.Cmdable, list string, deps Deps) *Redis {
	return &Redis{rdb: rdb, list: list, deps: deps.withDefaults()}
}

// Send appends the letter for ex to the list.
func (r *Redis) Send(ctx context.Context, key string, ex *exchange.Exchange) error {
	letter, err := NewLetter(r.deps.Codec, r.deps.Clock.Now(), key, ex)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("redis endpoint: encode letter: %w", err)
	}
	if err := r.rdb.RPush(ctx, r.list, raw).Err(); err != nil {
		return fmt.Errorf("redis endpoint: rpush %s: %w", r.list, err)
	}
	return nil
}

// Close closes the client if DialRedis created it.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
