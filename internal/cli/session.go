package cli

import (
	"context"
	"log/slog"

	"github.com/roach88/corral/internal/aggregation"
	"github.com/roach88/corral/internal/clock"
	"github.com/roach88/corral/internal/config"
	"github.com/roach88/corral/internal/endpoint"
	"github.com/roach88/corral/internal/metrics"
	"github.com/roach88/corral/internal/storage"
)

// session is an open repository described by the config file.
type session struct {
	cfg     *config.Config
	backend *storage.Backend
	repo    *aggregation.Repository
	metrics *metrics.Metrics
	clock   clock.Clock
}

func openSession(ctx context.Context, opts *RootOptions) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	repoOpts, err := cfg.RepositoryOptions(nil)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	slog.Debug("opening database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	backend, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	s := &session{
		cfg:     cfg,
		backend: backend,
		metrics: metrics.New(),
		clock:   clock.System{},
	}
	repoOpts = append(repoOpts,
		aggregation.WithMetrics(s.metrics),
		aggregation.WithClock(s.clock),
		aggregation.WithLogger(slog.Default()),
	)

	s.repo, err = aggregation.New(ctx, backend, cfg.Repository.Name, repoOpts...)
	if err != nil {
		_ = backend.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open repository", err)
	}
	return s, nil
}

// resolve builds the producer for uri, sharing the session's database for
// table: endpoints.
func (s *session) resolve(ctx context.Context, uri string) (endpoint.Producer, error) {
	p, err := endpoint.Resolve(ctx, uri, endpoint.Deps{
		Backend: s.backend,
		Codec:   s.repo.Codec(),
		Clock:   s.clock,
		Logger:  slog.Default(),
		S3:      s.cfg.S3Config(),
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to resolve endpoint "+uri, err)
	}
	return p, nil
}

func (s *session) Close() {
	if err := s.backend.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}
