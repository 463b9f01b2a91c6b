package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/livebridge/internal/config"
	"github.com/ent0n29/livebridge/internal/history"
	"github.com/ent0n29/livebridge/internal/httpapi"
	"github.com/ent0n29/livebridge/internal/observability"
	"github.com/ent0n29/livebridge/internal/session"
	"github.com/ent0n29/livebridge/internal/upstream"
)

type UpstreamInfo struct {
	Provider string
	Model    string
	Detail   string
}

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Registry  *session.Registry
	Sweeper   *session.Sweeper
	Connector upstream.Connector
	History   history.Store
	Metrics   *observability.Metrics
	Upstream  UpstreamInfo

	// Cleanup releases external resources (DB pool). Call it after sessions are stopped.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	setup, err := resolveConnector(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := session.NewRegistry(cfg.MaxSessions, logger)
	registry.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvent("expired")
		logger.Info("live session expired", "session_id", s.ID, "idle_timeout", cfg.SessionIdleTimeout.String())
	})

	sweeper := session.NewSweeper(registry, cfg.SweepInterval, cfg.SessionIdleTimeout, logger)
	sweeper.OnSweep(func(ids []string) {
		if len(ids) > 0 {
			metrics.SetActiveSessions(registry.ActiveCount())
		}
	})

	api := httpapi.New(cfg, registry, setup.connector, store, metrics, logger)

	cleanup := func() error {
		sweeper.Stop()
		var errs []error
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history store close: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Registry:  registry,
		Sweeper:   sweeper,
		Connector: setup.connector,
		History:   store,
		Metrics:   metrics,
		Upstream: UpstreamInfo{
			Provider: setup.provider,
			Model:    setup.model,
			Detail:   setup.detail,
		},
		Cleanup: cleanup,
	}, nil
}
