// Package app assembles the engine, relay and policy source from config.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"plangate/internal/config"
	"plangate/internal/db"
	"plangate/internal/engine"
	"plangate/internal/executor"
	"plangate/internal/outbox"
	"plangate/internal/policy"
	"plangate/internal/repo"
)

// App is a wired plangate instance.
type App struct {
	Config *config.Config
	Repo   repo.Repo
	Policy policy.Source
	Engine *engine.Engine
	Relay  *outbox.Relay

	watcher *policy.FileSource
}

// Build wires an App over an open, migrated database. exec may be nil for
// processes that never dispatch (CLI inspection commands).
func Build(cfg *config.Config, conn *sql.DB, dialect db.Dialect, exec engine.Executor, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Repo: repo.Repo{DB: conn, Dialect: dialect}}

	if cfg.Policy.File != "" {
		fs, err := policy.NewFileSource(cfg.Policy.File, logger)
		if err != nil {
			return nil, fmt.Errorf("load policy file: %w", err)
		}
		a.Policy, a.watcher = fs, fs
	} else {
		a.Policy = policy.Static(cfg.Policy.Policy)
	}

	pub, err := Publisher(cfg.Bus, logger)
	if err != nil {
		return nil, err
	}
	a.Engine = engine.New(conn, dialect, a.Policy, exec, EngineConfig(cfg.Scheduler), logger)
	a.Relay = outbox.NewRelay(a.Repo, pub, RelayConfig(cfg.Relay), logger)
	return a, nil
}

// WatchPolicy reloads a file-backed policy until ctx is done. It returns
// immediately for an inline policy.
func (a *App) WatchPolicy(ctx context.Context) error {
	if a.watcher == nil {
		return nil
	}
	return a.watcher.Watch(ctx)
}

func EngineConfig(s config.Scheduler) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.ApprovalTimeout = s.ApprovalTimeout
	cfg.ExecutionTimeout = s.ExecutionTimeout
	cfg.SweepInterval = s.SweepInterval
	cfg.MaxParallel = s.MaxParallel
	return cfg
}

func RelayConfig(r config.Relay) outbox.RelayConfig {
	return outbox.RelayConfig{
		BatchSize:      r.BatchSize,
		PollInterval:   r.PollInterval,
		PublishTimeout: r.PublishTimeout,
		ClaimTimeout:   r.ClaimTimeout,
		MaxRetries:     r.MaxRetries,
		Backoff:        outbox.Backoff{Base: r.BaseBackoff, Max: r.MaxBackoff, Jitter: r.Jitter},
		RatePerSecond:  r.RatePerSecond,
	}
}

// Publisher builds the bus publisher named by b.Kind.
func Publisher(b config.Bus, logger *slog.Logger) (outbox.Publisher, error) {
	switch b.Kind {
	case "", "log":
		return outbox.LogPublisher{Logger: logger}, nil
	case "webhook":
		if b.URL == "" {
			return nil, fmt.Errorf("webhook bus requires a url")
		}
		return outbox.WebhookPublisher{URL: b.URL, Secret: b.Secret, Timeout: b.Timeout, Events: b.Events}, nil
	}
	return nil, fmt.Errorf("unknown bus kind %q", b.Kind)
}

// Executor builds the tool executor named by x.Kind.
func Executor(x config.Executor, logger *slog.Logger) (engine.Executor, error) {
	switch x.Kind {
	case "", "echo":
		return executor.Echo{Logger: logger}, nil
	case "http":
		if x.URL == "" {
			return nil, fmt.Errorf("http executor requires a url")
		}
		return executor.HTTP{URL: x.URL, Token: x.Token, Timeout: x.Timeout}, nil
	}
	return nil, fmt.Errorf("unknown executor kind %q", x.Kind)
}
