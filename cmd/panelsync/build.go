package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/agentworkforce/panelsync/internal/config"
	"github.com/agentworkforce/panelsync/internal/gateway"
	"github.com/agentworkforce/panelsync/internal/hydrate"
	"github.com/agentworkforce/panelsync/internal/localstore"
	"github.com/agentworkforce/panelsync/internal/logging"
	"github.com/agentworkforce/panelsync/internal/offlinequeue"
	"github.com/agentworkforce/panelsync/internal/snapshot"
	"github.com/agentworkforce/panelsync/internal/telemetry"
	"github.com/agentworkforce/panelsync/internal/versions"
	"github.com/agentworkforce/panelsync/internal/workspace"
)

// app is one fully wired workspace: local storage, backing store, queue,
// hydrator and session, plus the telemetry fan-out.
type app struct {
	cfg       config.Config
	log       *logging.Logger
	local     localstore.Store
	gateway   gateway.Gateway
	failover  *gateway.Failover
	versions  *versions.Store
	snapshots *snapshot.Cache
	queue     *offlinequeue.Queue
	hydrator  *hydrate.Orchestrator
	session   *workspace.Session
	emitter   *telemetry.Emitter
	hub       *telemetry.Hub
	redis     *redis.Client
}

func buildApp(ctx context.Context, cfg config.Config, logOut io.Writer) (*app, error) {
	log, err := logging.New().
		FromWriter(logOut).
		FromPath(cfg.Logging.Path).
		Level(logging.ParseLevel(cfg.Logging.Level)).
		Console(cfg.Logging.Console).
		Make()
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	a := &app{cfg: cfg, log: log, hub: telemetry.NewHub()}
	logger := log.Logger

	sinks := []telemetry.Sink{a.hub}
	if cfg.Telemetry.Log {
		sinks = append(sinks, telemetry.LogSink{Logger: logger.With().Str("component", "events").Logger()})
	}
	if raw := strings.TrimSpace(cfg.Telemetry.RedisURL); raw != "" {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("parse telemetry redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		sinks = append(sinks, telemetry.NewRedisSink(a.redis, cfg.Telemetry.RedisChannel))
	}
	a.emitter = telemetry.NewEmitter(telemetry.Options{Buffer: cfg.Telemetry.Buffer, Logger: logger}, sinks...)

	a.local, err = localstore.BuildFromDSN(cfg.Local.DSN)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open local store: %w", err)
	}

	backing, failover, err := gateway.OpenStack(ctx, gateway.StackConfig{
		PrimaryDSN:   cfg.Backing.PrimaryDSN,
		SecondaryDSN: cfg.Backing.SecondaryDSN,
		LogDSN:       cfg.Backing.ReplicationLogDSN,
		Logger:       logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.gateway = gateway.WithTimeout(backing, cfg.Backing.Timeout.Duration)
	a.failover = failover

	a.versions = versions.NewStore(a.local, logger)
	a.snapshots = snapshot.NewCache(a.local, snapshot.Options{Logger: logger})
	a.queue, err = offlinequeue.New(ctx, a.local, a.gateway, a.versions, a.snapshots, offlinequeue.Options{
		Logger:         logger,
		Telemetry:      a.emitter,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay.Duration,
		RetryMaxDelay:  cfg.Queue.RetryMaxDelay.Duration,
		FlushParallel:  cfg.Queue.FlushParallel,
		ConflictPolicy: cfg.ConflictPolicy(),
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("load offline queue: %w", err)
	}
	a.hydrator = hydrate.New(a.gateway, a.versions, a.snapshots, hydrate.Options{
		Logger:         logger,
		Telemetry:      a.emitter,
		Restore:        cfg.RestorePolicy(),
		TTL:            cfg.Snapshot.TTL.Duration,
		Parallel:       cfg.Hydration.Parallel,
		RefreshTimeout: cfg.Hydration.RefreshTimeout.Duration,
	})
	a.session, err = workspace.NewSession(workspace.Deps{
		Gateway:   a.gateway,
		Local:     a.local,
		Versions:  a.versions,
		Snapshots: a.snapshots,
		Queue:     a.queue,
		Hydrator:  a.hydrator,
		Failover:  a.failover,
	}, workspace.Options{
		Logger:           logger,
		Telemetry:        a.emitter,
		CameraDebounce:   cfg.Camera.Debounce.Duration,
		SnapshotDebounce: cfg.Snapshot.Debounce.Duration,
		MinZoom:          cfg.Camera.MinZoom,
		MaxZoom:          cfg.Camera.MaxZoom,
		ManualFlush:      cfg.Queue.ManualFlush,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close shuts the pieces down in reverse order of construction.
func (a *app) Close() error {
	var errs []error
	if a.session != nil {
		errs = append(errs, a.session.Close())
	}
	if a.hydrator != nil {
		a.hydrator.Wait()
	}
	if a.emitter != nil {
		a.emitter.Close()
	}
	if a.gateway != nil {
		errs = append(errs, a.gateway.Close())
	}
	if a.local != nil {
		errs = append(errs, a.local.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}
