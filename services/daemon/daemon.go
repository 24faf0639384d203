// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package daemon assembles photond: the socket server, the pub/sub bus,
// the lock manager, the job scheduler, the unit registry, hot reload, state
// persistence and the optional webhook gateway, behind one Daemon value.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/photond/services/daemon/bus"
	"github.com/AleutianAI/photond/services/daemon/config"
	"github.com/AleutianAI/photond/services/daemon/lock"
	"github.com/AleutianAI/photond/services/daemon/persist"
	"github.com/AleutianAI/photond/services/daemon/registry"
	"github.com/AleutianAI/photond/services/daemon/schedule"
	"github.com/AleutianAI/photond/services/daemon/watch"
	"github.com/AleutianAI/photond/services/daemon/webhook"
)

// Daemon owns every runtime service. All cross-request state lives here;
// nothing in the package is a global.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	events  *bus.Bus
	locks   *lock.Manager
	sched   *schedule.Scheduler
	units   *registry.Manager
	watcher *watch.Watcher
	store   *persist.Store
	gateway *webhook.Gateway
	prompts *promptTable
	server  *server

	mu         sync.Mutex
	routeTable map[string][]registry.WebhookRoute

	activity chan struct{}
	stop     context.CancelFunc
	stopOnce sync.Once
}

// New wires the daemon together. loader is the seam that turns photon
// source paths into executable instances.
func New(cfg config.Config, loader registry.Loader, logger *slog.Logger) (*Daemon, error) {
	d := &Daemon{
		cfg:        cfg,
		logger:     logger.With(slog.String("subsystem", "daemon")),
		events:     bus.New(logger),
		locks:      lock.NewManager(logger),
		store:      persist.NewStore(cfg.StateDir, logger),
		prompts:    newPromptTable(logger),
		routeTable: make(map[string][]registry.WebhookRoute),
		activity:   make(chan struct{}, 1),
	}
	d.sched = schedule.NewScheduler(d, d.events, logger)

	watcher, err := watch.New(d.reloadFromWatch, logger)
	if err != nil {
		return nil, fmt.Errorf("starting file watcher: %w", err)
	}
	d.watcher = watcher

	d.units = registry.NewManager(registry.Config{
		Loader:            loader,
		DefaultWorkingDir: cfg.PhotonDir,
		Logger:            logger,
		OnFirstLoad:       d.autoRegister,
		OnWatch:           watcher.Watch,
		SeedState:         d.store.Seed,
	})

	if cfg.Webhook.Port != 0 {
		d.gateway = webhook.New(webhook.Config{
			Port:                 cfg.Webhook.Port,
			Secret:               cfg.Webhook.Secret,
			AllowUnauthenticated: cfg.Webhook.AllowUnauthenticated,
			RatePerSecond:        cfg.Webhook.RatePerSecond,
			Burst:                cfg.Webhook.Burst,
		}, d, d, d.events, logger)
	}

	d.server = newServer(cfg.SocketPath, d, logger)
	return d, nil
}

// Run serves until ctx is cancelled, a shutdown request arrives, or a
// listener fails. The socket file is removed on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.stop = cancel
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.listen(ctx) })
	if d.gateway != nil {
		g.Go(func() error { return d.gateway.Start() })
	}
	g.Go(func() error {
		d.idleLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		d.shutdown()
		return nil
	})

	d.logger.Info("photond running",
		"socket", d.cfg.SocketPath,
		"webhookPort", d.cfg.Webhook.Port,
		"idleTimeout", d.cfg.IdleTimeout)

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown requests a graceful stop. Safe to call from any goroutine.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() {
		if d.stop != nil {
			d.stop()
		}
	})
}

// shutdown tears the services down in dependency order: stop taking work,
// stop timers, then destroy unit state.
func (d *Daemon) shutdown() {
	d.logger.Info("photond shutting down")
	if d.gateway != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.gateway.Shutdown(ctx)
		cancel()
	}
	d.server.close()
	d.watcher.Close()
	d.sched.Close()
	d.locks.Close()
	d.units.DestroyAll()
}

// touch resets the idle clock. Called on every request received.
func (d *Daemon) touch() {
	select {
	case d.activity <- struct{}{}:
	default:
	}
}

// idleLoop shuts the daemon down after IdleTimeout with no requests, unless
// a client still holds a live subscription.
func (d *Daemon) idleLoop(ctx context.Context) {
	if d.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return
	}
	timer := time.NewTimer(d.cfg.IdleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.activity:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(d.cfg.IdleTimeout)
		case <-timer.C:
			if d.events.HasSubscribers() {
				// Clients are listening; stay up and check again later.
				timer.Reset(d.cfg.IdleTimeout)
				continue
			}
			d.logger.Info("idle timeout reached, shutting down",
				"idleTimeout", d.cfg.IdleTimeout)
			d.Shutdown()
			return
		}
	}
}

// autoRegister runs once per unit context on first load: declared jobs go
// to the scheduler, declared webhook routes into the gateway's route table.
func (d *Daemon) autoRegister(unit *registry.UnitContext, m registry.Manifest) {
	for _, spec := range m.Jobs {
		id := spec.ID
		if id == "" {
			id = unit.Name + ":" + spec.Method
		}
		if d.sched.Has(id) {
			continue
		}
		if _, err := d.sched.Schedule(schedule.JobRequest{
			ID:         id,
			Method:     spec.Method,
			Args:       spec.Args,
			Cron:       spec.Cron,
			UnitName:   unit.Name,
			WorkingDir: unit.WorkingDir,
			CreatedBy:  "manifest",
		}); err != nil {
			d.logger.Warn("skipping declared job with invalid cron",
				"photon", unit.Name, "job", id, "error", err)
		}
	}
	if len(m.Webhooks) > 0 {
		d.mu.Lock()
		d.routeTable[unit.Name] = m.Webhooks
		d.mu.Unlock()
	}
}

// WebhookRoutes implements webhook.RouteSource.
func (d *Daemon) WebhookRoutes(photon string) ([]registry.WebhookRoute, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	routes, ok := d.routeTable[photon]
	return routes, ok
}

// Execute implements webhook.Executor: dispatch through the registry, then
// snapshot state on success like any other successful command.
func (d *Daemon) Execute(ctx context.Context, req registry.ExecRequest) (registry.ExecResult, error) {
	d.touch()
	result, err := d.units.Execute(ctx, req)
	if err != nil {
		return result, err
	}
	d.snapshot(result)
	return result, nil
}

// RunJob implements schedule.Runner on top of the unit registry.
func (d *Daemon) RunJob(ctx context.Context, info schedule.RunInfo) error {
	if _, ok := d.units.Lookup(info.UnitName, info.WorkingDir); !ok {
		return schedule.ErrUnitNotReady
	}
	result, err := d.units.Execute(ctx, registry.ExecRequest{
		UnitName:   info.UnitName,
		WorkingDir: info.WorkingDir,
		SessionID:  "scheduler",
		ClientKind: "scheduler",
		Method:     info.Method,
		Args:       info.Args,
	})
	if err != nil {
		return err
	}
	d.snapshot(result)
	return nil
}

// reloadFromWatch is the watcher's callback: a content change on a watched
// photon source triggers a hot reload keeping the original path.
func (d *Daemon) reloadFromWatch(unitName, path string) error {
	return d.reload(unitName, path)
}

// reload hot-swaps a photon and announces the result. Never crashes the
// daemon; failures are logged and the previous instances stay live.
func (d *Daemon) reload(unitName, path string) error {
	updated, err := d.units.Reload(unitName, path)
	if err != nil {
		d.logger.Error("photon reload failed", "photon", unitName, "error", err)
		return err
	}
	d.events.Publish("photons:"+unitName, map[string]any{
		"event":           "photon-reloaded",
		"photonName":      unitName,
		"sessionsUpdated": updated,
		"timestamp":       time.Now().UnixMilli(),
	}, "")
	d.logger.Info("photon reloaded", "photon", unitName, "sessionsUpdated", updated)
	return nil
}

// snapshot persists the state of the instance a command just ran on.
func (d *Daemon) snapshot(result registry.ExecResult) {
	if result.Unit == nil || result.Session == nil {
		return
	}
	carrier, ok := result.Session.Instance.(registry.StateCarrier)
	if !ok {
		return
	}
	state := carrier.ExportState()
	if len(state) == 0 {
		return
	}
	if err := d.store.Save(result.Unit.Key, result.Session.InstanceName, state); err != nil {
		d.logger.Warn("state snapshot failed",
			"photon", result.Unit.Key,
			"instance", result.Session.InstanceName,
			"error", err)
	}
}
