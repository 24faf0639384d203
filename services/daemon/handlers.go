// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package daemon

import (
	"context"
	"time"

	"github.com/AleutianAI/photond/services/daemon/registry"
	"github.com/AleutianAI/photond/services/daemon/schedule"
)

// handle dispatches one parsed request. Every path answers with a
// structured response except prompt_response, which is deliberately
// response-less.
func (d *Daemon) handle(c *clientConn, req Request) {
	switch req.Type {
	case TypePing:
		c.send(Response{Type: TypePong, ID: req.ID})

	case TypeShutdown:
		c.send(resultResponse(req.ID, map[string]any{"shuttingDown": true}))
		d.Shutdown()

	case TypeCommand:
		d.handleCommand(c, req)

	case TypePromptResponse:
		if !d.prompts.resolve(req.ID, req.Value) {
			d.logger.Warn("prompt_response with no pending prompt", "requestId", req.ID)
		}

	case TypeReload:
		d.handleReload(c, req)

	case TypeSubscribe:
		d.handleSubscribe(c, req)

	case TypeUnsubscribe:
		d.events.Unsubscribe(req.Channel, c.id)
		c.send(resultResponse(req.ID, map[string]any{"unsubscribed": req.Channel}))

	case TypePublish:
		if req.Channel == "" {
			c.send(errorResponse(req.ID, "publish requires a channel"))
			return
		}
		delivered := d.events.Publish(req.Channel, req.Message, c.id)
		c.send(resultResponse(req.ID, map[string]any{"delivered": delivered}))

	case TypeEventsSince:
		if req.Channel == "" {
			c.send(errorResponse(req.ID, "get_events_since requires a channel"))
			return
		}
		c.send(resultResponse(req.ID, d.events.EventsSince(req.Channel, req.Since)))

	case TypeLock:
		d.handleLock(c, req)

	case TypeUnlock:
		if req.Name == "" {
			c.send(errorResponse(req.ID, "unlock requires a name"))
			return
		}
		c.send(resultResponse(req.ID, d.locks.Release(req.Name, d.holderFor(c, req))))

	case TypeListLocks:
		c.send(resultResponse(req.ID, d.locks.List()))

	case TypeSchedule:
		d.handleSchedule(c, req)

	case TypeUnschedule:
		if req.JobID == "" {
			c.send(errorResponse(req.ID, "unschedule requires a jobId"))
			return
		}
		removed := d.sched.Unschedule(req.JobID)
		c.send(resultResponse(req.ID, map[string]any{"unscheduled": removed}))

	case TypeListJobs:
		c.send(resultResponse(req.ID, d.sched.Jobs()))

	default:
		c.send(errorResponse(req.ID, "unknown request type: "+req.Type))
	}
}

// holderFor defaults a lock holder to the connection identity so clients
// that do not name themselves still get renewal semantics per connection.
func (d *Daemon) holderFor(c *clientConn, req Request) string {
	if req.Holder != "" {
		return req.Holder
	}
	return c.id
}

func (d *Daemon) handleLock(c *clientConn, req Request) {
	if req.Name == "" {
		c.send(errorResponse(req.ID, "lock requires a name"))
		return
	}
	ttl := time.Duration(req.TTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c.send(resultResponse(req.ID, d.locks.Acquire(req.Name, d.holderFor(c, req), ttl)))
}

// handleCommand runs one photon method. Progress values the photon emits
// stream to the session's output channel; an interactive prompt turns into
// a prompt response the client answers with prompt_response.
func (d *Daemon) handleCommand(c *clientConn, req Request) {
	if req.PhotonName == "" || req.Method == "" {
		c.send(errorResponse(req.ID, "command requires photonName and method"))
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = "default"
	}

	emit := func(v any) {
		if prompt, ok := v.(*registry.PromptRequest); ok {
			d.prompts.register(req.ID, c.id, prompt.Reply)
			c.send(Response{Type: TypePrompt, ID: req.ID, Prompt: prompt.Prompt})
			return
		}
		d.events.Publish("output:"+sessionID, v, "")
	}

	start := time.Now()
	result, err := d.units.Execute(context.Background(), registry.ExecRequest{
		UnitName:     req.PhotonName,
		UnitPath:     req.PhotonPath,
		WorkingDir:   req.WorkingDir,
		SessionID:    sessionID,
		ClientKind:   req.ClientType,
		InstanceName: req.InstanceName,
		Method:       req.Method,
		Args:         req.Args,
		Emit:         emit,
	})
	commandDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.send(errorResponse(req.ID, err.Error()))
		return
	}
	d.snapshot(result)
	c.send(resultResponse(req.ID, result.Value))
}

// handleReload is the operator-triggered reload path. It also closes the
// watcher's circuit breaker so a previously failing photon gets watched
// again.
func (d *Daemon) handleReload(c *clientConn, req Request) {
	if req.PhotonName == "" {
		c.send(errorResponse(req.ID, "reload requires photonName"))
		return
	}
	path := req.PhotonPath
	if path == "" {
		if unit, ok := d.units.Lookup(req.PhotonName, req.WorkingDir); ok {
			path = unit.Path
		}
	}
	if path == "" {
		c.send(errorResponse(req.ID, "reload requires photonPath for a photon that was never loaded"))
		return
	}

	d.watcher.Reset(req.PhotonName)
	if err := d.reload(req.PhotonName, path); err != nil {
		c.send(errorResponse(req.ID, err.Error()))
		return
	}
	if err := d.watcher.Watch(req.PhotonName, path); err != nil {
		d.logger.Warn("re-establishing watch failed", "photon", req.PhotonName, "error", err)
	}
	c.send(resultResponse(req.ID, map[string]any{"reloaded": req.PhotonName}))
}

// handleSubscribe registers the connection and replays missed events when
// the client supplies its last seen timestamp. A cursor older than the
// retention window, including an explicit 0, gets refresh_needed instead of
// a partial replay; a request without the field subscribes with no catch-up.
func (d *Daemon) handleSubscribe(c *clientConn, req Request) {
	if req.Channel == "" {
		c.send(errorResponse(req.ID, "subscribe requires a channel"))
		return
	}
	if req.LastSeenTimestamp == nil {
		d.events.Subscribe(req.Channel, c)
		c.send(resultResponse(req.ID, map[string]any{"subscribed": req.Channel}))
		return
	}

	c.send(resultResponse(req.ID, map[string]any{"subscribed": req.Channel}))
	refreshNeeded, _ := d.events.SubscribeWithReplay(req.Channel, c, *req.LastSeenTimestamp)
	if refreshNeeded {
		c.send(Response{Type: TypeRefreshNeeded, ID: req.ID, Channel: req.Channel})
	}
}

func (d *Daemon) handleSchedule(c *clientConn, req Request) {
	if req.PhotonName == "" {
		c.send(errorResponse(req.ID, "schedule requires photonName"))
		return
	}
	job, err := d.sched.Schedule(schedule.JobRequest{
		ID:         req.JobID,
		Method:     req.Method,
		Args:       req.Args,
		Cron:       req.Cron,
		UnitName:   req.PhotonName,
		WorkingDir: req.WorkingDir,
		CreatedBy:  c.id,
	})
	if err != nil {
		c.send(errorResponse(req.ID, err.Error()))
		return
	}
	c.send(resultResponse(req.ID, job))
}
