// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package loader

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/photond/services/daemon/registry"
)

// Method is one callable photon operation.
type Method func(ctx context.Context, args map[string]any, emit func(any)) (any, error)

// Photon is a ready-made Executable for Go-implemented photons. It carries
// named methods, a state bag that survives reloads and restarts, and an
// optional manifest for declarative job and webhook registration.
//
// Thread Safety: safe for concurrent use.
type Photon struct {
	mu       sync.Mutex
	methods  map[string]Method
	state    map[string]any
	manifest registry.Manifest
}

// NewPhoton creates an empty photon.
func NewPhoton() *Photon {
	return &Photon{
		methods: make(map[string]Method),
		state:   make(map[string]any),
	}
}

// Handle installs a method. Returns the photon for chaining.
func (p *Photon) Handle(name string, fn Method) *Photon {
	p.mu.Lock()
	p.methods[name] = fn
	p.mu.Unlock()
	return p
}

// DeclareJob adds a cron job to the photon's manifest.
func (p *Photon) DeclareJob(spec registry.JobSpec) *Photon {
	p.mu.Lock()
	p.manifest.Jobs = append(p.manifest.Jobs, spec)
	p.mu.Unlock()
	return p
}

// DeclareWebhook adds a webhook route to the photon's manifest.
func (p *Photon) DeclareWebhook(route registry.WebhookRoute) *Photon {
	p.mu.Lock()
	p.manifest.Webhooks = append(p.manifest.Webhooks, route)
	p.mu.Unlock()
	return p
}

// Get reads a state field.
func (p *Photon) Get(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.state[key]
	return v, ok
}

// Set writes a state field.
func (p *Photon) Set(key string, value any) {
	p.mu.Lock()
	p.state[key] = value
	p.mu.Unlock()
}

// Execute dispatches method, or fails with ErrUnknownMethod.
func (p *Photon) Execute(ctx context.Context, method string, args map[string]any, emit func(any)) (any, error) {
	p.mu.Lock()
	fn, ok := p.methods[method]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return fn(ctx, args, emit)
}

// ExportState snapshots the state bag.
func (p *Photon) ExportState() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]any, len(p.state))
	for k, v := range p.state {
		out[k] = v
	}
	return out
}

// ImportState merges a previous export into the state bag. Fields are copied
// shallowly and without shape validation.
func (p *Photon) ImportState(state map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range state {
		p.state[k] = v
	}
}

// Manifest returns the photon's declarative registrations.
func (p *Photon) Manifest() registry.Manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return registry.Manifest{
		Jobs:     append([]registry.JobSpec(nil), p.manifest.Jobs...),
		Webhooks: append([]registry.WebhookRoute(nil), p.manifest.Webhooks...),
	}
}
