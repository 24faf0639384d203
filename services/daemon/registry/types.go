// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"encoding/json"
)

// Executable is the capability the daemon needs from a loaded photon
// instance: dispatch a named method with arguments and an optional emission
// callback. The daemon never reflects over instances; dynamic dispatch stays
// behind this interface.
type Executable interface {
	Execute(ctx context.Context, method string, args map[string]any, emit func(any)) (any, error)
}

// StateCarrier is an optional capability of photon instances that accumulate
// state worth preserving across hot reloads and daemon restarts.
//
// ImportState is intentionally loose: it copies whatever fields the old
// instance exported, without validating them against the new instance's
// shape. A photon whose state layout changed can end up carrying stale
// fields; that matches the transplant semantics photond promises.
type StateCarrier interface {
	// ExportState returns the instance's state fields by name.
	ExportState() map[string]any

	// ImportState overwrites the instance's state fields from a previous
	// export. Unknown fields are kept or dropped at the instance's
	// discretion.
	ImportState(state map[string]any)
}

// JobSpec is a cron job a photon declares in its own metadata.
type JobSpec struct {
	ID     string         `json:"id"`
	Cron   string         `json:"cron"`
	Method string         `json:"method"`
	Args   map[string]any `json:"args,omitempty"`
}

// WebhookRoute is an HTTP route a photon declares in its own metadata. Only
// declared routes are reachable through the webhook gateway when a photon
// declares any.
type WebhookRoute struct {
	// Path is the route segment after /webhook/{photon}/.
	Path string `json:"path"`

	// Method is the photon method the route maps to.
	Method string `json:"method"`

	// Description is surfaced in error bodies listing valid routes.
	Description string `json:"description,omitempty"`
}

// Manifest carries a photon's declarative registrations.
type Manifest struct {
	Jobs     []JobSpec      `json:"jobs,omitempty"`
	Webhooks []WebhookRoute `json:"webhooks,omitempty"`
}

// ManifestProvider is an optional capability of photon instances that
// declare jobs or webhook routes. The registry auto-registers these once per
// unit context on first load.
type ManifestProvider interface {
	Manifest() Manifest
}

// Loader produces and refreshes photon instances from source paths. It is
// the seam to the external session manager; the daemon core never inspects
// photon source itself.
type Loader interface {
	// LoadFile constructs a fresh instance from the photon source at path.
	LoadFile(path string) (Executable, error)

	// ReloadFile invalidates any loader-side caches for path so the next
	// LoadFile observes the changed source.
	ReloadFile(path string) error

	// ExecuteTool runs a named method on inst. The emit callback, when
	// non-nil, receives progress values and prompt requests while the
	// method runs.
	ExecuteTool(ctx context.Context, inst Executable, method string, args map[string]any, emit func(any)) (any, error)
}

// PromptRequest is emitted by a photon method that needs interactive input
// from the calling client. The daemon forwards the prompt over the wire and
// feeds the matching prompt_response into Reply. A closed Reply means the
// client disconnected or the prompt timed out.
type PromptRequest struct {
	Prompt string
	Reply  chan json.RawMessage
}

// NewPromptRequest creates a prompt with a buffered reply channel so the
// resolver never blocks on a photon that gave up waiting.
func NewPromptRequest(prompt string) *PromptRequest {
	return &PromptRequest{
		Prompt: prompt,
		Reply:  make(chan json.RawMessage, 1),
	}
}

// InstanceInfo is the `_instances` listing entry for one named instance.
type InstanceInfo struct {
	Name     string `json:"name"`
	Sessions int    `json:"sessions"`
	Stateful bool   `json:"stateful"`
}
