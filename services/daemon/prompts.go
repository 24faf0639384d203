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
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// promptTimeout bounds how long a photon waits for an interactive answer.
// Without it a client that never answers would leak the resolver and keep
// its command in flight forever.
const promptTimeout = 5 * time.Minute

// pendingPrompt is one outstanding interactive input request, keyed by the
// originating command's correlation id.
type pendingPrompt struct {
	connID string
	reply  chan json.RawMessage
	timer  *time.Timer
}

// promptTable tracks prompts awaiting a prompt_response line.
//
// Thread Safety: safe for concurrent use.
type promptTable struct {
	mu      sync.Mutex
	pending map[string]*pendingPrompt
	logger  *slog.Logger
}

func newPromptTable(logger *slog.Logger) *promptTable {
	return &promptTable{
		pending: make(map[string]*pendingPrompt),
		logger:  logger,
	}
}

// register remembers a prompt resolver. A second prompt under the same
// command id replaces the first; the displaced resolver is closed so the
// waiting photon unblocks with no answer.
func (p *promptTable) register(requestID, connID string, reply chan json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prior, ok := p.pending[requestID]; ok {
		prior.timer.Stop()
		close(prior.reply)
	}
	entry := &pendingPrompt{connID: connID, reply: reply}
	entry.timer = time.AfterFunc(promptTimeout, func() {
		p.expire(requestID, entry)
	})
	p.pending[requestID] = entry
}

// resolve answers a prompt. Returns false when no prompt is outstanding
// under that id.
func (p *promptTable) resolve(requestID string, value json.RawMessage) bool {
	p.mu.Lock()
	entry, ok := p.pending[requestID]
	if ok {
		delete(p.pending, requestID)
		entry.timer.Stop()
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.reply <- value
	return true
}

// dropConn rejects every prompt belonging to a disconnected client.
func (p *promptTable) dropConn(connID string) {
	p.mu.Lock()
	var orphaned []*pendingPrompt
	for id, entry := range p.pending {
		if entry.connID == connID {
			delete(p.pending, id)
			entry.timer.Stop()
			orphaned = append(orphaned, entry)
		}
	}
	p.mu.Unlock()
	for _, entry := range orphaned {
		close(entry.reply)
	}
	if len(orphaned) > 0 {
		p.logger.Info("rejected prompts for disconnected client",
			"conn", connID, "count", len(orphaned))
	}
}

func (p *promptTable) expire(requestID string, entry *pendingPrompt) {
	p.mu.Lock()
	current, ok := p.pending[requestID]
	if ok && current == entry {
		delete(p.pending, requestID)
	}
	p.mu.Unlock()
	if ok && current == entry {
		close(entry.reply)
		p.logger.Warn("prompt timed out", "requestId", requestID)
	}
}
