// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry owns the daemon's loaded photon contexts and sessions.
//
// # Description
//
// Contexts are cached lazily under a composite key of photon name and a
// short hash of the working directory, so same-named photons in different
// projects do not collide while the common single-project case keeps plain
// names. The registry is the only gateway to the external loader: command
// dispatch, scheduled jobs, webhooks and hot reload all resolve instances
// here.
//
// Thread Safety:
//
//	Manager is safe for concurrent use.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultInstance is the instance every new session starts on.
const DefaultInstance = "default"

// Sentinel errors for the registry.
var (
	// ErrPathRequired indicates a photon that has never been loaded was
	// addressed without a photonPath.
	ErrPathRequired = errors.New("photon not initialized: photonPath required on first contact")

	// ErrUnknownInstance indicates `_use` or a command named an instance
	// that does not exist and could not be created.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrNotLoaded indicates no context exists for the photon.
	ErrNotLoaded = errors.New("photon not loaded")
)

// Session is a client's logical handle onto one loaded photon instance.
type Session struct {
	ID           string `json:"id"`
	ClientKind   string `json:"clientType,omitempty"`
	InstanceName string `json:"instanceName"`
	Instance     Executable
}

// UnitContext is the per-photon execution context the registry caches.
type UnitContext struct {
	Key        string
	Name       string
	Path       string
	WorkingDir string

	instances    map[string]Executable
	sessions     map[string]*Session
	lastActivity time.Time
	registered   bool
}

// ExecRequest is one command dispatch through the registry.
type ExecRequest struct {
	UnitName     string
	UnitPath     string
	WorkingDir   string
	SessionID    string
	ClientKind   string
	InstanceName string
	Method       string
	Args         map[string]any

	// Emit receives progress values and prompt requests while the method
	// runs. May be nil.
	Emit func(any)
}

// ExecResult carries the method result plus the session it ran under, so the
// caller can snapshot state afterwards.
type ExecResult struct {
	Value   any
	Unit    *UnitContext
	Session *Session
}

// Manager is the lazy unit registry.
type Manager struct {
	mu         sync.Mutex
	loader     Loader
	contexts   map[string]*UnitContext
	knownPaths map[string]string
	defaultDir string
	logger     *slog.Logger

	// onFirstLoad runs once per context when the loaded instance declares
	// a manifest; the daemon wires it to job and webhook auto-registration.
	onFirstLoad func(unit *UnitContext, m Manifest)

	// onWatch registers the photon's source file with the hot-reload
	// watcher.
	onWatch func(unitName, path string) error

	// seedState supplies a persisted snapshot for a freshly created
	// instance, or nil when none exists.
	seedState func(unitKey, instanceName string) map[string]any
}

// Config wires a Manager's collaborators.
type Config struct {
	Loader            Loader
	DefaultWorkingDir string
	Logger            *slog.Logger
	OnFirstLoad       func(unit *UnitContext, m Manifest)
	OnWatch           func(unitName, path string) error
	SeedState         func(unitKey, instanceName string) map[string]any
}

// NewManager creates an empty registry.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		loader:      cfg.Loader,
		contexts:    make(map[string]*UnitContext),
		knownPaths:  make(map[string]string),
		defaultDir:  cfg.DefaultWorkingDir,
		logger:      logger.With(slog.String("subsystem", "registry")),
		onFirstLoad: cfg.OnFirstLoad,
		onWatch:     cfg.OnWatch,
		seedState:   cfg.SeedState,
	}
}

// seed imports a persisted snapshot into a freshly created instance.
func (m *Manager) seed(unitKey, instanceName string, inst Executable) {
	if m.seedState == nil {
		return
	}
	carrier, ok := inst.(StateCarrier)
	if !ok {
		return
	}
	if state := m.seedState(unitKey, instanceName); state != nil {
		carrier.ImportState(state)
	}
}

// CompositeKey derives the registry key for a photon name and working
// directory. The default working directory keeps the bare name for backward
// compatibility; any other directory appends a short hash.
func CompositeKey(name, workingDir, defaultDir string) string {
	if workingDir == "" || workingDir == defaultDir {
		return name
	}
	sum := sha256.Sum256([]byte(workingDir))
	return name + "-" + hex.EncodeToString(sum[:])[:8]
}

func (m *Manager) key(name, workingDir string) string {
	return CompositeKey(name, workingDir, m.defaultDir)
}

// GetOrCreate returns the cached context for the photon, loading it on first
// contact.
//
// Description:
//
//	A cached context is returned as-is. Otherwise a source path is
//	required: the explicit path argument, or one remembered from an
//	earlier contact. Construction loads the instance through the external
//	loader, registers the file watch, and triggers one-time
//	auto-registration of the photon's declared jobs and webhook routes.
func (m *Manager) GetOrCreate(name, path, workingDir string) (*UnitContext, error) {
	m.mu.Lock()
	key := m.key(name, workingDir)
	if unit, ok := m.contexts[key]; ok {
		unit.lastActivity = time.Now()
		m.mu.Unlock()
		return unit, nil
	}

	if path == "" {
		path = m.knownPaths[key]
	}
	if path == "" {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPathRequired, name)
	}
	m.mu.Unlock()

	// Load outside the lock: loading may read the filesystem and must not
	// stall unrelated lookups.
	inst, err := m.loader.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading photon %s from %s: %w", name, path, err)
	}
	m.seed(key, DefaultInstance, inst)

	m.mu.Lock()
	if unit, ok := m.contexts[key]; ok {
		// Lost the construction race; the winner's context stands.
		unit.lastActivity = time.Now()
		m.mu.Unlock()
		return unit, nil
	}
	unit := &UnitContext{
		Key:          key,
		Name:         name,
		Path:         path,
		WorkingDir:   workingDir,
		instances:    map[string]Executable{DefaultInstance: inst},
		sessions:     make(map[string]*Session),
		lastActivity: time.Now(),
	}
	m.contexts[key] = unit
	m.knownPaths[key] = path

	var manifest Manifest
	var hasManifest bool
	if !unit.registered {
		unit.registered = true
		if mp, ok := inst.(ManifestProvider); ok {
			manifest = mp.Manifest()
			hasManifest = true
		}
	}
	m.mu.Unlock()

	m.logger.Info("photon context created",
		"photon", name,
		"key", key,
		"path", path)

	if m.onWatch != nil {
		if err := m.onWatch(name, path); err != nil {
			m.logger.Warn("failed to watch photon source",
				"photon", name,
				"path", path,
				"error", err)
		}
	}
	if hasManifest && m.onFirstLoad != nil {
		m.onFirstLoad(unit, manifest)
	}
	return unit, nil
}

// RememberPath records a source path for a photon that has no context yet,
// so a later contact can load it without an explicit photonPath.
func (m *Manager) RememberPath(name, workingDir, path string) {
	m.mu.Lock()
	m.knownPaths[m.key(name, workingDir)] = path
	m.mu.Unlock()
}

// GetOrCreateSession returns the session for sessionID on unit, creating it
// on the default instance when absent. Sessions are never deleted except on
// registry teardown.
func (m *Manager) GetOrCreateSession(unit *UnitContext, sessionID, clientKind string) *Session {
	if sessionID == "" {
		sessionID = DefaultInstance
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := unit.sessions[sessionID]; ok {
		return s
	}
	s := &Session{
		ID:           sessionID,
		ClientKind:   clientKind,
		InstanceName: DefaultInstance,
		Instance:     unit.instances[DefaultInstance],
	}
	unit.sessions[sessionID] = s
	return s
}

// SwitchInstance moves the session onto the named instance, creating the
// instance with a fresh load when it does not exist yet.
func (m *Manager) SwitchInstance(unit *UnitContext, sessionID, instanceName string) (*Session, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("%w: empty instance name", ErrUnknownInstance)
	}
	m.mu.Lock()
	session, ok := unit.sessions[sessionID]
	inst, exists := unit.instances[instanceName]
	path := unit.Path
	m.mu.Unlock()
	if !ok {
		session = m.GetOrCreateSession(unit, sessionID, "")
	}

	if !exists {
		fresh, err := m.loader.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrUnknownInstance, instanceName, err)
		}
		m.seed(unit.Key, instanceName, fresh)
		inst = fresh
	}

	m.mu.Lock()
	if existing, ok := unit.instances[instanceName]; ok {
		inst = existing
	} else {
		unit.instances[instanceName] = inst
	}
	session.InstanceName = instanceName
	session.Instance = inst
	m.mu.Unlock()
	return session, nil
}

// Instances lists the unit's named instances with session counts.
func (m *Manager) Instances(unit *UnitContext) []InstanceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int)
	for _, s := range unit.sessions {
		counts[s.InstanceName]++
	}
	out := make([]InstanceInfo, 0, len(unit.instances))
	for name, inst := range unit.instances {
		_, stateful := inst.(StateCarrier)
		out = append(out, InstanceInfo{
			Name:     name,
			Sessions: counts[name],
			Stateful: stateful,
		})
	}
	return out
}

// Execute resolves the photon and session for req and dispatches the method.
//
// The reserved methods `_use` and `_instances` are registry operations and
// never reach the loaded photon.
func (m *Manager) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	unit, err := m.GetOrCreate(req.UnitName, req.UnitPath, req.WorkingDir)
	if err != nil {
		return ExecResult{}, err
	}
	session := m.GetOrCreateSession(unit, req.SessionID, req.ClientKind)

	switch req.Method {
	case "_use":
		name := req.InstanceName
		if v, ok := req.Args["instanceName"].(string); ok && v != "" {
			name = v
		}
		session, err := m.SwitchInstance(unit, session.ID, name)
		if err != nil {
			return ExecResult{}, err
		}
		return ExecResult{
			Value:   map[string]any{"instanceName": session.InstanceName},
			Unit:    unit,
			Session: session,
		}, nil

	case "_instances":
		return ExecResult{
			Value:   m.Instances(unit),
			Unit:    unit,
			Session: session,
		}, nil
	}

	if req.InstanceName != "" && req.InstanceName != session.InstanceName {
		session, err = m.SwitchInstance(unit, session.ID, req.InstanceName)
		if err != nil {
			return ExecResult{}, err
		}
	}

	value, err := m.loader.ExecuteTool(ctx, session.Instance, req.Method, req.Args, req.Emit)
	m.mu.Lock()
	unit.lastActivity = time.Now()
	m.mu.Unlock()
	if err != nil {
		return ExecResult{Unit: unit, Session: session}, err
	}
	return ExecResult{Value: value, Unit: unit, Session: session}, nil
}

// Lookup returns the context for a photon name under the given working
// directory, if one exists.
func (m *Manager) Lookup(name, workingDir string) (*UnitContext, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	unit, ok := m.contexts[m.key(name, workingDir)]
	return unit, ok
}

// Sessions returns a snapshot of the unit's sessions.
func (m *Manager) Sessions(unit *UnitContext) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(unit.sessions))
	for _, s := range unit.sessions {
		out = append(out, s)
	}
	return out
}

// LastActivity reports the most recent activity across all contexts. The
// idle-shutdown check consults this.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	for _, unit := range m.contexts {
		if unit.lastActivity.After(latest) {
			latest = unit.lastActivity
		}
	}
	return latest
}

// DestroyAll drops every context and session. Called on daemon shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts = make(map[string]*UnitContext)
}
