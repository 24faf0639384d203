// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist snapshots photon state to disk.
//
// After each successfully executed command the daemon saves the state fields
// of stateful instances to one JSON file per (photon, instance), so a daemon
// restart or reload can seed new instances with where they left off.
package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Store writes snapshots under one base directory.
//
// Thread Safety: safe for concurrent use; writes to distinct files may
// interleave, writes to the same file are atomic via rename.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a store rooted at dir. The directory is created lazily on
// first save.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With(slog.String("subsystem", "persist")),
	}
}

// Path returns the snapshot file for one (photon, instance) pair.
func (s *Store) Path(unitKey, instanceName string) string {
	return filepath.Join(s.dir, sanitize(unitKey), sanitize(instanceName)+".json")
}

// Save writes the state snapshot, creating parent directories as needed.
func (s *Store) Save(unitKey, instanceName string, state map[string]any) error {
	path := s.Path(unitKey, instanceName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing state for %s/%s: %w", unitKey, instanceName, err)
	}

	// Write-then-rename so a crash mid-write never corrupts the previous
	// snapshot.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publishing state snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot back. A missing snapshot returns (nil, nil).
func (s *Store) Load(unitKey, instanceName string) (map[string]any, error) {
	data, err := os.ReadFile(s.Path(unitKey, instanceName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state snapshot: %w", err)
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing state snapshot for %s/%s: %w", unitKey, instanceName, err)
	}
	return state, nil
}

// Seed is Load with failures demoted to a log line, shaped for the
// registry's seed hook: a photon must still load when its snapshot is
// unreadable.
func (s *Store) Seed(unitKey, instanceName string) map[string]any {
	state, err := s.Load(unitKey, instanceName)
	if err != nil {
		s.logger.Warn("ignoring unreadable state snapshot",
			"photon", unitKey,
			"instance", instanceName,
			"error", err)
		return nil
	}
	return state
}

// sanitize keeps snapshot file names inside the store directory regardless
// of what characters a key contains.
func sanitize(name string) string {
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
}
