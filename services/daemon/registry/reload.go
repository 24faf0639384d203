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

import "fmt"

// Reload swaps in fresh instances for every context of the named photon,
// transplanting accumulated state from the old instances.
//
// Description:
//
//	With no context loaded yet there is nothing to migrate: the path is
//	remembered for the next contact and the call succeeds with zero
//	sessions updated. Otherwise the loader's caches for the path are
//	invalidated, every named instance is rebuilt from the new source, old
//	state is carried over through the StateCarrier capability, and live
//	sessions are pointed at the rebuilt instance of their unchanged
//	instance name.
//
// Outputs:
//   - int: Number of live sessions whose instance was swapped.
func (m *Manager) Reload(unitName, newPath string) (int, error) {
	m.mu.Lock()
	var units []*UnitContext
	for _, unit := range m.contexts {
		if unit.Name == unitName {
			units = append(units, unit)
		}
	}
	m.mu.Unlock()

	if len(units) == 0 {
		m.RememberPath(unitName, "", newPath)
		m.logger.Info("remembered path for unloaded photon",
			"photon", unitName,
			"path", newPath)
		return 0, nil
	}

	if err := m.loader.ReloadFile(newPath); err != nil {
		return 0, fmt.Errorf("reloading %s: %w", newPath, err)
	}

	updated := 0
	for _, unit := range units {
		m.mu.Lock()
		names := make([]string, 0, len(unit.instances))
		for name := range unit.instances {
			names = append(names, name)
		}
		m.mu.Unlock()

		rebuilt := make(map[string]Executable, len(names))
		for _, name := range names {
			fresh, err := m.loader.LoadFile(newPath)
			if err != nil {
				return updated, fmt.Errorf("loading fresh instance %q of %s: %w", name, unitName, err)
			}
			m.mu.Lock()
			old := unit.instances[name]
			m.mu.Unlock()
			transplantState(old, fresh)
			rebuilt[name] = fresh
		}

		m.mu.Lock()
		for name, fresh := range rebuilt {
			unit.instances[name] = fresh
		}
		for _, session := range unit.sessions {
			if fresh, ok := rebuilt[session.InstanceName]; ok {
				session.Instance = fresh
				updated++
			}
		}
		unit.Path = newPath
		m.knownPaths[unit.Key] = newPath
		m.mu.Unlock()
	}

	m.logger.Info("photon reloaded",
		"photon", unitName,
		"path", newPath,
		"sessions_updated", updated)
	return updated, nil
}

// transplantState shallow-copies exported state from old onto fresh when
// both sides carry state. Field compatibility is deliberately not validated.
func transplantState(old, fresh Executable) {
	oc, ok := old.(StateCarrier)
	if !ok {
		return
	}
	fc, ok := fresh.(StateCarrier)
	if !ok {
		return
	}
	fc.ImportState(oc.ExportState())
}
