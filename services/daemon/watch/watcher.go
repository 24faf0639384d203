// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch drives hot reload from filesystem events.
//
// # Description
//
// Each photon source file gets one watch on its resolved real path. Symlinks
// are followed before watching because the native watch APIs often observe
// only the link inode; a symlinked project file would otherwise stop
// hot-reloading silently. Events are debounced per path, and a
// rename/replace (editors that write a new file over the old one) triggers a
// re-watch through the original path before the reload runs, since the new
// inode needs a fresh watch descriptor.
//
// Repeated reload failures open a per-unit circuit breaker: after three
// consecutive failures hot reload for that unit is disabled until Reset.
//
// Thread Safety:
//
//	Watcher is safe for concurrent use.
package watch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DebounceWindow is how long a path must stay quiet before reloading.
	DebounceWindow = 100 * time.Millisecond

	// MaxConsecutiveFailures opens the circuit breaker.
	MaxConsecutiveFailures = 3
)

// ReloadFunc performs the actual reload for a changed photon source.
type ReloadFunc func(unitName, path string) error

type watchEntry struct {
	unitName string
	origPath string
	realPath string
	timer    *time.Timer
	failures int
	disabled bool
}

// Watcher owns the fsnotify instance and the per-file debounce state.
type Watcher struct {
	mu     sync.Mutex
	fsw    *fsnotify.Watcher
	byReal map[string]*watchEntry
	byUnit map[string]*watchEntry

	reload      ReloadFunc
	debounce    time.Duration
	maxFailures int
	logger      *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a watcher and starts its event loop.
func New(reload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w := &Watcher{
		fsw:         fsw,
		byReal:      make(map[string]*watchEntry),
		byUnit:      make(map[string]*watchEntry),
		reload:      reload,
		debounce:    DebounceWindow,
		maxFailures: MaxConsecutiveFailures,
		logger:      logger.With(slog.String("subsystem", "watch")),
		done:        make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch starts watching the photon's source file, replacing any previous
// watch for the same unit.
func (w *Watcher) Watch(unitName, path string) error {
	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := w.fsw.Add(realPath); err != nil {
		return fmt.Errorf("watching %s: %w", realPath, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.byUnit[unitName]; ok && old.realPath != realPath {
		_ = w.fsw.Remove(old.realPath)
		delete(w.byReal, old.realPath)
		if old.timer != nil {
			old.timer.Stop()
		}
	}
	entry := &watchEntry{
		unitName: unitName,
		origPath: path,
		realPath: realPath,
	}
	w.byReal[realPath] = entry
	w.byUnit[unitName] = entry

	w.logger.Debug("watching photon source",
		"photon", unitName,
		"path", path,
		"real_path", realPath)
	return nil
}

// Reset closes the unit's circuit breaker so the next change reloads again.
func (w *Watcher) Reset(unitName string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if entry, ok := w.byUnit[unitName]; ok {
		entry.disabled = false
		entry.failures = 0
	}
}

// Close stops the event loop and releases the fsnotify watcher.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	w.mu.Lock()
	entry, ok := w.byReal[filepath.Clean(ev.Name)]
	w.mu.Unlock()
	if !ok {
		return
	}

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		// Write-replace killed the watch descriptor. Re-establish through
		// the original (possibly symlinked) path; the content change
		// already happened, so the reload still runs.
		w.rewatch(entry)
	}
	w.scheduleReload(entry)
}

// rewatch follows the original path again and moves the watch to the new
// inode.
func (w *Watcher) rewatch(entry *watchEntry) {
	realPath, err := filepath.EvalSymlinks(entry.origPath)
	if err != nil {
		w.logger.Warn("cannot re-resolve replaced file",
			"photon", entry.unitName,
			"path", entry.origPath,
			"error", err)
		return
	}
	if err := w.fsw.Add(realPath); err != nil {
		w.logger.Warn("cannot re-watch replaced file",
			"photon", entry.unitName,
			"path", realPath,
			"error", err)
		return
	}

	w.mu.Lock()
	if realPath != entry.realPath {
		delete(w.byReal, entry.realPath)
		entry.realPath = realPath
		w.byReal[realPath] = entry
	}
	w.mu.Unlock()
}

func (w *Watcher) scheduleReload(entry *watchEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if entry.timer != nil {
		entry.timer.Reset(w.debounce)
		return
	}
	entry.timer = time.AfterFunc(w.debounce, func() {
		w.fire(entry)
	})
}

// fire runs one debounced reload and tracks the circuit breaker.
func (w *Watcher) fire(entry *watchEntry) {
	w.mu.Lock()
	entry.timer = nil
	if entry.disabled {
		w.mu.Unlock()
		w.logger.Warn("hot reload disabled for photon, skipping change",
			"photon", entry.unitName)
		return
	}
	unitName, realPath := entry.unitName, entry.realPath
	w.mu.Unlock()

	err := w.reload(unitName, realPath)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		entry.failures = 0
		return
	}
	entry.failures++
	w.logger.Error("hot reload failed",
		"photon", unitName,
		"path", realPath,
		"consecutive_failures", entry.failures,
		"error", err)
	if entry.failures >= w.maxFailures {
		entry.disabled = true
		w.logger.Error("hot reload circuit breaker open; send a reload request to re-enable",
			"photon", unitName)
	}
}
