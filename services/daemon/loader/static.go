// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loader hosts in-process photons behind the registry's Loader seam.
//
// The daemon core is agnostic about how photon instances come to exist; this
// package is the built-in adapter: photons implemented in Go register a
// factory under their unit name, and the loader maps a source path to that
// factory by the path's base name. External loaders (separate executors,
// embedded interpreters) plug in through the same registry interfaces.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/photond/services/daemon/registry"
)

var tracer = otel.Tracer("photond.loader")

// Sentinel errors for the loader.
var (
	// ErrUnknownPhoton indicates no factory is registered for the unit
	// name derived from a source path.
	ErrUnknownPhoton = errors.New("no photon registered")

	// ErrUnknownMethod indicates a method name the photon does not handle.
	ErrUnknownMethod = errors.New("unknown method")
)

// Factory constructs one fresh photon instance.
type Factory func() registry.Executable

// Static maps unit names to factories.
//
// Thread Safety: safe for concurrent use.
type Static struct {
	mu        sync.Mutex
	factories map[string]Factory
	logger    *slog.Logger
}

// NewStatic creates an empty loader.
func NewStatic(logger *slog.Logger) *Static {
	return &Static{
		factories: make(map[string]Factory),
		logger:    logger.With(slog.String("subsystem", "loader")),
	}
}

// Register installs the factory for a unit name, replacing any previous one.
func (s *Static) Register(name string, f Factory) {
	s.mu.Lock()
	s.factories[name] = f
	s.mu.Unlock()
}

// UnitNameFromPath derives the unit name a source path resolves to: the base
// name without its extension.
func UnitNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadFile constructs a fresh instance for the unit the path names.
func (s *Static) LoadFile(path string) (registry.Executable, error) {
	name := UnitNameFromPath(path)
	s.mu.Lock()
	f, ok := s.factories[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (from %s)", ErrUnknownPhoton, name, path)
	}
	return f(), nil
}

// ReloadFile invalidates loader caches for path. Static factories hold no
// compiled artifacts, so this only verifies the unit is still registered.
func (s *Static) ReloadFile(path string) error {
	name := UnitNameFromPath(path)
	s.mu.Lock()
	_, ok := s.factories[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPhoton, name)
	}
	return nil
}

// ExecuteTool dispatches a method on inst with a tracing span around the
// call.
func (s *Static) ExecuteTool(ctx context.Context, inst registry.Executable, method string, args map[string]any, emit func(any)) (any, error) {
	ctx, span := tracer.Start(ctx, "photon.execute")
	span.SetAttributes(attribute.String("photon.method", method))
	defer span.End()

	result, err := inst.Execute(ctx, method, args, emit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}
