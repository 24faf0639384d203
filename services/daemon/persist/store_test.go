// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)

	state := map[string]any{"counter": float64(42), "label": "hello"}
	require.NoError(t, s.Save("counter", "default", state))

	got, err := s.Load("counter", "default")
	require.NoError(t, err)
	assert.Equal(t, state, got)
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Load("never-saved", "default")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_OverwriteReplacesSnapshot(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("counter", "default", map[string]any{"counter": float64(1)}))
	require.NoError(t, s.Save("counter", "default", map[string]any{"counter": float64(2)}))

	got, err := s.Load("counter", "default")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"counter": float64(2)}, got)
}

func TestStore_InstancesAreIndependent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("counter", "default", map[string]any{"counter": float64(1)}))
	require.NoError(t, s.Save("counter", "alt", map[string]any{"counter": float64(9)}))

	def, err := s.Load("counter", "default")
	require.NoError(t, err)
	alt, err := s.Load("counter", "alt")
	require.NoError(t, err)
	assert.Equal(t, float64(1), def["counter"])
	assert.Equal(t, float64(9), alt["counter"])
}

func TestStore_SanitizesNames(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Save("../evil", "a/b", map[string]any{"x": true}))

	rel, err := filepath.Rel(s.dir, s.Path("../evil", "a/b"))
	require.NoError(t, err)
	assert.NotContains(t, rel, "..")

	got, err := s.Load("../evil", "a/b")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": true}, got)
}

func TestStore_SeedSwallowsCorruptSnapshot(t *testing.T) {
	s := newTestStore(t)

	path := s.Path("counter", "default")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	assert.Nil(t, s.Seed("counter", "default"))
}
