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
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/photond/services/daemon/registry"
)

func TestUnitNameFromPath(t *testing.T) {
	assert.Equal(t, "demo", UnitNameFromPath("/photons/demo.px"))
	assert.Equal(t, "demo", UnitNameFromPath("demo"))
	assert.Equal(t, "my-unit", UnitNameFromPath("a/b/my-unit.photon"))
}

func TestStatic_LoadFile(t *testing.T) {
	s := NewStatic(slog.Default())
	s.Register("demo", func() registry.Executable {
		return NewPhoton().Handle("ping", func(context.Context, map[string]any, func(any)) (any, error) {
			return "pong", nil
		})
	})

	t.Run("known unit loads a fresh instance", func(t *testing.T) {
		a, err := s.LoadFile("/photons/demo.px")
		require.NoError(t, err)
		b, err := s.LoadFile("/photons/demo.px")
		require.NoError(t, err)
		assert.NotSame(t, a, b)
	})

	t.Run("unknown unit fails", func(t *testing.T) {
		_, err := s.LoadFile("/photons/nope.px")
		require.ErrorIs(t, err, ErrUnknownPhoton)
	})

	t.Run("reload verifies registration", func(t *testing.T) {
		require.NoError(t, s.ReloadFile("/photons/demo.px"))
		require.ErrorIs(t, s.ReloadFile("/photons/nope.px"), ErrUnknownPhoton)
	})
}

func TestPhoton(t *testing.T) {
	p := NewPhoton().
		Handle("add", func(_ context.Context, args map[string]any, _ func(any)) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		}).
		DeclareJob(registry.JobSpec{ID: "demo-tick", Cron: "* * * * *", Method: "add"}).
		DeclareWebhook(registry.WebhookRoute{Path: "notify", Method: "add"})

	t.Run("dispatch", func(t *testing.T) {
		got, err := p.Execute(context.Background(), "add", map[string]any{"a": 1.0, "b": 2.0}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3.0, got)
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := p.Execute(context.Background(), "missing", nil, nil)
		require.ErrorIs(t, err, ErrUnknownMethod)
	})

	t.Run("state round trip", func(t *testing.T) {
		p.Set("counter", 7)
		fresh := NewPhoton()
		fresh.ImportState(p.ExportState())
		v, ok := fresh.Get("counter")
		require.True(t, ok)
		assert.Equal(t, 7, v)
	})

	t.Run("manifest", func(t *testing.T) {
		m := p.Manifest()
		require.Len(t, m.Jobs, 1)
		require.Len(t, m.Webhooks, 1)
		assert.Equal(t, "demo-tick", m.Jobs[0].ID)
	})
}
