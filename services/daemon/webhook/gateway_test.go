// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/photond/services/daemon/bus"
	"github.com/AleutianAI/photond/services/daemon/registry"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []registry.ExecRequest
	value any
	err   error
}

func (f *fakeExecutor) Execute(_ context.Context, req registry.ExecRequest) (registry.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return registry.ExecResult{}, f.err
	}
	return registry.ExecResult{Value: f.value}, nil
}

func (f *fakeExecutor) lastCall(t *testing.T) registry.ExecRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.calls)
	return f.calls[len(f.calls)-1]
}

type fakeRoutes struct {
	routes map[string][]registry.WebhookRoute
}

func (f *fakeRoutes) WebhookRoutes(photon string) ([]registry.WebhookRoute, bool) {
	r, ok := f.routes[photon]
	return r, ok
}

func newTestGateway(t *testing.T, cfg Config, exec *fakeExecutor, routes *fakeRoutes) *Gateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if routes == nil {
		routes = &fakeRoutes{}
	}
	return New(cfg, exec, routes, bus.New(logger), logger)
}

func post(t *testing.T, g *Gateway, path, secret, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret != "" {
		req.Header.Set("X-Webhook-Secret", secret)
	}
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGateway_RejectsWithoutSecret(t *testing.T) {
	exec := &fakeExecutor{value: "ok"}
	g := newTestGateway(t, Config{Secret: "hunter2"}, exec, nil)

	t.Run("missing header", func(t *testing.T) {
		rec := post(t, g, "/webhook/counter/increment", "", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		rec := post(t, g, "/webhook/counter/increment", "wrong", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("correct secret", func(t *testing.T) {
		rec := post(t, g, "/webhook/counter/increment", "hunter2", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestGateway_NoSecretConfigured(t *testing.T) {
	exec := &fakeExecutor{value: "ok"}

	t.Run("refused by default", func(t *testing.T) {
		g := newTestGateway(t, Config{}, exec, nil)
		rec := post(t, g, "/webhook/counter/increment", "", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("allowed when opted in", func(t *testing.T) {
		g := newTestGateway(t, Config{AllowUnauthenticated: true}, exec, nil)
		rec := post(t, g, "/webhook/counter/increment", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestGateway_PathAsMethodFallback(t *testing.T) {
	exec := &fakeExecutor{value: float64(3)}
	g := newTestGateway(t, Config{AllowUnauthenticated: true}, exec, nil)

	rec := post(t, g, "/webhook/counter/increment", "", `{"amount": 2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	call := exec.lastCall(t)
	assert.Equal(t, "counter", call.UnitName)
	assert.Equal(t, "increment", call.Method)
	assert.Equal(t, float64(2), call.Args["amount"])
	assert.Contains(t, call.Args, "_webhook")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(3), body["result"])
}

func TestGateway_RequestMetadata(t *testing.T) {
	exec := &fakeExecutor{value: "ok"}
	g := newTestGateway(t, Config{AllowUnauthenticated: true}, exec, nil)

	req := httptest.NewRequest(http.MethodPost,
		"/webhook/notifier/handlePush?ref=main&delivery=42", strings.NewReader(`{"x": 1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	meta, ok := exec.lastCall(t).Args["_webhook"].(map[string]any)
	require.True(t, ok, "_webhook metadata missing")
	assert.Equal(t, "handlePush", meta["path"])
	assert.NotEmpty(t, meta["remoteAddr"])
	assert.NotZero(t, meta["receivedAt"])

	headers, ok := meta["headers"].(map[string]string)
	require.True(t, ok, "headers missing from _webhook metadata")
	assert.Equal(t, "push", headers["X-Github-Event"])
	assert.Equal(t, "application/json", headers["Content-Type"])

	query, ok := meta["query"].(map[string]string)
	require.True(t, ok, "query missing from _webhook metadata")
	assert.Equal(t, "main", query["ref"])
	assert.Equal(t, "42", query["delivery"])
}

func TestGateway_DeclaredRoutes(t *testing.T) {
	exec := &fakeExecutor{value: "ok"}
	routes := &fakeRoutes{routes: map[string][]registry.WebhookRoute{
		"notifier": {{Path: "github-push", Method: "handlePush"}},
	}}
	g := newTestGateway(t, Config{AllowUnauthenticated: true}, exec, routes)

	t.Run("declared route resolves to its method", func(t *testing.T) {
		rec := post(t, g, "/webhook/notifier/github-push", "", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "handlePush", exec.lastCall(t).Method)
	})

	t.Run("undeclared route is refused with the valid list", func(t *testing.T) {
		rec := post(t, g, "/webhook/notifier/unknown", "", "")
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "github-push")
	})
}

func TestGateway_ExecutionError(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("boom")}
	g := newTestGateway(t, Config{AllowUnauthenticated: true}, exec, nil)

	rec := post(t, g, "/webhook/counter/increment", "", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestGateway_RateLimit(t *testing.T) {
	exec := &fakeExecutor{value: "ok"}
	g := newTestGateway(t, Config{AllowUnauthenticated: true, RatePerSecond: 1, Burst: 2}, exec, nil)

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		rec := post(t, g, "/webhook/counter/increment", "", "")
		codes[rec.Code]++
	}
	assert.Equal(t, 2, codes[http.StatusOK])
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
}

func TestGateway_InvalidBody(t *testing.T) {
	exec := &fakeExecutor{value: "ok"}
	g := newTestGateway(t, Config{AllowUnauthenticated: true}, exec, nil)

	rec := post(t, g, "/webhook/counter/increment", "", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGateway_Healthz(t *testing.T) {
	g := newTestGateway(t, Config{}, &fakeExecutor{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
