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
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/photond/services/daemon/bus"
)

// startSocketServer serves the gateway router over a real listener so the
// websocket handshake goes through the full middleware chain.
func startSocketServer(t *testing.T, cfg Config) (*httptest.Server, *bus.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	b := bus.New(logger)
	g := New(cfg, &fakeExecutor{}, &fakeRoutes{}, b, logger)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return srv, b
}

func wsURL(srv *httptest.Server, suffix string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + suffix
}

func TestGateway_EventSocketBridgesBus(t *testing.T) {
	srv, b := startSocketServer(t, Config{AllowUnauthenticated: true})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/events/ws?channels=jobs:*"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The handshake response can land before the handler registers the
	// subscription, so wait for it to show up.
	require.Eventually(t, b.HasSubscribers, 5*time.Second, 10*time.Millisecond)

	delivered := b.Publish("jobs:demo", map[string]any{"event": "job-completed"}, "")
	require.Equal(t, 1, delivered)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "channel_message", frame["type"])
	assert.Equal(t, "jobs:demo", frame["channel"])
	assert.Equal(t, false, frame["replay"])
	assert.NotZero(t, frame["timestamp"])
	assert.Equal(t, "job-completed", frame["message"].(map[string]any)["event"])
}

func TestGateway_EventSocketRequiresChannels(t *testing.T) {
	srv, _ := startSocketServer(t, Config{AllowUnauthenticated: true})

	resp, err := http.Get(srv.URL + "/events/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_EventSocketAuth(t *testing.T) {
	srv, _ := startSocketServer(t, Config{Secret: "hunter2"})

	t.Run("handshake refused without secret", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/events/ws?channels=jobs:*"), nil)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.Nil(t, conn)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("handshake accepted with secret", func(t *testing.T) {
		header := http.Header{"X-Webhook-Secret": []string{"hunter2"}}
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/events/ws?channels=jobs:*"), header)
		require.NoError(t, err)
		conn.Close()
	})
}
