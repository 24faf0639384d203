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
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/photond/services/daemon/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth already happened in the middleware chain.
	CheckOrigin: func(*http.Request) bool { return true },
}

// socketSubscriber forwards bus events to one websocket connection.
type socketSubscriber struct {
	id   string
	conn *websocket.Conn

	mu sync.Mutex
}

func (s *socketSubscriber) SubscriberID() string { return s.id }

func (s *socketSubscriber) Deliver(ev bus.Event, replay bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(map[string]any{
		"type":      "channel_message",
		"channel":   ev.Channel,
		"message":   ev.Message,
		"timestamp": ev.Timestamp,
		"replay":    replay,
	})
}

// handleEventSocket bridges /events/ws to the event bus. Channels come from
// the comma-separated "channels" query parameter and support the same
// prefix:* wildcards as socket subscribers.
func (g *Gateway) handleEventSocket(c *gin.Context) {
	channelsParam := c.Query("channels")
	if channelsParam == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "channels query parameter is required"})
		return
	}
	channels := strings.Split(channelsParam, ",")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &socketSubscriber{
		id:   "ws-" + uuid.NewString(),
		conn: conn,
	}
	for _, ch := range channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			g.events.Subscribe(ch, sub)
		}
	}
	socketClients.Inc()
	g.logger.Info("websocket event client connected", "subscriber", sub.id, "channels", channels)

	// The read loop exists to notice the client going away; inbound frames
	// are ignored.
	go func() {
		defer func() {
			g.events.RemoveSubscriber(sub.id)
			conn.Close()
			socketClients.Dec()
			g.logger.Info("websocket event client disconnected", "subscriber", sub.id)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
