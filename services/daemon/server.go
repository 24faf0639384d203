// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/photond/services/daemon/bus"
)

// maxLineBytes caps one request line. Photon arguments are small JSON
// objects; anything past this is a protocol abuse, not a real request.
const maxLineBytes = 4 << 20

// clientConn is one accepted socket connection. It doubles as the bus
// subscriber for that client's channel subscriptions.
type clientConn struct {
	id   string
	conn net.Conn

	// writeMu serializes whole response lines; handlers and bus delivery
	// write concurrently.
	writeMu sync.Mutex
}

// SubscriberID implements bus.Subscriber.
func (c *clientConn) SubscriberID() string { return c.id }

// Deliver implements bus.Subscriber by forwarding the event as a
// channel_message line. A write error tells the bus to drop this
// subscriber.
func (c *clientConn) Deliver(ev bus.Event, replay bool) error {
	return c.send(Response{
		Type:      TypeChannelMessage,
		Channel:   ev.Channel,
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
		Replay:    replay,
	})
}

func (c *clientConn) send(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("serializing response: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

// server owns the Unix domain socket listener and the live connection set.
type server struct {
	path   string
	d      *Daemon
	logger *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[string]*clientConn
	closed bool
}

func newServer(path string, d *Daemon, logger *slog.Logger) *server {
	return &server{
		path:   path,
		d:      d,
		logger: logger.With(slog.String("subsystem", "server")),
		conns:  make(map[string]*clientConn),
	}
}

// listen binds the socket and accepts until the server is closed. A stale
// socket file from a dead daemon is removed before binding.
func (s *server) listen(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.path, err)
	}
	// The socket is the whole auth boundary; only the owning user may
	// connect.
	if err := os.Chmod(s.path, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		os.Remove(s.path)
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("listening", "socket", s.path)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		c := &clientConn{id: "conn-" + uuid.NewString(), conn: conn}
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()
		activeConnections.Inc()
		go s.serveConn(c)
	}
}

func (s *server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close stops accepting, drops every connection and deletes the socket
// file.
func (s *server) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.ln
	conns := make([]*clientConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}
	os.Remove(s.path)
}

// serveConn reads newline-delimited requests until the client goes away.
// Lines are dispatched in arrival order, each in its own goroutine so a
// slow photon method never stalls the read loop.
func (s *server) serveConn(c *clientConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		c.conn.Close()
		s.d.events.RemoveSubscriber(c.id)
		s.d.prompts.dropConn(c.id)
		activeConnections.Dec()
		s.logger.Debug("client disconnected", "conn", c.id)
	}()

	s.logger.Debug("client connected", "conn", c.id)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			requestsTotal.WithLabelValues("malformed").Inc()
			c.send(errorResponse("", "malformed request: "+err.Error()))
			continue
		}
		if req.Type == "" {
			requestsTotal.WithLabelValues("malformed").Inc()
			c.send(errorResponse(req.ID, "missing request type"))
			continue
		}
		requestsTotal.WithLabelValues(req.Type).Inc()
		s.d.touch()
		go s.d.handle(c, req)
	}
	if err := scanner.Err(); err != nil && !s.isClosed() {
		s.logger.Debug("read loop ended", "conn", c.id, "error", err)
	}
}
