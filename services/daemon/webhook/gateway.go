// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package webhook exposes loaded photons over HTTP.
//
// The gateway is optional and off unless a port is configured. It maps
// POST /webhook/{photon}/{route} onto photon methods, authenticates with a
// shared secret header, rate-limits per client IP, and bridges the event
// bus to websocket clients on /events/ws.
package webhook

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/photond/services/daemon/bus"
	"github.com/AleutianAI/photond/services/daemon/registry"
)

// Executor runs one photon method on behalf of an HTTP caller.
type Executor interface {
	Execute(ctx context.Context, req registry.ExecRequest) (registry.ExecResult, error)
}

// RouteSource reports the webhook routes a photon has declared. ok is false
// when the photon is not loaded.
type RouteSource interface {
	WebhookRoutes(photon string) (routes []registry.WebhookRoute, ok bool)
}

// Config mirrors the webhook block of the daemon configuration.
type Config struct {
	Port                 int
	Secret               string
	AllowUnauthenticated bool
	RatePerSecond        float64
	Burst                int
}

// Gateway is the HTTP front door for photons.
//
// Thread Safety: safe for concurrent use once constructed.
type Gateway struct {
	cfg    Config
	exec   Executor
	routes RouteSource
	events *bus.Bus
	logger *slog.Logger

	srv *http.Server

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds the gateway and its router. Start must be called to serve.
func New(cfg Config, exec Executor, routes RouteSource, events *bus.Bus, logger *slog.Logger) *Gateway {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	g := &Gateway{
		cfg:      cfg,
		exec:     exec,
		routes:   routes,
		events:   events,
		logger:   logger.With(slog.String("subsystem", "webhook")),
		limiters: make(map[string]*rate.Limiter),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("photond-webhook"))
	router.Use(corsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/events/ws", g.authMiddleware(), g.handleEventSocket)
	router.POST("/webhook/:photon/*route", g.authMiddleware(), g.rateLimitMiddleware(), g.handleWebhook)

	g.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Handler exposes the router for tests.
func (g *Gateway) Handler() http.Handler {
	return g.srv.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (g *Gateway) Start() error {
	g.logger.Info("webhook gateway listening", "addr", g.srv.Addr)
	if err := g.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook gateway: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.srv.Shutdown(ctx)
}

// authMiddleware enforces the shared secret. With no secret configured the
// gateway refuses everything unless unauthenticated access was opted into.
func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.cfg.Secret == "" {
			if g.cfg.AllowUnauthenticated {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "webhook gateway has no secret configured and unauthenticated access is disabled",
			})
			return
		}
		provided := c.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(g.cfg.Secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid webhook secret"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.limiterFor(c.ClientIP()).Allow() {
			webhookRequests.WithLabelValues(c.Param("photon"), "rate_limited").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) limiterFor(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), g.cfg.Burst)
		g.limiters[ip] = lim
	}
	return lim
}

func (g *Gateway) handleWebhook(c *gin.Context) {
	photon := c.Param("photon")
	routePath := strings.Trim(c.Param("route"), "/")
	if routePath == "" {
		webhookRequests.WithLabelValues(photon, "bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing route segment after photon name"})
		return
	}

	method, errBody := g.resolveMethod(photon, routePath)
	if errBody != nil {
		webhookRequests.WithLabelValues(photon, "not_found").Inc()
		c.JSON(http.StatusNotFound, errBody)
		return
	}

	args := map[string]any{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			webhookRequests.WithLabelValues(photon, "bad_request").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid JSON body: %v", err)})
			return
		}
	}
	headers := make(map[string]string, len(c.Request.Header))
	for name := range c.Request.Header {
		headers[name] = c.Request.Header.Get(name)
	}
	query := make(map[string]string)
	for name, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}
	args["_webhook"] = map[string]any{
		"path":       routePath,
		"headers":    headers,
		"query":      query,
		"remoteAddr": c.ClientIP(),
		"receivedAt": time.Now().UnixMilli(),
	}

	result, err := g.exec.Execute(c.Request.Context(), registry.ExecRequest{
		UnitName:   photon,
		SessionID:  "webhook",
		ClientKind: "webhook",
		Method:     method,
		Args:       args,
	})
	if err != nil {
		webhookRequests.WithLabelValues(photon, "error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	g.events.Publish("webhooks:"+photon, map[string]any{
		"event":     "webhook-received",
		"route":     routePath,
		"method":    method,
		"timestamp": time.Now().UnixMilli(),
	}, "")

	webhookRequests.WithLabelValues(photon, "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"result": result.Value})
}

// resolveMethod maps a route segment to a photon method. Photons with a
// declared route table only accept declared routes; photons without one
// accept any segment as a method name.
func (g *Gateway) resolveMethod(photon, routePath string) (string, gin.H) {
	declared, ok := g.routes.WebhookRoutes(photon)
	if !ok || len(declared) == 0 {
		return routePath, nil
	}
	for _, r := range declared {
		if strings.Trim(r.Path, "/") == routePath {
			return r.Method, nil
		}
	}
	return "", gin.H{
		"error":       fmt.Sprintf("no webhook route %q on photon %q", routePath, photon),
		"validRoutes": declared,
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Webhook-Secret")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
