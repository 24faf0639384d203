// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/photond/services/daemon/loader"
	"github.com/AleutianAI/photond/services/daemon/registry"
)

// builtinLoader carries the photons compiled into the daemon itself. They
// double as smoke-test targets for a fresh install.
func builtinLoader(logger *slog.Logger) *loader.Static {
	ld := loader.NewStatic(logger)

	// echo answers with its own arguments; useful to verify the socket
	// round trip.
	ld.Register("echo", func() registry.Executable {
		p := loader.NewPhoton()
		p.Handle("say", func(_ context.Context, args map[string]any, _ func(any)) (any, error) {
			return args, nil
		})
		return p
	})

	// kv is a stateful scratch store whose contents survive reloads and
	// daemon restarts through the state snapshot path.
	ld.Register("kv", func() registry.Executable {
		p := loader.NewPhoton()
		p.Handle("set", func(_ context.Context, args map[string]any, _ func(any)) (any, error) {
			key, ok := args["key"].(string)
			if !ok || key == "" {
				return nil, fmt.Errorf("set requires a string key")
			}
			p.Set(key, args["value"])
			return map[string]any{"stored": key}, nil
		})
		p.Handle("get", func(_ context.Context, args map[string]any, _ func(any)) (any, error) {
			key, ok := args["key"].(string)
			if !ok || key == "" {
				return nil, fmt.Errorf("get requires a string key")
			}
			value, _ := p.Get(key)
			return value, nil
		})
		return p
	})

	// heartbeat declares a job in its manifest, exercising declarative
	// auto-registration on first load.
	ld.Register("heartbeat", func() registry.Executable {
		p := loader.NewPhoton()
		p.Handle("beat", func(context.Context, map[string]any, func(any)) (any, error) {
			return map[string]any{"alive": true, "at": time.Now().UnixMilli()}, nil
		})
		p.DeclareJob(registry.JobSpec{ID: "heartbeat:beat", Cron: "*/5 * * * *", Method: "beat"})
		p.DeclareWebhook(registry.WebhookRoute{
			Path:        "beat",
			Method:      "beat",
			Description: "liveness probe",
		})
		return p
	})

	return ld
}
