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

import "encoding/json"

// Request type values accepted on the socket.
const (
	TypePing           = "ping"
	TypeShutdown       = "shutdown"
	TypeReload         = "reload"
	TypeCommand        = "command"
	TypePromptResponse = "prompt_response"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypePublish        = "publish"
	TypeEventsSince    = "get_events_since"
	TypeLock           = "lock"
	TypeUnlock         = "unlock"
	TypeListLocks      = "list_locks"
	TypeSchedule       = "schedule"
	TypeUnschedule     = "unschedule"
	TypeListJobs       = "list_jobs"
)

// Response type values.
const (
	TypePong           = "pong"
	TypeResult         = "result"
	TypeError          = "error"
	TypePrompt         = "prompt"
	TypeChannelMessage = "channel_message"
	TypeRefreshNeeded  = "refresh_needed"
)

// Request is one newline-delimited message from a client. Every request
// carries a correlation id the response echoes; fields beyond id and type
// are request-type specific.
type Request struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	// command
	Method       string         `json:"method,omitempty"`
	PhotonName   string         `json:"photonName,omitempty"`
	PhotonPath   string         `json:"photonPath,omitempty"`
	WorkingDir   string         `json:"workingDir,omitempty"`
	SessionID    string         `json:"sessionId,omitempty"`
	ClientType   string         `json:"clientType,omitempty"`
	InstanceName string         `json:"instanceName,omitempty"`
	Args         map[string]any `json:"args,omitempty"`

	// prompt_response
	Value json.RawMessage `json:"value,omitempty"`

	// subscribe / unsubscribe / publish / get_events_since
	Channel string `json:"channel,omitempty"`
	Message any    `json:"message,omitempty"`
	// LastSeenTimestamp is a pointer so an explicit 0 cursor (meaning
	// "replay everything you have, or tell me to refresh") is
	// distinguishable from the field being absent.
	LastSeenTimestamp *int64 `json:"lastSeenTimestamp,omitempty"`
	Since             int64  `json:"since,omitempty"`

	// lock / unlock
	Name   string `json:"name,omitempty"`
	Holder string `json:"holder,omitempty"`
	TTLMs  int64  `json:"ttlMs,omitempty"`

	// schedule / unschedule
	JobID string `json:"jobId,omitempty"`
	Cron  string `json:"cron,omitempty"`
}

// Response is one message written back to a client.
type Response struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Prompt string `json:"prompt,omitempty"`

	Channel   string `json:"channel,omitempty"`
	Message   any    `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Replay    bool   `json:"replay,omitempty"`
}

func resultResponse(id string, value any) Response {
	return Response{Type: TypeResult, ID: id, Result: value}
}

func errorResponse(id, msg string) Response {
	if id == "" {
		id = "unknown"
	}
	return Response{Type: TypeError, ID: id, Error: msg}
}
