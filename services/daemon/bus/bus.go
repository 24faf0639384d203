// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bus implements the daemon's pub/sub channels with bounded replay.
//
// # Description
//
// Channels are named topics. A subscriber registered on the exact channel
// name, or on the wildcard form "prefix:*" derived from the channel's leading
// segment, receives every published event. Published events are also appended
// to a per-channel ring buffer bounded by a fixed time window so that late
// subscribers can catch up.
//
// Delivery is best effort: a subscriber whose Deliver returns an error is
// silently dropped, which keeps dead sockets from accumulating.
//
// Thread Safety:
//
//	Bus is safe for concurrent use.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ReplayWindow is how long published events stay available for replay.
const ReplayWindow = 5 * time.Minute

// Event is one buffered channel message.
//
// The millisecond timestamp doubles as the replay cursor. Two events in the
// same millisecond keep insertion order but share an id; this is an accepted
// approximation rather than a strict sequence number.
type Event struct {
	// Timestamp is the event's creation time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Channel is the concrete channel the event was published on.
	Channel string `json:"channel"`

	// Message is the published payload.
	Message any `json:"message"`
}

// Subscriber receives events for the channels it is registered on.
//
// Deliver must be safe for concurrent use; the bus may call it from any
// goroutine. Returning an error drops the subscriber.
type Subscriber interface {
	// SubscriberID identifies the subscriber for dedup and removal.
	SubscriberID() string

	// Deliver hands one event to the subscriber. The replay flag is true
	// when the event is being replayed from the buffer rather than
	// delivered live.
	Deliver(ev Event, replay bool) error
}

// Bus is the channel registry plus the replay buffers.
type Bus struct {
	mu      sync.Mutex
	subs    map[string]map[string]Subscriber // channel -> subscriber id -> subscriber
	buffers map[string][]Event               // channel -> time-ordered events
	order   map[string]*sync.Mutex           // channel -> delivery order lock
	window  time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty bus with the default replay window.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:    make(map[string]map[string]Subscriber),
		buffers: make(map[string][]Event),
		order:   make(map[string]*sync.Mutex),
		window:  ReplayWindow,
		logger:  logger.With(slog.String("subsystem", "bus")),
		now:     time.Now,
	}
}

// orderLock returns the delivery order lock for one channel. Publishes on
// the same channel serialize on it so a slow subscriber write cannot let a
// later event overtake an earlier one; publishes on different channels stay
// independent.
func (b *Bus) orderLock(channel string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.order[channel]
	if !ok {
		l = &sync.Mutex{}
		b.order[channel] = l
	}
	return l
}

// Subscribe registers sub on channel. A subscriber appears at most once per
// channel; re-subscribing is a no-op.
func (b *Bus) Subscribe(channel string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[channel]
	if !ok {
		set = make(map[string]Subscriber)
		b.subs[channel] = set
	}
	if _, ok := set[sub.SubscriberID()]; !ok {
		set[sub.SubscriberID()] = sub
		activeSubscriptions.Inc()
	}
}

// Replay computes the catch-up for a subscriber that supplied a last-seen
// timestamp.
//
// Description:
//
//	If the channel's oldest buffered event is newer than since, the caller
//	missed events outside the retention window and must refresh its full
//	state elsewhere: refreshNeeded is true and no events are returned.
//	Otherwise every buffered event strictly newer than since is returned in
//	order.
func (b *Bus) Replay(channel string, since int64) (events []Event, refreshNeeded bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.pruneLocked(channel)
	if len(buf) == 0 {
		return nil, false
	}
	if buf[0].Timestamp > since {
		return nil, true
	}
	for _, ev := range buf {
		if ev.Timestamp > since {
			events = append(events, ev)
		}
	}
	return events, false
}

// SubscribeWithReplay registers sub and computes its catch-up in one step.
//
// Description:
//
//	The channel's order lock is held across registration and replay
//	delivery, so an event published concurrently can neither slip into the
//	gap between the two (which would deliver it both live and as replay)
//	nor arrive before the replayed backlog. Replayed events reach only sub,
//	tagged replay.
//
// Outputs:
//   - refreshNeeded: True when since predates the oldest buffered event;
//     no events are replayed in that case.
//   - replayed: Number of events delivered from the buffer.
func (b *Bus) SubscribeWithReplay(channel string, sub Subscriber, since int64) (refreshNeeded bool, replayed int) {
	ord := b.orderLock(channel)
	ord.Lock()
	defer ord.Unlock()

	b.Subscribe(channel, sub)
	events, refreshNeeded := b.Replay(channel, since)
	if refreshNeeded {
		return true, 0
	}
	for _, ev := range events {
		if err := sub.Deliver(ev, true); err != nil {
			b.RemoveSubscriber(sub.SubscriberID())
			droppedSubscribers.Inc()
			break
		}
		replayed++
	}
	return false, replayed
}

// EventsSince returns the buffered events on channel strictly newer than
// since, without registering any subscription.
func (b *Bus) EventsSince(channel string, since int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, ev := range b.pruneLocked(channel) {
		if ev.Timestamp > since {
			out = append(out, ev)
		}
	}
	return out
}

// Publish appends the event to channel's buffer and fans it out.
//
// Description:
//
//	Delivery goes to subscribers of the exact channel name and of the
//	wildcard form derived from the channel's leading ":"-segment. A
//	subscriber registered on both forms receives the event once. The
//	publisher's own subscriber id, if supplied, is skipped. Subscribers
//	whose Deliver fails are dropped from the channel.
//
//	The channel's order lock is held from buffer append through fan-out, so
//	delivery order per channel matches publish order even when a subscriber
//	write stalls. Publishes on other channels are not blocked by it.
//
// Outputs:
//   - int: Number of subscribers the event was delivered to.
func (b *Bus) Publish(channel string, message any, excludeID string) int {
	ord := b.orderLock(channel)
	ord.Lock()
	defer ord.Unlock()

	b.mu.Lock()
	ev := Event{
		Timestamp: b.now().UnixMilli(),
		Channel:   channel,
		Message:   message,
	}
	b.buffers[channel] = append(b.pruneLocked(channel), ev)

	// Collect targets under b.mu, deliver outside it so Deliver never runs
	// with the registry lock held.
	targets := make(map[string]Subscriber)
	for id, sub := range b.subs[channel] {
		targets[id] = sub
	}
	if wildcard := wildcardFor(channel); wildcard != "" {
		for id, sub := range b.subs[wildcard] {
			targets[id] = sub
		}
	}
	delete(targets, excludeID)
	b.mu.Unlock()

	delivered := 0
	for id, sub := range targets {
		if err := sub.Deliver(ev, false); err != nil {
			b.logger.Debug("dropping unreachable subscriber",
				"channel", channel,
				"subscriber", id,
				"error", err)
			b.RemoveSubscriber(id)
			droppedSubscribers.Inc()
			continue
		}
		delivered++
	}
	eventsPublished.WithLabelValues(topicFor(channel)).Inc()
	return delivered
}

// Unsubscribe removes the subscriber id from one channel.
func (b *Bus) Unsubscribe(channel, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[channel]
	if !ok {
		return
	}
	if _, ok := set[subscriberID]; ok {
		delete(set, subscriberID)
		activeSubscriptions.Dec()
	}
	if len(set) == 0 {
		delete(b.subs, channel)
	}
}

// RemoveSubscriber removes the subscriber id from every channel. Called when
// a socket closes.
func (b *Bus) RemoveSubscriber(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, set := range b.subs {
		if _, ok := set[subscriberID]; ok {
			delete(set, subscriberID)
			activeSubscriptions.Dec()
		}
		if len(set) == 0 {
			delete(b.subs, channel)
		}
	}
}

// HasSubscribers reports whether any channel has a live subscriber. The idle
// shutdown check uses this to stay alive while clients are listening.
func (b *Bus) HasSubscribers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, set := range b.subs {
		if len(set) > 0 {
			return true
		}
	}
	return false
}

// pruneLocked drops events older than the replay window and returns the
// remaining buffer. Caller must hold b.mu.
func (b *Bus) pruneLocked(channel string) []Event {
	buf := b.buffers[channel]
	cutoff := b.now().Add(-b.window).UnixMilli()
	i := 0
	for i < len(buf) && buf[i].Timestamp < cutoff {
		i++
	}
	if i > 0 {
		buf = buf[i:]
		if len(buf) == 0 {
			delete(b.buffers, channel)
			return nil
		}
		b.buffers[channel] = buf
	}
	return buf
}

// wildcardFor derives the "prefix:*" channel matching ch, or "" when ch has
// no ":"-prefix (or is itself a wildcard).
func wildcardFor(ch string) string {
	idx := strings.Index(ch, ":")
	if idx <= 0 {
		return ""
	}
	w := ch[:idx] + ":*"
	if w == ch {
		return ""
	}
	return w
}

// topicFor reduces a channel name to its leading segment for metric labels,
// keeping label cardinality bounded.
func topicFor(ch string) string {
	if idx := strings.Index(ch, ":"); idx > 0 {
		return ch[:idx]
	}
	return ch
}
