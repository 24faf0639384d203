// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bus

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSub struct {
	id     string
	events []Event
	replay []bool
	fail   bool
}

func (f *fakeSub) SubscriberID() string { return f.id }

func (f *fakeSub) Deliver(ev Event, replay bool) error {
	if f.fail {
		return errors.New("broken pipe")
	}
	f.events = append(f.events, ev)
	f.replay = append(f.replay, replay)
	return nil
}

func newTestBus() *Bus {
	return New(slog.Default())
}

func TestBus_ExactDelivery(t *testing.T) {
	b := newTestBus()
	sub := &fakeSub{id: "a"}
	b.Subscribe("jobs:demo", sub)

	n := b.Publish("jobs:demo", map[string]any{"event": "job-completed"}, "")
	require.Equal(t, 1, n)
	require.Len(t, sub.events, 1)
	assert.Equal(t, "jobs:demo", sub.events[0].Channel)
	assert.False(t, sub.replay[0])
}

func TestBus_WildcardDelivery(t *testing.T) {
	b := newTestBus()
	wild := &fakeSub{id: "wild"}
	other := &fakeSub{id: "other"}
	b.Subscribe("jobs:*", wild)
	b.Subscribe("files:*", other)

	b.Publish("jobs:demo", "hi", "")

	require.Len(t, wild.events, 1)
	assert.Equal(t, "jobs:demo", wild.events[0].Channel)
	assert.Empty(t, other.events)
}

func TestBus_DedupeExactAndWildcard(t *testing.T) {
	b := newTestBus()
	sub := &fakeSub{id: "a"}
	b.Subscribe("jobs:demo", sub)
	b.Subscribe("jobs:*", sub)

	n := b.Publish("jobs:demo", "hi", "")
	assert.Equal(t, 1, n)
	assert.Len(t, sub.events, 1)
}

func TestBus_ExcludesPublisher(t *testing.T) {
	b := newTestBus()
	self := &fakeSub{id: "self"}
	peer := &fakeSub{id: "peer"}
	b.Subscribe("chat", self)
	b.Subscribe("chat", peer)

	n := b.Publish("chat", "hello", "self")
	assert.Equal(t, 1, n)
	assert.Empty(t, self.events)
	assert.Len(t, peer.events, 1)
}

func TestBus_DropsFailingSubscriber(t *testing.T) {
	b := newTestBus()
	dead := &fakeSub{id: "dead", fail: true}
	live := &fakeSub{id: "live"}
	b.Subscribe("chat", dead)
	b.Subscribe("chat", live)

	n := b.Publish("chat", "one", "")
	assert.Equal(t, 1, n)

	// The dead subscriber is gone; the next publish only sees the live one.
	n = b.Publish("chat", "two", "")
	assert.Equal(t, 1, n)
	assert.Len(t, live.events, 2)
}

func TestBus_Replay(t *testing.T) {
	b := newTestBus()

	t.Run("zero cursor older than buffer means refresh", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			b.Publish("state:app", i, "")
		}
		events, refresh := b.Replay("state:app", 0)
		assert.True(t, refresh)
		assert.Empty(t, events)
	})

	t.Run("cursor at newest event replays nothing", func(t *testing.T) {
		buf := b.buffers["state:app"]
		require.NotEmpty(t, buf)
		newest := buf[len(buf)-1].Timestamp

		events, refresh := b.Replay("state:app", newest)
		assert.False(t, refresh)
		assert.Empty(t, events)
	})

	t.Run("cursor at oldest replays the rest in order", func(t *testing.T) {
		// Make timestamps distinct so the cursor falls between events.
		base := time.Now()
		tick := 0
		b.now = func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * 10 * time.Millisecond)
		}
		for i := 0; i < 3; i++ {
			b.Publish("ordered", i, "")
		}
		buf := b.buffers["ordered"]
		require.Len(t, buf, 3)

		events, refresh := b.Replay("ordered", buf[0].Timestamp)
		assert.False(t, refresh)
		require.Len(t, events, 2)
		assert.Equal(t, buf[1].Timestamp, events[0].Timestamp)
		assert.Equal(t, buf[2].Timestamp, events[1].Timestamp)
	})

	t.Run("empty channel replays nothing without refresh", func(t *testing.T) {
		events, refresh := b.Replay("never-published", 0)
		assert.False(t, refresh)
		assert.Empty(t, events)
	})
}

func TestBus_WindowPruning(t *testing.T) {
	b := newTestBus()
	base := time.Now()
	b.now = func() time.Time { return base }

	b.Publish("old", "stale", "")

	// Move past the replay window; the stale event must be gone.
	b.now = func() time.Time { return base.Add(ReplayWindow + time.Second) }
	b.Publish("old", "fresh", "")

	events := b.EventsSince("old", 0)
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].Message)
}

func TestBus_EventsSince(t *testing.T) {
	b := newTestBus()
	base := time.Now()
	tick := 0
	b.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * 10 * time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		b.Publish("feed", i, "")
	}
	buf := b.buffers["feed"]
	events := b.EventsSince("feed", buf[1].Timestamp)
	assert.Len(t, events, 2)
}

func TestBus_HasSubscribers(t *testing.T) {
	b := newTestBus()
	assert.False(t, b.HasSubscribers())

	sub := &fakeSub{id: "a"}
	b.Subscribe("chat", sub)
	assert.True(t, b.HasSubscribers())

	b.RemoveSubscriber("a")
	assert.False(t, b.HasSubscribers())
}

func TestBus_UnsubscribePrunesChannel(t *testing.T) {
	b := newTestBus()
	sub := &fakeSub{id: "a"}
	b.Subscribe("chat", sub)
	b.Unsubscribe("chat", "a")

	_, ok := b.subs["chat"]
	assert.False(t, ok, "empty channel should be pruned")
}

// gatedSub records deliveries like fakeSub but blocks inside its first
// Deliver until released, standing in for a subscriber on a stalled socket.
type gatedSub struct {
	id      string
	entered chan struct{}
	release chan struct{}
	gateOne sync.Once

	mu     sync.Mutex
	events []Event
	replay []bool
}

func newGatedSub(id string) *gatedSub {
	return &gatedSub{
		id:      id,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedSub) SubscriberID() string { return g.id }

func (g *gatedSub) Deliver(ev Event, replay bool) error {
	g.gateOne.Do(func() {
		close(g.entered)
		<-g.release
	})
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, ev)
	g.replay = append(g.replay, replay)
	return nil
}

func (g *gatedSub) messages() []any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]any, len(g.events))
	for i, ev := range g.events {
		out[i] = ev.Message
	}
	return out
}

func TestBus_PublishOrderSurvivesStalledSubscriber(t *testing.T) {
	b := newTestBus()
	sub := newGatedSub("slow")
	b.Subscribe("feed:a", sub)

	first := make(chan struct{})
	go func() {
		b.Publish("feed:a", "one", "")
		close(first)
	}()
	<-sub.entered

	// The second publish must queue behind the stalled first delivery, not
	// overtake it.
	second := make(chan struct{})
	go func() {
		b.Publish("feed:a", "two", "")
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second publish completed while the first delivery was stalled")
	case <-time.After(50 * time.Millisecond):
	}

	close(sub.release)
	<-first
	<-second

	assert.Equal(t, []any{"one", "two"}, sub.messages())
}

func TestBus_PublishOrderIndependentAcrossChannels(t *testing.T) {
	b := newTestBus()
	slow := newGatedSub("slow")
	fast := &fakeSub{id: "fast"}
	b.Subscribe("feed:a", slow)
	b.Subscribe("feed:b", fast)

	done := make(chan struct{})
	go func() {
		b.Publish("feed:a", "stalled", "")
		close(done)
	}()
	<-slow.entered

	// A stalled feed:a delivery must not block feed:b.
	b.Publish("feed:b", "independent", "")
	require.Len(t, fast.events, 1)

	close(slow.release)
	<-done
}

func TestBus_SubscribeWithReplay(t *testing.T) {
	t.Run("stale cursor reports refresh", func(t *testing.T) {
		b := newTestBus()
		b.Publish("feed:a", "old", "")

		sub := &fakeSub{id: "s"}
		refresh, replayed := b.SubscribeWithReplay("feed:a", sub, 0)
		assert.True(t, refresh)
		assert.Zero(t, replayed)
		assert.Empty(t, sub.events)

		// Registration still happened; live events flow.
		b.Publish("feed:a", "new", "")
		require.Len(t, sub.events, 1)
		assert.Equal(t, "new", sub.events[0].Message)
	})

	t.Run("empty channel needs no refresh", func(t *testing.T) {
		b := newTestBus()
		sub := &fakeSub{id: "s"}
		refresh, replayed := b.SubscribeWithReplay("feed:empty", sub, 0)
		assert.False(t, refresh)
		assert.Zero(t, replayed)
	})

	t.Run("replays backlog newer than cursor", func(t *testing.T) {
		b := newTestBus()
		base := time.Now()
		tick := 0
		b.mu.Lock()
		b.now = func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * 10 * time.Millisecond)
		}
		b.mu.Unlock()

		b.Publish("feed:a", "one", "")
		cursor := base.Add(15 * time.Millisecond).UnixMilli()
		b.Publish("feed:a", "two", "")
		b.Publish("feed:a", "three", "")

		sub := &fakeSub{id: "s"}
		refresh, replayed := b.SubscribeWithReplay("feed:a", sub, cursor)
		assert.False(t, refresh)
		assert.Equal(t, 2, replayed)
		require.Len(t, sub.events, 2)
		assert.Equal(t, "two", sub.events[0].Message)
		assert.Equal(t, "three", sub.events[1].Message)
		assert.Equal(t, []bool{true, true}, sub.replay)
	})
}

func TestBus_SubscribeWithReplayExcludesConcurrentPublish(t *testing.T) {
	b := newTestBus()
	base := time.Now()
	tick := 0
	b.mu.Lock()
	b.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * 10 * time.Millisecond)
	}
	b.mu.Unlock()

	b.Publish("feed:a", "seen", "")
	cursor := base.Add(10 * time.Millisecond).UnixMilli()
	b.Publish("feed:a", "old", "")

	sub := newGatedSub("joining")
	joined := make(chan struct{})
	go func() {
		b.SubscribeWithReplay("feed:a", sub, cursor)
		close(joined)
	}()

	// Replay of "old" is stalled inside the subscriber; a publish landing
	// now must wait and then arrive exactly once, live, after the backlog.
	<-sub.entered
	published := make(chan struct{})
	go func() {
		b.Publish("feed:a", "new", "")
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish completed during an in-progress subscribe catch-up")
	case <-time.After(50 * time.Millisecond):
	}

	close(sub.release)
	<-joined
	<-published

	assert.Equal(t, []any{"old", "new"}, sub.messages())
	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, []bool{true, false}, sub.replay)
}
