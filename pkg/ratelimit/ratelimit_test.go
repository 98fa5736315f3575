// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(capacity, rate, maxPeers int) (*Limiter, *clock) {
	c := &clock{t: time.Unix(1000, 0)}
	l := New(capacity, rate, maxPeers)
	l.now = c.now
	return l, c
}

func TestLimiterBurstAndRefill(t *testing.T) {
	l, c := newTestLimiter(3, 2, 0)

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1:5683") {
			t.Fatalf("datagram %d of the burst refused", i)
		}
	}
	if l.Allow("10.0.0.1:5683") {
		t.Error("Expected datagram beyond the burst to be refused")
	}
	if !l.Allow("10.0.0.2:5683") {
		t.Error("Expected another endpoint to have its own bucket")
	}

	c.advance(500 * time.Millisecond)
	if !l.Allow("10.0.0.1:5683") {
		t.Error("Expected one token after half a second at 2/s")
	}
	if l.Allow("10.0.0.1:5683") {
		t.Error("Expected bucket to be empty again")
	}

	c.advance(time.Hour)
	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1:5683") {
			t.Fatalf("refill above capacity not capped correctly at %d", i)
		}
	}
	if l.Allow("10.0.0.1:5683") {
		t.Error("Expected refill to be capped at capacity")
	}
}

func TestLimiterMaxPeers(t *testing.T) {
	l, _ := newTestLimiter(1, 1, 2)

	l.Allow("a")
	l.Allow("b")
	if l.Allow("c") {
		t.Error("Expected a third endpoint to be refused")
	}
	if got := l.Peers(); got != 2 {
		t.Errorf("Expected 2 peers, got %d", got)
	}
}

func TestLimiterEvictIdle(t *testing.T) {
	l, c := newTestLimiter(1, 1, 0)

	l.Allow("old")
	c.advance(2 * time.Minute)
	l.Allow("new")

	if n := l.evictIdle(time.Minute); n != 1 {
		t.Errorf("Expected 1 eviction, got %d", n)
	}
	if got := l.Peers(); got != 1 {
		t.Errorf("Expected 1 peer left, got %d", got)
	}
}

func TestLimiterCleanupStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(1, 1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Cleanup(ctx, 10*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cleanup did not stop")
	}
}
