// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits inbound datagrams per remote endpoint with token
// buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxPeers is the default number of endpoints tracked at once.
const DefaultMaxPeers = 10000

// bucket is a token bucket refilled continuously at rate tokens per second.
type bucket struct {
	tokens   float64
	last     time.Time
	lastSeen time.Time
}

func (b *bucket) take(now time.Time, capacity, rate float64) bool {
	b.tokens += now.Sub(b.last).Seconds() * rate
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.last = now
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Limiter keeps one bucket per remote endpoint.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity float64
	rate     float64
	maxPeers int
	now      func() time.Time
}

// New creates a limiter allowing bursts of capacity datagrams per endpoint,
// refilled at rate datagrams per second. If maxPeers is 0, uses
// DefaultMaxPeers.
func New(capacity, rate int, maxPeers int) *Limiter {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: float64(capacity),
		rate:     float64(rate),
		maxPeers: maxPeers,
		now:      time.Now,
	}
}

// Allow reports whether a datagram from remote may be processed.
// Endpoints beyond maxPeers are refused until idle ones are evicted.
func (l *Limiter) Allow(remote string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[remote]
	if !ok {
		if len(l.buckets) >= l.maxPeers {
			return false
		}
		b = &bucket{tokens: l.capacity, last: now}
		l.buckets[remote] = b
	}
	return b.take(now, l.capacity, l.rate)
}

// Peers returns the number of tracked endpoints.
func (l *Limiter) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Cleanup evicts endpoints idle for longer than idle until ctx is done.
func (l *Limiter) Cleanup(ctx context.Context, idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evictIdle(idle)
		}
	}
}

func (l *Limiter) evictIdle(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for remote, b := range l.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(l.buckets, remote)
			n++
		}
	}
	return n
}
