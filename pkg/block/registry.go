// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/coapbwt/pkg/coap"
	perrors "github.com/absmach/coapbwt/pkg/errors"
	"github.com/absmach/coapbwt/pkg/metrics"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
)

// Registry holds the active block contexts keyed by ID.
//
// Every operation holds a single mutex for its whole duration and never
// calls out while holding it, so the registry lock is always the innermost
// lock taken.
type Registry struct {
	mu          sync.Mutex
	contexts    map[ID]*Context
	completed   map[ID]completion
	logger      *slog.Logger
	metrics     *metrics.Metrics
	defaultSZX  blockwise.SZX
	maxContexts int
	now         func() time.Time
}

// NewRegistry creates a registry whose new contexts start with defaultSZX.
// maxContexts of 0 means no limit.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics, defaultSZX blockwise.SZX, maxContexts int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New("", nil)
	}
	if defaultSZX > MaxSZX {
		defaultSZX = DefaultSZX
	}
	return &Registry{
		contexts:    make(map[ID]*Context),
		completed:   make(map[ID]completion),
		logger:      logger,
		metrics:     m,
		defaultSZX:  defaultSZX,
		maxContexts: maxContexts,
		now:         time.Now,
	}
}

// Create registers a context for the exchange of sent, keeping a clone of
// sent as its SentData. If a context already exists for the ID it is
// returned together with ErrAlreadyExists. The returned context is a
// snapshot.
func (r *Registry) Create(sent *coap.Message) (*Context, error) {
	if sent == nil {
		return nil, perrors.ErrInvalidInput
	}
	id := IDFromMessage(sent)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.contexts[id]; ok {
		return c.clone(), perrors.ErrAlreadyExists
	}
	c, err := r.create(id, sent)
	if err != nil {
		return nil, err
	}
	return c.clone(), nil
}

func (r *Registry) create(id ID, sent *coap.Message) (*Context, error) {
	if r.maxContexts > 0 && len(r.contexts) >= r.maxContexts {
		return nil, perrors.ErrContextLimit
	}
	delete(r.completed, id)
	now := r.now()
	c := &Context{
		ID:           id,
		Trace:        uuid.NewString(),
		Block1:       Option{SZX: r.defaultSZX},
		Block2:       Option{SZX: r.defaultSZX},
		SentData:     sent.Clone(),
		CreatedAt:    now,
		LastActivity: now,
	}
	r.contexts[id] = c
	r.metrics.ActiveContexts.Set(float64(len(r.contexts)))

	r.logger.Debug("block context created",
		slog.String("block_id", id.String()),
		slog.String("trace", c.Trace))

	return c, nil
}

// bind points the context of sent at a clone of sent. A request starts its
// transfer over; a response keeps the negotiated block state. When no
// context exists, one is created if create is set. It reports whether a
// context exists on return.
func (r *Registry) bind(sent *coap.Message, create bool) (bool, error) {
	id := IDFromMessage(sent)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.contexts[id]; ok {
		c.SentData = sent.Clone()
		c.LastActivity = r.now()
		if sent.IsRequest() {
			c.resetTransfer()
			c.Type = 0
		}
		return true, nil
	}
	if !create {
		return false, nil
	}
	if _, err := r.create(id, sent); err != nil {
		return false, err
	}
	return true, nil
}

// Find returns a snapshot of the context for id.
func (r *Registry) Find(id ID) (*Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[id]
	if !ok {
		return nil, false
	}
	return c.clone(), true
}

// FindByMessageID returns the ID of the context whose SentData carries mid
// and whose peer uses port.
func (r *Registry) FindByMessageID(mid int32, port uint16) (ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.contexts {
		if c.SentData != nil && c.SentData.MessageID == mid && id.Port() == port {
			return id, true
		}
	}
	return "", false
}

// Update runs fn on the context for id while holding the registry lock.
// fn must not call back into the registry.
func (r *Registry) Update(id ID, fn func(c *Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[id]
	if !ok {
		return perrors.ErrNotFound
	}
	c.LastActivity = r.now()
	return fn(c)
}

// view runs fn on the context for id under the lock without touching its
// activity time. It reports whether the context exists.
func (r *Registry) view(id ID, fn func(c *Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[id]
	if ok {
		fn(c)
	}
	return ok
}

// Remove deletes the context for id. Removing an absent ID is not an error.
// It reports whether a context was removed.
func (r *Registry) Remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.contexts[id]; !ok {
		return false
	}
	delete(r.contexts, id)
	r.metrics.ActiveContexts.Set(float64(len(r.contexts)))

	r.logger.Debug("block context removed", slog.String("block_id", id.String()))
	return true
}

// IsPresent reports whether a context exists for id.
func (r *Registry) IsPresent(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.contexts[id]
	return ok
}

// IDs returns the IDs of all active contexts.
func (r *Registry) IDs() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]ID, 0, len(r.contexts))
	for id := range r.contexts {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of active contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}

// Cleanup removes contexts idle for longer than ttl until ctx is done.
// Should be called in a background goroutine.
func (r *Registry) Cleanup(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cleanupExpired(ttl)
		}
	}
}

// completion is the final acknowledgement of a Block1 upload, kept after
// its context is gone so that a retransmitted last block can be answered
// again.
type completion struct {
	ack    *coap.Message
	block1 Option
	at     time.Time
}

// complete records ack as the answer to the last Block1 of id.
func (r *Registry) complete(id ID, ack *coap.Message, blk Option) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[id] = completion{ack: ack.Clone(), block1: blk, at: r.now()}
}

// completedAck returns a copy of the acknowledgement of the finished
// upload of id when mid is the message ID of its last block.
func (r *Registry) completedAck(id ID, mid int32) (*coap.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	done, ok := r.completed[id]
	if !ok || done.ack.MessageID != mid {
		return nil, false
	}
	done.at = r.now()
	r.completed[id] = done
	return done.ack.Clone(), true
}

// completedBlock1 returns the final Block1 option of the finished upload of
// id when mid is the message ID of its acknowledgement.
func (r *Registry) completedBlock1(id ID, mid int32) (Option, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	done, ok := r.completed[id]
	if !ok || done.ack.MessageID != mid {
		return Option{}, false
	}
	return done.block1, true
}

// cleanupExpired removes contexts idle for longer than ttl and returns how
// many were removed.
func (r *Registry) cleanupExpired(ttl time.Duration) int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, done := range r.completed {
		if now.Sub(done.at) > ttl {
			delete(r.completed, id)
		}
	}

	removed := 0
	for id, c := range r.contexts {
		if now.Sub(c.LastActivity) <= ttl {
			continue
		}
		r.logger.Debug("block context expired",
			slog.String("block_id", id.String()),
			slog.String("trace", c.Trace),
			slog.Duration("idle", now.Sub(c.LastActivity)))
		delete(r.contexts, id)
		removed++
	}
	if removed == 0 {
		return 0
	}
	r.metrics.ActiveContexts.Set(float64(len(r.contexts)))
	r.metrics.ContextsExpired.Add(float64(removed))
	r.logger.Debug("cleaned up expired block contexts", slog.Int("count", removed))
	return removed
}
