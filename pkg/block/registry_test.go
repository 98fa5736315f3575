// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/absmach/coapbwt/pkg/coap"
	perrors "github.com/absmach/coapbwt/pkg/errors"
	"github.com/absmach/coapbwt/pkg/metrics"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestRegistry(maxContexts int) (*Registry, *metrics.Metrics) {
	m := metrics.New("", nil)
	return NewRegistry(quietLogger(), m, DefaultSZX, maxContexts), m
}

func sentMessage(token string) *coap.Message {
	return request(&coapAddr, message.Confirmable, codes.PUT, token, []byte("payload"))
}

func TestRegistry_CreateFindRemove(t *testing.T) {
	r, m := newTestRegistry(0)
	msg := sentMessage("a")
	id := IDFromMessage(msg)

	c, err := r.Create(msg)
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
	assert.NotEmpty(t, c.Trace)
	assert.Equal(t, DefaultSZX, c.Block1.SZX)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveContexts))

	// The stored message is a copy.
	msg.Payload[0] = 'X'
	found, ok := r.Find(id)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), found.SentData.Payload)

	// Snapshots do not write through.
	found.Block1.Num = 9
	again, _ := r.Find(id)
	assert.Zero(t, again.Block1.Num)

	_, err = r.Create(sentMessage("a"))
	assert.ErrorIs(t, err, perrors.ErrAlreadyExists)

	assert.True(t, r.Remove(id))
	assert.False(t, r.Remove(id), "second remove must be a no-op")
	assert.False(t, r.IsPresent(id))
	assert.Zero(t, testutil.ToFloat64(m.ActiveContexts))
}

func TestRegistry_Update(t *testing.T) {
	r, _ := newTestRegistry(0)
	c, err := r.Create(sentMessage("u"))
	require.NoError(t, err)

	now := c.LastActivity.Add(time.Minute)
	r.now = func() time.Time { return now }

	err = r.Update(c.ID, func(c *Context) error {
		c.Block1.Num = 4
		return nil
	})
	require.NoError(t, err)

	got, _ := r.Find(c.ID)
	assert.Equal(t, uint32(4), got.Block1.Num)
	assert.Equal(t, now, got.LastActivity)

	err = r.Update(NewID([]byte("missing"), 1), func(*Context) error { return nil })
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}

func TestRegistry_FindByMessageID(t *testing.T) {
	r, _ := newTestRegistry(0)
	msg := sentMessage("mid")
	msg.MessageID = 77
	_, err := r.Create(msg)
	require.NoError(t, err)

	id, ok := r.FindByMessageID(77, uint16(coapAddr.Port))
	require.True(t, ok)
	assert.Equal(t, IDFromMessage(msg), id)

	_, ok = r.FindByMessageID(77, 1)
	assert.False(t, ok, "port must match")
	_, ok = r.FindByMessageID(78, uint16(coapAddr.Port))
	assert.False(t, ok)
}

func TestRegistry_Limit(t *testing.T) {
	r, _ := newTestRegistry(2)
	_, err := r.Create(sentMessage("1"))
	require.NoError(t, err)
	_, err = r.Create(sentMessage("2"))
	require.NoError(t, err)
	_, err = r.Create(sentMessage("3"))
	assert.ErrorIs(t, err, perrors.ErrContextLimit)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_BindRequestResets(t *testing.T) {
	r, _ := newTestRegistry(0)
	msg := sentMessage("b")
	_, err := r.Create(msg)
	require.NoError(t, err)
	require.NoError(t, r.Update(IDFromMessage(msg), func(c *Context) error {
		c.Type = message.Block2
		c.Block2.Num = 3
		c.Payload = []byte("abc")
		c.ReceivedPayloadLen = 3
		return nil
	}))

	exists, err := r.bind(sentMessage("b"), false)
	require.NoError(t, err)
	assert.True(t, exists)

	c, _ := r.Find(IDFromMessage(msg))
	assert.Zero(t, c.Type)
	assert.Zero(t, c.Block2.Num)
	assert.Zero(t, c.ReceivedPayloadLen)

	exists, err = r.bind(sentMessage("other"), false)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_ConcurrentCreate(t *testing.T) {
	r, _ := newTestRegistry(0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create(sentMessage("same")); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created, "exactly one creator must win")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_CleanupExpired(t *testing.T) {
	r, m := newTestRegistry(0)
	start := time.Now()
	r.now = func() time.Time { return start }

	for i := 0; i < 3; i++ {
		_, err := r.Create(sentMessage(fmt.Sprintf("old-%d", i)))
		require.NoError(t, err)
	}
	r.now = func() time.Time { return start.Add(time.Minute) }
	_, err := r.Create(sentMessage("fresh"))
	require.NoError(t, err)

	r.now = func() time.Time { return start.Add(time.Minute + 30*time.Second) }
	assert.Equal(t, 3, r.cleanupExpired(time.Minute))
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ContextsExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveContexts))
}

func TestRegistry_CompletionExpires(t *testing.T) {
	r, m := newTestRegistry(0)
	start := time.Now()
	r.now = func() time.Time { return start }

	id := NewID([]byte("done"), uint16(coapAddr.Port))
	ack := &coap.Message{Endpoint: &coapAddr, Token: message.Token("done"), Code: codes.Changed, Type: message.Acknowledgement, MessageID: 7}
	final := Option{Num: 3, SZX: 4}
	r.complete(id, ack, final)

	_, ok := r.completedAck(id, 8)
	assert.False(t, ok)
	got, ok := r.completedAck(id, 7)
	require.True(t, ok)
	assert.Equal(t, codes.Changed, got.Code)
	blk, ok := r.completedBlock1(id, 7)
	require.True(t, ok)
	assert.Equal(t, final, blk)
	assert.Zero(t, r.Len())

	r.now = func() time.Time { return start.Add(2 * time.Minute) }
	assert.Zero(t, r.cleanupExpired(time.Minute))
	_, ok = r.completedAck(id, 7)
	assert.False(t, ok)
	assert.Zero(t, testutil.ToFloat64(m.ContextsExpired))

	// A new transfer with the same ID forgets the old completion.
	r.complete(id, ack, final)
	_, err := r.Create(sentMessage("done"))
	require.NoError(t, err)
	_, ok = r.completedBlock1(id, 7)
	assert.False(t, ok)
}

func TestRegistry_CleanupStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	r, _ := newTestRegistry(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Cleanup(ctx, 10*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cleanup did not return after cancel")
	}
}
