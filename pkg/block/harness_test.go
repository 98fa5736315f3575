// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/absmach/coapbwt/pkg/coap"
	perrors "github.com/absmach/coapbwt/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
	"github.com/stretchr/testify/require"
)

// recorder is a Dispatcher that keeps everything it is given.
type recorder struct {
	mu       sync.Mutex
	sends    []*coap.Message
	complete []*coap.Message
}

var _ Dispatcher = (*recorder)(nil)

func (r *recorder) EnqueueSend(msg *coap.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, msg)
	return nil
}

func (r *recorder) EnqueueReceiveComplete(msg *coap.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete = append(r.complete, msg)
	return nil
}

func (r *recorder) popSend() (*coap.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sends) == 0 {
		return nil, false
	}
	m := r.sends[0]
	r.sends = r.sends[1:]
	return m, true
}

func (r *recorder) popComplete() (*coap.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.complete) == 0 {
		return nil, false
	}
	m := r.complete[0]
	r.complete = r.complete[1:]
	return m, true
}

func (r *recorder) lastSend() *coap.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sends) == 0 {
		return nil
	}
	return r.sends[len(r.sends)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// peer is one side of an in-memory exchange. PDUs travel through the real
// codec, the same way the messenger moves them.
type peer struct {
	t      *testing.T
	addr   *net.UDPAddr
	engine *Engine
	queue  *recorder
	nextID int32

	// onComplete, if set, receives every complete message instead of it
	// being kept in delivered.
	onComplete func(p *peer, msg *coap.Message)
	delivered  []*coap.Message
	wire       []*pool.Message
}

func newPeer(t *testing.T, port int, cfg Config) *peer {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	q := &recorder{}
	return &peer{
		t:      t,
		addr:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
		engine: New(cfg, q),
		queue:  q,
		nextID: int32(port % 1000 * 10),
	}
}

// send hands msg to the engine and falls back to a single PDU.
func (p *peer) send(msg *coap.Message) {
	p.t.Helper()
	err := p.engine.Send(context.Background(), msg)
	if errors.Is(err, perrors.ErrNotSupported) {
		require.NoError(p.t, p.queue.EnqueueSend(msg.Clone()))
		return
	}
	require.NoError(p.t, err)
}

// transmitOne moves the oldest queued message of p to dst. It reports
// whether anything was sent.
func (p *peer) transmitOne(dst *peer) bool {
	p.t.Helper()
	msg, ok := p.queue.popSend()
	if !ok {
		return false
	}
	ctx := context.Background()
	if msg.MessageID == 0 {
		p.nextID++
		msg.MessageID = p.nextID
	}
	pdu := coap.NewPDU(ctx, msg)
	require.NoError(p.t, p.engine.PreparePDU(ctx, pdu, msg))
	data, err := coap.Marshal(pdu)
	require.NoError(p.t, err)

	dst.receive(data, p.addr)
	return true
}

func (p *peer) receive(data []byte, from *net.UDPAddr) {
	p.t.Helper()
	ctx := context.Background()
	pdu, err := coap.Unmarshal(ctx, data)
	require.NoError(p.t, err)
	p.wire = append(p.wire, pdu)

	msg, err := coap.FromPDU(pdu, from)
	require.NoError(p.t, err)

	_, err = p.engine.Receive(ctx, pdu, msg, len(data))
	switch {
	case errors.Is(err, perrors.ErrNotSupported):
		if !msg.IsEmpty() {
			msg.StripBlockOptions()
			require.NoError(p.t, p.queue.EnqueueReceiveComplete(msg))
		}
	default:
		require.NoError(p.t, err)
	}
}

func (p *peer) drainComplete() {
	for {
		msg, ok := p.queue.popComplete()
		if !ok {
			return
		}
		if p.onComplete != nil {
			p.onComplete(p, msg)
			continue
		}
		p.delivered = append(p.delivered, msg)
	}
}

// pump runs the exchange between a and b until both are idle.
func pump(t *testing.T, a, b *peer) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		a.drainComplete()
		b.drainComplete()
		sentA := a.transmitOne(b)
		sentB := b.transmitOne(a)
		if !sentA && !sentB && len(a.queue.complete) == 0 && len(b.queue.complete) == 0 {
			return
		}
	}
	t.Fatal("exchange did not settle")
}

// respondWith returns an onComplete hook answering every request with a
// piggybacked response carrying body.
func respondWith(code codes.Code, body []byte) func(p *peer, msg *coap.Message) {
	return func(p *peer, msg *coap.Message) {
		if !msg.IsRequest() {
			p.delivered = append(p.delivered, msg)
			return
		}
		p.delivered = append(p.delivered, msg)
		if msg.Acknowledged {
			return
		}
		resp := coap.NewResponse(msg)
		resp.Code = code
		resp.MessageID = msg.MessageID
		if msg.Type == message.NonConfirmable {
			resp.Type = message.NonConfirmable
			resp.MessageID = 0
		}
		resp.Payload = bytes.Clone(body)
		p.send(resp)
	}
}

func payloadOf(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func request(to *net.UDPAddr, typ message.Type, code codes.Code, token string, payload []byte) *coap.Message {
	msg := &coap.Message{
		Endpoint: to,
		Token:    message.Token(token),
		Code:     code,
		Type:     typ,
		Payload:  payload,
	}
	msg.SetPath("/res")
	return msg
}

// blockPDU builds an inbound PDU carrying the block option o as id, or no
// block option when id is 0. extra runs on the PDU before it is encoded.
func blockPDU(t *testing.T, from *net.UDPAddr, typ message.Type, code codes.Code, mid int32, token string, id message.OptionID, o Option, payload []byte, extra ...func(*pool.Message)) (*pool.Message, *coap.Message, int) {
	t.Helper()
	ctx := context.Background()
	out := &coap.Message{Token: message.Token(token), Code: code, Type: typ, MessageID: mid}
	pdu := coap.NewPDU(ctx, out)
	if id != 0 {
		require.NoError(t, writeOption(pdu, id, o))
	}
	for _, fn := range extra {
		fn(pdu)
	}
	coap.SetPayload(pdu, payload)
	data, err := coap.Marshal(pdu)
	require.NoError(t, err)

	in, err := coap.Unmarshal(ctx, data)
	require.NoError(t, err)
	msg, err := coap.FromPDU(in, from)
	require.NoError(t, err)
	return in, msg, len(data)
}

var coapAddr = net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}

func readOptionOf(pdu *pool.Message, id message.OptionID) (Option, error) {
	o, _, err := readOption(pdu, id)
	return o, err
}

func blockSizeOf(size int) blockwise.SZX {
	szx, _ := SZXForSize(size)
	return szx
}

func withSize(id message.OptionID, n int) func(*pool.Message) {
	return func(pdu *pool.Message) {
		writeSize(pdu, id, n)
	}
}
