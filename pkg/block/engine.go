// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/coapbwt/pkg/coap"
	perrors "github.com/absmach/coapbwt/pkg/errors"
	"github.com/absmach/coapbwt/pkg/metrics"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
)

const (
	// DefaultBlockSize is the default block size in bytes.
	DefaultBlockSize = 1024

	// DefaultMaxPayloadSize is the default cap of a reassembled payload.
	DefaultMaxPayloadSize = 1 << 20

	// DefaultContextTTL is the default idle time after which a context is
	// evicted. It matches the CoAP EXCHANGE_LIFETIME.
	DefaultContextTTL = 247 * time.Second
)

// Dispatcher hands messages to the send and receive workers. Both methods
// take ownership of msg and must not block.
type Dispatcher interface {
	// EnqueueSend queues msg for PDU generation and transmission.
	EnqueueSend(msg *coap.Message) error

	// EnqueueReceiveComplete queues a complete message for delivery to the
	// application.
	EnqueueReceiveComplete(msg *coap.Message) error
}

// Config holds the block engine configuration.
type Config struct {
	// BlockSize is the preferred block size in bytes and the payload size
	// above which a message is sent block-wise.
	// If 0, uses DefaultBlockSize (1024). Must be a power of two in 16..1024.
	BlockSize int

	// MaxPDUSize is the largest PDU that fits a datagram.
	// If 0, uses DefaultMaxPDUSize (1400).
	MaxPDUSize int

	// MaxPayloadSize caps reassembled payloads.
	// If 0, uses DefaultMaxPayloadSize (1 MiB).
	MaxPayloadSize int

	// MaxContexts is the maximum number of concurrent transfers.
	// If 0, no limit is enforced.
	MaxContexts int

	// Logger for engine events
	Logger *slog.Logger

	// Metrics receives block transfer metrics. If nil, metrics are kept in
	// a private registry.
	Metrics *metrics.Metrics
}

// Engine drives block-wise transfers for one messaging instance.
type Engine struct {
	config     Config
	szx        blockwise.SZX
	registry   *Registry
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// senderMu makes queuing an outbound block atomic with respect to
	// other sends. It is never taken while the registry lock is held.
	senderMu sync.Mutex
}

// New creates a block engine that queues its messages on d.
func New(cfg Config, d Dispatcher) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", nil)
	}
	szx, ok := SZXForSize(cfg.BlockSize)
	if !ok {
		if cfg.BlockSize != 0 {
			cfg.Logger.Warn("invalid block size, using default",
				slog.Int("block_size", cfg.BlockSize),
				slog.Int("default", DefaultBlockSize))
		}
		cfg.BlockSize = DefaultBlockSize
		szx = DefaultSZX
	}
	if cfg.MaxPDUSize == 0 {
		cfg.MaxPDUSize = DefaultMaxPDUSize
	}
	if cfg.MaxPayloadSize == 0 {
		cfg.MaxPayloadSize = DefaultMaxPayloadSize
	}

	return &Engine{
		config:     cfg,
		szx:        szx,
		registry:   NewRegistry(cfg.Logger, cfg.Metrics, szx, cfg.MaxContexts),
		dispatcher: d,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// Registry returns the context registry of the engine.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// BlockSize returns the configured block size in bytes.
func (e *Engine) BlockSize() int {
	return e.config.BlockSize
}

// Send starts a block-wise transfer of msg.
//
// It returns ErrNotSupported when the payload fits in one block; the caller
// then sends msg on the ordinary path. A request is still registered in
// that case so that a block-wise response to it can be followed.
func (e *Engine) Send(ctx context.Context, msg *coap.Message) error {
	if msg == nil {
		return perrors.ErrInvalidInput
	}
	if msg.Type == message.Reset {
		return perrors.ErrNotSupported
	}

	id := IDFromMessage(msg)
	eligible := len(msg.Payload) > e.config.BlockSize

	exists, err := e.registry.bind(msg, eligible || msg.IsRequest())
	if err != nil {
		if !eligible && errors.Is(err, perrors.ErrContextLimit) {
			e.logger.Debug("request not tracked, context limit reached",
				slog.String("block_id", id.String()))
			return perrors.ErrNotSupported
		}
		return e.wrap("send", id, msg, err)
	}
	if !eligible || !exists {
		return perrors.ErrNotSupported
	}

	typ := message.Block2
	if msg.IsRequest() {
		typ = message.Block1
	}
	if err := e.registry.Update(id, func(c *Context) error {
		c.Type = typ
		return nil
	}); err != nil {
		return e.wrap("send", id, msg, err)
	}

	e.logger.Debug("block-wise send started",
		slog.String("block_id", id.String()),
		slog.String("option", optionName(typ)),
		slog.Int("payload_size", len(msg.Payload)))

	return e.enqueueSend(msg.Clone())
}

// Drop evicts the transfer of token with the peer at port, for instance
// when the retransmission layer gave up on it.
func (e *Engine) Drop(token []byte, port uint16) bool {
	return e.registry.Remove(NewID(token, port))
}

// processNextStep carries out the action selected by status for the
// transfer id after pdu was received.
func (e *Engine) processNextStep(pdu *pool.Message, msg *coap.Message, status Status, id ID) error {
	switch status {
	case StatusOption2FirstBlock, StatusOption2Con:
		return e.serveBlock2(pdu, msg, id)

	case StatusOption1Ack, StatusOption2Ack, StatusSentPreviousNon:
		return e.sendBlockMessage(id, func(out *coap.Message) {
			out.MessageID = 0
		})

	case StatusOption2LastBlock:
		err := e.deliver(id, msg, message.Block2, false)
		e.registry.Remove(id)
		return err

	case StatusOption1NoAckLastBlock:
		if pdu.Type() == message.NonConfirmable {
			err := e.deliver(id, msg, message.Block1, false)
			e.registry.Remove(id)
			return err
		}
		if code := pdu.Code(); code == codes.GET || code == coap.FETCH {
			// The application's response is piggybacked on the ACK and
			// removes the context once it is prepared.
			return e.deliver(id, msg, message.Block1, false)
		}
		if err := e.sendBlockMessage(id, func(out *coap.Message) {
			out.Type = message.Acknowledgement
			out.MessageID = pdu.MessageID()
			out.Code = codes.Changed
			out.Payload = nil
		}); err != nil {
			return err
		}
		return e.deliver(id, msg, message.Block1, true)

	case StatusOption1NoAckBlock:
		if pdu.Type() != message.Confirmable {
			return nil
		}
		return e.sendBlockMessage(id, func(out *coap.Message) {
			out.Type = message.Acknowledgement
			out.MessageID = pdu.MessageID()
			out.Code = codes.Continue
			out.Payload = nil
		})

	case StatusIncomplete:
		if t := pdu.Type(); t == message.Confirmable || t == message.Acknowledgement {
			return e.sendErrorMessage(pdu, msg, id, codes.RequestEntityIncomplete, status)
		}

	case StatusTooLarge:
		switch pdu.Type() {
		case message.Acknowledgement:
			return e.sendBlockMessage(id, func(out *coap.Message) {
				out.MessageID = 0
			})
		case message.Confirmable:
			return e.sendErrorMessage(pdu, msg, id, codes.RequestEntityTooLarge, status)
		}
	}
	return nil
}

// serveBlock2 answers a request for a Block2 block. A response already
// held by the context is queued; otherwise the request goes to the
// application, whose response then binds to this context and is sliced at
// the requested block.
func (e *Engine) serveBlock2(pdu *pool.Message, msg *coap.Message, id ID) error {
	var out *coap.Message
	e.registry.view(id, func(c *Context) {
		if c.SentData != nil && c.SentData.IsResponse() {
			out = c.outbound()
		}
	})
	if out == nil {
		req := msg.Clone()
		req.StripBlockOptions()
		return e.dispatcher.EnqueueReceiveComplete(req)
	}
	if pdu.Type() == message.Confirmable {
		out.Type = message.Acknowledgement
		out.MessageID = pdu.MessageID()
	} else {
		out.MessageID = 0
	}
	return e.enqueueSend(out)
}

// sendBlockMessage queues a copy of the SentData of id after applying
// mutate to it.
func (e *Engine) sendBlockMessage(id ID, mutate func(out *coap.Message)) error {
	var out *coap.Message
	e.registry.view(id, func(c *Context) {
		out = c.outbound()
	})
	if out == nil {
		return perrors.ErrNotFound
	}
	mutate(out)
	return e.enqueueSend(out)
}

// sendErrorMessage reports a block error to the peer. An INCOMPLETE
// transfer is reset so that the peer's retry starts clean.
func (e *Engine) sendErrorMessage(pdu *pool.Message, msg *coap.Message, id ID, code codes.Code, status Status) error {
	var out *coap.Message
	e.registry.view(id, func(c *Context) {
		if c.SentData != nil && !c.SentData.IsRequest() {
			out = c.outbound()
			out.Type = message.Acknowledgement
			out.MessageID = pdu.MessageID()
		}
		if status == StatusIncomplete {
			c.resetTransfer()
		}
	})
	if out == nil {
		out = coap.NewResponse(msg)
		out.Type = message.Confirmable
	}
	out.Code = code
	out.Payload = nil

	e.metrics.BlockErrors.WithLabelValues(code.String()).Inc()
	e.logger.Debug("block error response",
		slog.String("block_id", id.String()),
		slog.String("code", code.String()),
		slog.String("status", status.String()))

	return e.enqueueSend(out)
}

// deliver hands msg with the reassembled payload of id to the receive
// side. acked marks a request already acknowledged by the block layer.
func (e *Engine) deliver(id ID, msg *coap.Message, typ message.OptionID, acked bool) error {
	var payload []byte
	e.registry.view(id, func(c *Context) {
		if c.ReceivedPayloadLen > 0 {
			payload = bytes.Clone(c.Payload[:c.ReceivedPayloadLen])
		}
	})

	out := msg.Clone()
	out.StripBlockOptions()
	if payload != nil {
		out.Payload = payload
	}
	out.Acknowledged = acked

	e.metrics.ObserveTransfer(optionName(typ), len(out.Payload))
	e.logger.Debug("block-wise transfer complete",
		slog.String("block_id", id.String()),
		slog.String("option", optionName(typ)),
		slog.Int("payload_size", len(out.Payload)))

	return e.dispatcher.EnqueueReceiveComplete(out)
}

func (e *Engine) enqueueSend(msg *coap.Message) error {
	e.senderMu.Lock()
	defer e.senderMu.Unlock()
	return e.dispatcher.EnqueueSend(msg)
}

func (e *Engine) wrap(op string, id ID, msg *coap.Message, err error) error {
	remote := ""
	if msg != nil && msg.Endpoint != nil {
		remote = msg.Endpoint.String()
	}
	return perrors.New(op, id.String(), remote, err)
}
