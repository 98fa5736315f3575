// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messenger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/coapbwt/pkg/block"
	"github.com/absmach/coapbwt/pkg/coap"
	perrors "github.com/absmach/coapbwt/pkg/errors"
	"github.com/absmach/coapbwt/pkg/handler"
	"github.com/absmach/coapbwt/pkg/metrics"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers is the default number of send and of receive workers.
	DefaultWorkers = 4

	// DefaultQueueSize is the default capacity of each queue.
	DefaultQueueSize = 256

	sendQueue    = "send"
	receiveQueue = "receive"
)

var _ block.Dispatcher = (*Messenger)(nil)

// Transport writes encoded datagrams to a peer.
type Transport interface {
	SendUnicast(ctx context.Context, to *net.UDPAddr, data []byte) (int, error)
}

// Config holds the messenger configuration.
type Config struct {
	// Workers is the number of send workers and of receive workers.
	// If 0, uses DefaultWorkers (4).
	Workers int

	// QueueSize is the capacity of the send and the receive queue.
	// If 0, uses DefaultQueueSize (256).
	QueueSize int

	// ContextTTL is the idle time after which a block context is evicted.
	// If 0, uses block.DefaultContextTTL.
	ContextTTL time.Duration

	// Block configures the block engine. Its Logger and Metrics default to
	// the ones of the messenger.
	Block block.Config

	// Logger for messenger events
	Logger *slog.Logger

	// Metrics receives queue and block metrics. If nil, metrics are kept
	// in a private registry.
	Metrics *metrics.Metrics
}

// Messenger moves CoAP messages between the application, the block engine
// and the transport.
type Messenger struct {
	config    Config
	engine    *block.Engine
	transport Transport
	handler   handler.Handler
	sendCh    chan *coap.Message
	recvCh    chan *coap.Message
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates a messenger sending through t and delivering complete
// messages to h.
func New(cfg Config, t Transport, h handler.Handler) *Messenger {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", nil)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ContextTTL <= 0 {
		cfg.ContextTTL = block.DefaultContextTTL
	}
	if cfg.Block.Logger == nil {
		cfg.Block.Logger = cfg.Logger
	}
	if cfg.Block.Metrics == nil {
		cfg.Block.Metrics = cfg.Metrics
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	m := &Messenger{
		config:    cfg,
		transport: t,
		handler:   h,
		sendCh:    make(chan *coap.Message, cfg.QueueSize),
		recvCh:    make(chan *coap.Message, cfg.QueueSize),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	m.engine = block.New(cfg.Block, m)
	return m
}

// Engine returns the block engine of the messenger.
func (m *Messenger) Engine() *block.Engine {
	return m.engine
}

// QueueLen returns the number of messages waiting in the send queue and
// in the receive queue.
func (m *Messenger) QueueLen() (send, receive int) {
	return len(m.sendCh), len(m.recvCh)
}

// Send transmits msg, block-wise when its payload does not fit one block.
// msg is not retained.
func (m *Messenger) Send(ctx context.Context, msg *coap.Message) error {
	err := m.engine.Send(ctx, msg)
	if errors.Is(err, perrors.ErrNotSupported) {
		return m.EnqueueSend(msg.Clone())
	}
	return err
}

// EnqueueSend queues msg for transmission without blocking.
func (m *Messenger) EnqueueSend(msg *coap.Message) error {
	return m.enqueue(m.sendCh, sendQueue, msg)
}

// EnqueueReceiveComplete queues a complete inbound message for the handler
// without blocking.
func (m *Messenger) EnqueueReceiveComplete(msg *coap.Message) error {
	return m.enqueue(m.recvCh, receiveQueue, msg)
}

func (m *Messenger) enqueue(ch chan *coap.Message, queue string, msg *coap.Message) error {
	select {
	case ch <- msg:
		m.metrics.QueueDepth.WithLabelValues(queue).Set(float64(len(ch)))
		return nil
	default:
		m.logger.Warn("queue full, dropping message",
			slog.String("queue", queue),
			slog.String("message", msg.String()))
		return perrors.ErrQueueFull
	}
}

// HandleDatagram decodes one inbound datagram and passes it through the
// block engine. Messages outside a block transfer are delivered as they
// are.
func (m *Messenger) HandleDatagram(ctx context.Context, from *net.UDPAddr, data []byte) error {
	pdu, err := coap.Unmarshal(ctx, data)
	if err != nil {
		return err
	}
	msg, err := coap.FromPDU(pdu, from)
	if err != nil {
		return err
	}

	// A separate response is acknowledged whatever the engine makes of it.
	if msg.Type == message.Confirmable && msg.IsResponse() {
		if err := m.EnqueueSend(coap.NewEmpty(from, message.Acknowledgement, msg.MessageID)); err != nil {
			return err
		}
	}

	status, err := m.engine.Receive(ctx, pdu, msg, len(data))
	switch {
	case errors.Is(err, perrors.ErrNotSupported):
		if msg.IsEmpty() {
			return nil
		}
		msg.StripBlockOptions()
		return m.EnqueueReceiveComplete(msg)
	case err != nil:
		return err
	}

	m.logger.Debug("block received",
		slog.String("remote", from.String()),
		slog.String("status", status.String()))
	return nil
}

// Run starts the send and receive workers and the context sweep. It blocks
// until ctx is done. Messages still queued at that point are dropped.
func (m *Messenger) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < m.config.Workers; i++ {
		g.Go(func() error {
			m.sendWorker(ctx, i)
			return nil
		})
		g.Go(func() error {
			m.receiveWorker(ctx, i)
			return nil
		})
	}
	g.Go(func() error {
		m.engine.Registry().Cleanup(ctx, m.config.ContextTTL)
		return nil
	})

	m.logger.Info("messenger started",
		slog.Int("workers", m.config.Workers),
		slog.Int("queue_size", m.config.QueueSize),
		slog.Int("block_size", m.engine.BlockSize()),
		slog.Duration("context_ttl", m.config.ContextTTL))

	err := g.Wait()
	m.logger.Info("messenger stopped")
	return err
}

func (m *Messenger) sendWorker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.sendCh:
			m.metrics.QueueDepth.WithLabelValues(sendQueue).Set(float64(len(m.sendCh)))
			if err := m.transmit(ctx, msg); err != nil {
				m.logger.Warn("failed to send message",
					slog.Int("worker", workerID),
					slog.String("message", msg.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Messenger) receiveWorker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.recvCh:
			m.metrics.QueueDepth.WithLabelValues(receiveQueue).Set(float64(len(m.recvCh)))
			if err := m.dispatch(ctx, msg); err != nil {
				m.logger.Warn("failed to handle message",
					slog.Int("worker", workerID),
					slog.String("message", msg.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}

// transmit builds, prepares and writes the PDU of msg.
func (m *Messenger) transmit(ctx context.Context, msg *coap.Message) error {
	if msg.Endpoint == nil {
		return fmt.Errorf("message has no endpoint: %w", perrors.ErrInvalidInput)
	}
	if msg.MessageID == 0 {
		msg.MessageID = nextMessageID()
	}

	pdu := coap.NewPDU(ctx, msg)
	if err := m.engine.PreparePDU(ctx, pdu, msg); err != nil {
		return err
	}
	data, err := coap.Marshal(pdu)
	if err != nil {
		return err
	}
	_, err = m.transport.SendUnicast(ctx, msg.Endpoint, data)
	return err
}

// dispatch hands a complete message to the handler and sends the reply to
// a request.
func (m *Messenger) dispatch(ctx context.Context, msg *coap.Message) error {
	if !msg.IsRequest() {
		return m.handler.HandleResponse(ctx, msg)
	}

	resp, err := m.handler.HandleRequest(ctx, msg)
	if err != nil {
		m.logger.Warn("request handler failed",
			slog.String("remote", msg.Endpoint.String()),
			slog.String("path", msg.Path()),
			slog.String("error", err.Error()))
		resp = coap.NewResponse(msg)
		resp.Code = codes.InternalServerError
	}
	if resp == nil {
		if msg.Type == message.Confirmable && !msg.Acknowledged {
			return m.EnqueueSend(coap.NewEmpty(msg.Endpoint, message.Acknowledgement, msg.MessageID))
		}
		return nil
	}

	addressReply(resp, msg)
	return m.Send(ctx, resp)
}

// addressReply routes resp back to the sender of req: piggybacked on the
// ACK of an unacknowledged CON, as a NON to a NON, and as a separate CON
// otherwise.
func addressReply(resp, req *coap.Message) {
	if resp.Endpoint == nil {
		resp.Endpoint = req.Endpoint
	}
	if len(resp.Token) == 0 {
		resp.Token = message.Token(bytes.Clone(req.Token))
	}
	switch {
	case req.Type == message.Confirmable && !req.Acknowledged:
		resp.Type = message.Acknowledgement
		resp.MessageID = req.MessageID
	case req.Type == message.NonConfirmable:
		resp.Type = message.NonConfirmable
		resp.MessageID = 0
	default:
		resp.Type = message.Confirmable
		resp.MessageID = 0
	}
}

// nextMessageID skips 0, which marks a message whose ID is not assigned.
func nextMessageID() int32 {
	for {
		if mid := message.GetMID(); mid != 0 {
			return mid
		}
	}
}
