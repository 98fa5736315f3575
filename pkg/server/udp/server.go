// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	perrors "github.com/absmach/coapbwt/pkg/errors"
	"github.com/absmach/coapbwt/pkg/metrics"
)

const (
	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 8192

	// DefaultWorkerPoolSize is the default number of workers for packet processing.
	DefaultWorkerPoolSize = 16
)

// DatagramHandler processes inbound datagrams.
type DatagramHandler interface {
	// HandleDatagram is called once per datagram. data is owned by the
	// handler.
	HandleDatagram(ctx context.Context, from *net.UDPAddr, data []byte) error
}

// Limiter decides whether a datagram from remote is processed.
type Limiter interface {
	Allow(remote string) bool
}

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// BufferSize is the size of datagram read buffers in bytes.
	// If 0, uses DefaultBufferSize (8192 bytes).
	// Must not exceed MaxDatagramSize (65535).
	BufferSize int

	// WorkerPoolSize is the number of goroutines in the packet processing pool.
	// If 0, uses DefaultWorkerPoolSize (16).
	WorkerPoolSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Limiter, if set, drops datagrams from endpoints over their rate.
	Limiter Limiter

	// Logger for server events
	Logger *slog.Logger

	// Metrics counts datagrams. If nil, metrics are kept in a private
	// registry.
	Metrics *metrics.Metrics
}

// packetJob represents a packet processing job for the worker pool.
type packetJob struct {
	from *net.UDPAddr
	data []byte
}

// Server is a UDP endpoint. It hands inbound datagrams to a
// DatagramHandler through a worker pool and sends unicast datagrams on the
// same socket.
type Server struct {
	config     Config
	bufferPool *sync.Pool
	packetCh   chan packetJob
	workerWg   sync.WaitGroup

	mu    sync.RWMutex
	conn  *net.UDPConn
	ready chan struct{}
}

// New creates a new UDP server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", nil)
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	return &Server{
		config:     cfg,
		bufferPool: bufferPool,
		// Buffered channel to prevent blocking the reader
		packetCh: make(chan packetJob, cfg.WorkerPoolSize*2),
		ready:    make(chan struct{}),
	}
}

// Ready is closed once the socket is open.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// LocalAddr returns the bound address, or nil before Listen opened the
// socket.
func (s *Server) LocalAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// SendUnicast writes data as one datagram to to.
func (s *Server) SendUnicast(ctx context.Context, to *net.UDPAddr, data []byte) (int, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return 0, perrors.ErrNotListening
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := conn.WriteToUDP(data, to)
	if err != nil {
		return n, fmt.Errorf("failed to send datagram to %s: %w", to, err)
	}
	s.config.Metrics.Datagrams.WithLabelValues("out").Inc()
	return n, nil
}

// Listen starts the UDP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context, h DatagramHandler) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	defer conn.Close()

	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	close(s.ready)

	s.config.Logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("worker_pool_size", s.config.WorkerPoolSize),
		slog.Int("buffer_size", s.config.BufferSize))

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	s.startWorkerPool(workerCtx, h)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(ctx, conn)
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	<-readDone

	close(s.packetCh)
	workerCancel()
	s.workerWg.Wait()
	s.config.Logger.Info("all workers stopped")

	return nil
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bufPtr := s.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			s.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				// Expected error during shutdown
				return
			default:
				s.config.Logger.Error("failed to read UDP packet",
					slog.String("error", err.Error()))
				continue
			}
		}

		if s.config.Limiter != nil && !s.config.Limiter.Allow(from.String()) {
			s.bufferPool.Put(bufPtr)
			s.config.Metrics.Datagrams.WithLabelValues("limited").Inc()
			s.config.Logger.Debug("rate limit exceeded, dropping packet",
				slog.String("client", from.String()))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		s.bufferPool.Put(bufPtr)
		s.config.Metrics.Datagrams.WithLabelValues("in").Inc()

		select {
		case s.packetCh <- packetJob{from: from, data: datagram}:
		case <-ctx.Done():
			return
		default:
			s.config.Metrics.Datagrams.WithLabelValues("dropped").Inc()
			s.config.Logger.Warn("worker pool full, dropping packet",
				slog.String("client", from.String()))
		}
	}
}

// startWorkerPool starts the worker goroutines for packet processing.
func (s *Server) startWorkerPool(ctx context.Context, h DatagramHandler) {
	for i := 0; i < s.config.WorkerPoolSize; i++ {
		s.workerWg.Add(1)
		go func(workerID int) {
			defer s.workerWg.Done()
			s.packetWorker(ctx, h, workerID)
		}(i)
	}
	s.config.Logger.Debug("worker pool started", slog.Int("workers", s.config.WorkerPoolSize))
}

// packetWorker processes packets from the packet channel.
func (s *Server) packetWorker(ctx context.Context, h DatagramHandler, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.packetCh:
			if !ok {
				return
			}
			if err := h.HandleDatagram(ctx, job.from, job.data); err != nil {
				s.config.Logger.Debug("datagram handler error",
					slog.Int("worker", workerID),
					slog.String("client", job.from.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}
