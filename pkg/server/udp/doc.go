// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the datagram transport for coapbwt.
//
// # Overview
//
// The Server owns one UDP socket. Inbound datagrams are copied out of
// pooled read buffers and handed to a DatagramHandler by a fixed worker
// pool; outbound datagrams are written with SendUnicast on the same
// socket, so replies leave from the port peers address.
//
// # Packet Flow
//
//	1. Read loop receives a datagram into a pooled buffer
//	2. The datagram is copied and the buffer returned to the pool
//	3. The job is queued for the worker pool (dropped if the pool is full)
//	4. A worker calls DatagramHandler.HandleDatagram
//
// # Graceful Shutdown
//
// When the context is canceled the socket is closed, the read loop exits,
// the job channel is closed and Listen returns once every worker is done.
// SendUnicast returns ErrNotListening from then on.
//
// # Example
//
//	server := udp.New(udp.Config{Address: ":5683"})
//	m := messenger.New(messenger.Config{}, server, handler)
//
//	g.Go(func() error { return server.Listen(ctx, m) })
//	g.Go(func() error { return m.Run(ctx) })
package udp
