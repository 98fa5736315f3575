// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package messenger is the message dispatcher of a CoAP node.
//
// A Messenger owns two bounded queues. The send queue feeds workers that
// assign message IDs, let the block engine prepare each PDU, encode it and
// write it to the Transport. The receive queue feeds workers that hand
// complete messages to the application Handler and route its responses
// back to the requester.
//
// Inbound datagrams enter through HandleDatagram, which makes a Messenger
// a udp.DatagramHandler. Messages that are not part of a block transfer
// skip the engine and are delivered as they arrive.
//
// Both queues are non-blocking: a full queue drops the message and returns
// ErrQueueFull. Run supervises the workers and the sweep that evicts idle
// block contexts.
package messenger
