// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package block implements CoAP block-wise transfers (RFC 7959) on top of a
// datagram messaging layer.
//
// # Transfers
//
// A transfer moves one message payload that does not fit in a single PDU.
// Requests are split with Block1, responses with Block2. Each transfer is
// tracked by a Context keyed by an ID built from the message token and the
// remote port. Contexts are kept in a Registry and evicted once the
// transfer completes, fails, or stays idle longer than the configured TTL.
//
// # Engine
//
// The Engine is driven from three points of the messaging layer:
//
//   - Send, when the application sends a message. Payloads larger than the
//     block size start a transfer; smaller ones are left to the caller.
//   - PreparePDU, for every outbound PDU. It writes the block options and
//     the payload slice of the current block.
//   - Receive, for every inbound PDU. It reassembles blocks, negotiates
//     block sizes, detects missing and duplicate blocks, and queues the
//     follow-up PDU or the complete message.
//
// Outbound PDUs and complete inbound messages are handed to a Dispatcher,
// which must queue them without blocking.
//
// # Example
//
//	engine := block.New(block.Config{BlockSize: 512}, dispatcher)
//
//	if err := engine.Send(ctx, msg); errors.Is(err, errors.ErrNotSupported) {
//		// send msg as a single PDU
//	}
package block
