// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap holds the application message type exchanged with the block
// engine and the bridge to the plgd-dev/go-coap/v3 wire codec.
//
// # Messages
//
// Message is the application view of a request or response: endpoint,
// token, code, type, message ID, options and the complete payload. It is a
// plain value with an explicit Clone; whoever hands a message to a queue
// gives up ownership of it.
//
// # Wire format
//
// NewPDU, Marshal and Unmarshal wrap go-coap's pooled messages and the UDP
// coder:
//
//	pdu := coap.NewPDU(ctx, msg)
//	coap.SetPayload(pdu, msg.Payload)
//	data, err := coap.Marshal(pdu)
//
// Inbound datagrams go the other way:
//
//	pdu, err := coap.Unmarshal(ctx, data)
//	msg, err := coap.FromPDU(pdu, from)
//
// Block1, Block2, Size1 and Size2 are not written by NewPDU; the block
// engine sets them on the PDU together with the payload slice.
package coap
