// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"bytes"
	"time"

	"github.com/absmach/coapbwt/pkg/coap"
	"github.com/plgd-dev/go-coap/v3/message"
)

// Context is the state of one in-flight block transfer.
//
// Contexts live in a Registry and are only mutated under its lock.
// Contexts returned by Registry lookups are snapshots.
type Context struct {
	// ID is the key of the transfer.
	ID ID

	// Trace correlates log lines of one transfer.
	Trace string

	Block1 Option
	Block2 Option

	// Type is the option driving the transfer: message.Block1,
	// message.Block2, or 0 while no block option has been used.
	Type message.OptionID

	// SentData is the outbound message being transferred, or the response
	// skeleton when the transfer was started by the peer.
	SentData *coap.Message

	// Payload holds the bytes received so far; len(Payload) equals
	// ReceivedPayloadLen.
	Payload            []byte
	PayloadLength      int // expected total from Size1/Size2, 0 when unknown
	ReceivedPayloadLen int

	CreatedAt    time.Time
	LastActivity time.Time
}

func (c *Context) option(typ message.OptionID) *Option {
	if typ == message.Block1 {
		return &c.Block1
	}
	return &c.Block2
}

func (c *Context) clone() *Context {
	out := *c
	out.SentData = c.SentData.Clone()
	out.Payload = bytes.Clone(c.Payload)
	return &out
}

// outbound returns a copy of SentData for the send queue. The payload is
// shared: SentData payloads are never written after they are bound.
func (c *Context) outbound() *coap.Message {
	if c.SentData == nil {
		return nil
	}
	payload := c.SentData.Payload
	c.SentData.Payload = nil
	out := c.SentData.Clone()
	c.SentData.Payload = payload
	out.Payload = payload
	return out
}

// sending reports whether SentData is the message this side transfers in
// the direction of the current Type.
func (c *Context) sending() bool {
	if c.SentData == nil {
		return false
	}
	switch c.Type {
	case message.Block1:
		return c.SentData.IsRequest()
	case message.Block2:
		return c.SentData.IsResponse()
	default:
		return false
	}
}

// pending reports whether the transfer still has blocks to move.
func (c *Context) pending() bool {
	if c.Type == 0 {
		return false
	}
	if c.sending() {
		return computeMoreFlag(len(c.SentData.Payload), *c.option(c.Type))
	}
	return true
}

func (c *Context) resetTransfer() {
	c.Payload = nil
	c.PayloadLength = 0
	c.ReceivedPayloadLen = 0
	c.Block1.Num = 0
	c.Block2.Num = 0
}
