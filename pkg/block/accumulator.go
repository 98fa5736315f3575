// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	perrors "github.com/absmach/coapbwt/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
)

// appendBlock merges a received block into the payload of c.
//
// sizeSeen is set when the PDU carrying the block also carried Size1 or
// Size2; the buffer is then sized for the announced total. limit caps the
// reassembled size (0 means no cap). On error c is left unchanged.
func appendBlock(c *Context, typ message.OptionID, payload []byte, status Status, sizeSeen bool, limit int) error {
	if status == StatusIncomplete {
		return nil
	}
	if status == StatusTooLarge {
		if n := c.option(typ).Size(); len(payload) > n {
			payload = payload[:n]
		}
	}
	if len(payload) == 0 {
		return nil
	}

	end := c.ReceivedPayloadLen + len(payload)
	if limit > 0 && end > limit {
		return perrors.ErrPayloadLimit
	}

	if sizeSeen && c.PayloadLength > 0 && cap(c.Payload) < c.PayloadLength {
		buf := make([]byte, c.ReceivedPayloadLen, max(c.PayloadLength, end))
		copy(buf, c.Payload[:c.ReceivedPayloadLen])
		c.Payload = buf
	}
	c.Payload = append(c.Payload[:c.ReceivedPayloadLen], payload...)
	c.ReceivedPayloadLen = end
	return nil
}
