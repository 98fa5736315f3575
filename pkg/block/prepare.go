// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"context"
	"errors"

	"github.com/absmach/coapbwt/pkg/coap"
	perrors "github.com/absmach/coapbwt/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

// PreparePDU writes the block options and the payload slice of msg into
// pdu, which already carries the header and the other options of msg.
// Every outbound PDU passes through it, block-wise or not.
func (e *Engine) PreparePDU(ctx context.Context, pdu *pool.Message, msg *coap.Message) error {
	if pdu == nil || msg == nil {
		return perrors.ErrInvalidInput
	}
	if msg.IsEmpty() {
		return nil
	}
	if msg.Code == codes.RequestEntityIncomplete {
		coap.SetPayload(pdu, msg.Payload)
		return nil
	}

	id := IDFromMessage(msg)
	var typ message.OptionID
	var next, remove, completed bool
	var final Option
	err := e.registry.Update(id, func(c *Context) error {
		typ = c.Type
		var err error
		switch c.Type {
		case message.Block2:
			next, remove, err = prepareBlock2(c, pdu, msg)
		case message.Block1:
			next, remove, err = prepareBlock1(c, pdu, msg)
			if remove && msg.Type == message.Acknowledgement {
				completed, final = true, c.Block1
			}
		default:
			coap.SetPayload(pdu, msg.Payload)
		}
		if err != nil {
			return err
		}
		if pdu.Type() == message.Confirmable && c.SentData != nil {
			c.SentData.MessageID = pdu.MessageID()
		}
		return nil
	})
	switch {
	case errors.Is(err, perrors.ErrNotFound):
		if msg.Type == message.Acknowledgement {
			// A repeated acknowledgement of a finished upload.
			if blk, ok := e.registry.completedBlock1(id, msg.MessageID); ok {
				if err := writeOption(pdu, message.Block1, blk); err != nil {
					return e.wrap("prepare", id, msg, err)
				}
			}
		}
		coap.SetPayload(pdu, msg.Payload)
		return nil
	case err != nil:
		return e.wrap("prepare", id, msg, err)
	}

	if typ != 0 {
		e.metrics.BlocksSent.WithLabelValues(optionName(typ)).Inc()
	}
	if completed {
		e.registry.complete(id, msg, final)
	}
	if remove {
		e.registry.Remove(id)
	}
	if next {
		return e.processNextStep(pdu, msg, StatusSentPreviousNon, id)
	}
	return nil
}

// prepareBlock2 writes the Block2 state of c. A response gets the slice of
// the stored block; a request asks for the stored block.
func prepareBlock2(c *Context, pdu *pool.Message, msg *coap.Message) (next, remove bool, err error) {
	if msg.IsRequest() {
		if err := writeOption(pdu, message.Block2, c.Block2); err != nil {
			return false, false, err
		}
		// A body already uploaded with Block1 is not repeated.
		if len(msg.Payload) <= c.Block2.Size() {
			coap.SetPayload(pdu, msg.Payload)
		}
		return false, false, nil
	}

	blk := c.Block2
	start, end, err := sliceBounds(blk, len(msg.Payload))
	if err != nil {
		return false, false, err
	}
	blk.More = end < len(msg.Payload)
	if err := writeOption(pdu, message.Block2, blk); err != nil {
		return false, false, err
	}
	if blk.Num == 0 {
		writeSize(pdu, message.Size2, len(msg.Payload))
	}
	if c.Block1.Num != 0 {
		// First block of the response to a Block1 upload also acknowledges
		// its last block.
		if err := writeOption(pdu, message.Block1, c.Block1); err != nil {
			return false, false, err
		}
		c.Block1.Num = 0
	}
	coap.SetPayload(pdu, msg.Payload[start:end])
	c.Block2 = blk

	if !blk.More {
		return false, true, nil
	}
	if msg.Type == message.NonConfirmable {
		c.Block2.Num++
		return true, false, nil
	}
	return false, false, nil
}

// prepareBlock1 writes the Block1 state of c. A request gets the slice of
// the stored block; an acknowledgement echoes the block it answers.
func prepareBlock1(c *Context, pdu *pool.Message, msg *coap.Message) (next, remove bool, err error) {
	switch {
	case msg.Type == message.Acknowledgement:
		if err := writeOption(pdu, message.Block1, c.Block1); err != nil {
			return false, false, err
		}
		coap.SetPayload(pdu, msg.Payload)
		return false, !c.Block1.More, nil

	case msg.IsRequest():
		blk := c.Block1
		start, end, err := sliceBounds(blk, len(msg.Payload))
		if err != nil {
			return false, false, err
		}
		blk.More = end < len(msg.Payload)
		if blk.Num == 0 {
			writeSize(pdu, message.Size1, len(msg.Payload))
		}
		if err := writeOption(pdu, message.Block1, blk); err != nil {
			return false, false, err
		}
		coap.SetPayload(pdu, msg.Payload[start:end])
		c.Block1 = blk

		if msg.Type != message.NonConfirmable {
			return false, false, nil
		}
		if blk.More {
			c.Block1.Num++
			return true, false, nil
		}
		// Keep following the request so that a Block2 response can be
		// fetched.
		c.Type = 0
		return false, false, nil

	default:
		coap.SetPayload(pdu, msg.Payload)
		return false, false, nil
	}
}

func sliceBounds(blk Option, payloadLen int) (int, int, error) {
	start := blk.Offset()
	if start > 0 && start >= payloadLen {
		return 0, 0, perrors.ErrBlockOutOfRange
	}
	return start, min(start+blk.Size(), payloadLen), nil
}
