// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/coapbwt/pkg/coap"
	perrors "github.com/absmach/coapbwt/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

// Receive processes an inbound PDU. msg is the decoded copy of pdu and
// datagramLen the size of the datagram it came in.
//
// ErrNotSupported means the PDU is not part of a block transfer and the
// caller handles msg on the ordinary path. Any other outcome is handled by
// the engine: follow-up blocks and complete messages are queued on the
// dispatcher. The returned status is the classification of the last block
// option processed.
func (e *Engine) Receive(ctx context.Context, pdu *pool.Message, msg *coap.Message, datagramLen int) (Status, error) {
	if pdu == nil || msg == nil {
		return StatusUnknown, perrors.ErrInvalidInput
	}
	if pdu.Code() == codes.Empty {
		return e.receiveEmpty(pdu, msg)
	}

	id := IDFromMessage(msg)
	b1, has1, err := readOption(pdu, message.Block1)
	if err != nil {
		return StatusUnknown, e.wrap("receive", id, msg, err)
	}
	b2, has2, err := readOption(pdu, message.Block2)
	if err != nil {
		return StatusUnknown, e.wrap("receive", id, msg, err)
	}

	if !has1 && !has2 {
		return e.receivePlain(pdu, msg, datagramLen)
	}

	status := StatusUnknown
	if has1 {
		status, err = e.nextBlock1(pdu, msg, b1, has2, datagramLen)
		if err != nil {
			return status, err
		}
		if has2 && msg.IsRequest() {
			// Block2 in a Block1 request only proposes the response block size.
			e.proposeBlock2(id, b2)
			return status, nil
		}
	}
	if has2 {
		return e.nextBlock2(pdu, msg, b2, datagramLen)
	}
	return status, nil
}

// receiveEmpty matches an empty ACK or RST to its transfer, by token or,
// since empty messages usually carry none, by message ID. A reset removes
// the transfer. An empty ACK removes it when nothing is left to send,
// except for a tracked request, whose separate response is still to come.
// msg gets the token of the matched transfer.
func (e *Engine) receiveEmpty(pdu *pool.Message, msg *coap.Message) (Status, error) {
	id := IDFromMessage(msg)
	if !e.registry.IsPresent(id) {
		found, ok := e.registry.FindByMessageID(pdu.MessageID(), msg.Port())
		if !ok {
			return StatusUnknown, perrors.ErrNotSupported
		}
		id = found
	}

	var done bool
	e.registry.view(id, func(c *Context) {
		switch {
		case pdu.Type() == message.Reset:
			done = true
		case c.Type == 0 && c.SentData != nil && c.SentData.IsRequest():
			done = false
		default:
			done = !c.pending()
		}
	})
	if done {
		e.registry.Remove(id)
	}
	msg.Token = message.Token(id.Token())
	return StatusUnknown, perrors.ErrNotSupported
}

// receivePlain handles a PDU without block options. A 4.08 answer to a
// transfer restarts it from the stored block; any other response ends the
// tracking of its request.
func (e *Engine) receivePlain(pdu *pool.Message, msg *coap.Message, datagramLen int) (Status, error) {
	id := IDFromMessage(msg)
	if pdu.Code() == codes.RequestEntityIncomplete {
		var typ message.OptionID
		var stored Option
		e.registry.view(id, func(c *Context) {
			typ = c.Type
			if typ != 0 {
				stored = *c.option(typ)
			}
		})
		switch typ {
		case message.Block1:
			e.logger.Debug("restarting block1 transfer", slog.String("block_id", id.String()))
			return e.nextBlock1(pdu, msg, stored, false, datagramLen)
		case message.Block2:
			e.logger.Debug("restarting block2 transfer", slog.String("block_id", id.String()))
			return e.nextBlock2(pdu, msg, stored, datagramLen)
		}
	}
	if msg.IsResponse() {
		e.registry.Remove(id)
	}
	return StatusUnknown, perrors.ErrNotSupported
}

func (e *Engine) nextBlock1(pdu *pool.Message, msg *coap.Message, blk Option, hasBlock2 bool, datagramLen int) (Status, error) {
	id := IDFromMessage(msg)
	// A response echoes the Block1 option of the block it answers.
	ack := pdu.Type() == message.Acknowledgement || msg.IsResponse()

	if !ack && !blk.More && pdu.Type() == message.Confirmable {
		if reply, ok := e.registry.completedAck(id, pdu.MessageID()); ok {
			// Our acknowledgement of the last block was lost.
			e.metrics.BlocksReceived.WithLabelValues("block1", StatusReceivedAlready.String()).Inc()
			e.logger.Debug("last block1 retransmitted, repeating acknowledgement",
				slog.String("block_id", id.String()),
				slog.String("block", blk.String()))
			return StatusReceivedAlready, e.enqueueSend(reply)
		}
	}

	if ack {
		if !e.registry.IsPresent(id) {
			return StatusUnknown, perrors.ErrNotSupported
		}
	} else if _, err := e.registry.Create(coap.NewResponse(msg)); err != nil && !errors.Is(err, perrors.ErrAlreadyExists) {
		return StatusUnknown, e.wrap("receive", id, msg, err)
	}

	var size int
	var sizeSeen bool
	if !ack {
		var err error
		if size, sizeSeen, err = readSize(pdu, message.Size1); err != nil {
			return StatusUnknown, e.wrap("receive", id, msg, err)
		}
		if sizeSeen && size > e.config.MaxPayloadSize {
			return StatusTooLarge, e.abort(pdu, msg, id, perrors.ErrPayloadLimit)
		}
	}

	status := StatusUnknown
	finished := false
	err := e.registry.Update(id, func(c *Context) error {
		c.Type = message.Block1

		if ack {
			if !blk.More && !isBlockErrorCode(pdu.Code()) {
				if hasBlock2 {
					// The response to the last block starts a Block2 transfer.
					c.Block1.Num = 0
					return nil
				}
				finished = true
				return nil
			}
			status = StatusOption1Ack
			if err := updateItems(c, &blk, pdu.Code(), message.Block1, status); err != nil {
				if errors.Is(err, perrors.ErrUnexpectedBlock) {
					status = StatusReceivedAlready
					return nil
				}
				return err
			}
			return storeOption(c, message.Block1, blk)
		}

		prevLen := c.PayloadLength
		if sizeSeen {
			c.PayloadLength = size
		}
		if pdu.Type() == message.Confirmable {
			status = checkError(c, blk, len(msg.Payload), message.Block1, datagramLen, e.config.MaxPDUSize)
		} else {
			status = checkSequence(c, blk)
		}

		if status != StatusReceivedAlready {
			if err := appendBlock(c, message.Block1, msg.Payload, status, sizeSeen, e.config.MaxPayloadSize); err != nil {
				c.PayloadLength = prevLen
				return err
			}
			if err := updateItems(c, &blk, pdu.Code(), message.Block1, status); err != nil {
				return err
			}
			if err := storeOption(c, message.Block1, blk); err != nil {
				return err
			}
		}

		switch status {
		case StatusUnknown:
			if blk.More {
				status = StatusOption1NoAckBlock
			} else {
				status = StatusOption1NoAckLastBlock
			}
		case StatusReceivedAlready:
			// A repeated middle block is acknowledged again.
			if blk.More {
				status = StatusOption1NoAckBlock
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, perrors.ErrPayloadLimit) {
			return StatusTooLarge, e.abort(pdu, msg, id, err)
		}
		return status, e.wrap("receive", id, msg, err)
	}

	e.metrics.BlocksReceived.WithLabelValues("block1", status.String()).Inc()
	e.logger.Debug("block1 received",
		slog.String("block_id", id.String()),
		slog.String("block", blk.String()),
		slog.String("status", status.String()))

	if finished {
		err := e.deliver(id, msg, message.Block1, false)
		e.registry.Remove(id)
		return status, err
	}
	return status, e.processNextStep(pdu, msg, status, id)
}

func (e *Engine) nextBlock2(pdu *pool.Message, msg *coap.Message, blk Option, datagramLen int) (Status, error) {
	id := IDFromMessage(msg)

	if msg.IsRequest() {
		if _, err := e.registry.Create(coap.NewResponse(msg)); err != nil && !errors.Is(err, perrors.ErrAlreadyExists) {
			return StatusUnknown, e.wrap("receive", id, msg, err)
		}
	} else if !e.registry.IsPresent(id) {
		return StatusUnknown, perrors.ErrNotSupported
	}

	data := carriesBlockData(pdu.Type(), pdu.Code())
	var size int
	var sizeSeen bool
	if data {
		var err error
		if size, sizeSeen, err = readSize(pdu, message.Size2); err != nil {
			return StatusUnknown, e.wrap("receive", id, msg, err)
		}
		if sizeSeen && size > e.config.MaxPayloadSize {
			return StatusTooLarge, e.abort(pdu, msg, id, perrors.ErrPayloadLimit)
		}
	}

	status := StatusUnknown
	err := e.registry.Update(id, func(c *Context) error {
		c.Type = message.Block2

		code := pdu.Code()
		if blk.Num == 0 && !blk.More && (code == codes.GET || code == coap.FETCH) {
			status = StatusOption2FirstBlock
			if err := updateItems(c, &blk, code, message.Block2, StatusUnknown); err != nil {
				return err
			}
			return storeOption(c, message.Block2, blk)
		}

		if !data {
			status = StatusOption2Con
			if err := updateItems(c, &blk, code, message.Block2, status); err != nil {
				return err
			}
			return storeOption(c, message.Block2, blk)
		}

		prevLen := c.PayloadLength
		if sizeSeen {
			c.PayloadLength = size
		}
		if pdu.Type() == message.NonConfirmable {
			status = checkSequence(c, blk)
		} else {
			status = checkError(c, blk, len(msg.Payload), message.Block2, datagramLen, e.config.MaxPDUSize)
		}
		if status == StatusReceivedAlready {
			return nil
		}
		if err := appendBlock(c, message.Block2, msg.Payload, status, sizeSeen, e.config.MaxPayloadSize); err != nil {
			c.PayloadLength = prevLen
			return err
		}

		if status == StatusUnknown {
			if !blk.More {
				status = StatusOption2LastBlock
				return nil
			}
			status = StatusOption2Ack
			if pdu.Type() == message.NonConfirmable {
				status = StatusOption2Non
			}
		}
		if err := updateItems(c, &blk, code, message.Block2, status); err != nil {
			if errors.Is(err, perrors.ErrUnexpectedBlock) {
				status = StatusReceivedAlready
				return nil
			}
			return err
		}
		return storeOption(c, message.Block2, blk)
	})
	if err != nil {
		if errors.Is(err, perrors.ErrPayloadLimit) {
			return StatusTooLarge, e.abort(pdu, msg, id, err)
		}
		return status, e.wrap("receive", id, msg, err)
	}

	e.metrics.BlocksReceived.WithLabelValues("block2", status.String()).Inc()
	e.logger.Debug("block2 received",
		slog.String("block_id", id.String()),
		slog.String("block", blk.String()),
		slog.String("status", status.String()))

	if status == StatusReceivedAlready {
		return status, nil
	}
	return status, e.processNextStep(pdu, msg, status, id)
}

// proposeBlock2 records a Block2 size proposed early by a client uploading
// with Block1. Only a smaller size is adopted.
func (e *Engine) proposeBlock2(id ID, blk Option) {
	_ = e.registry.Update(id, func(c *Context) error {
		if blk.SZX < c.Block2.SZX {
			c.Block2.SZX = blk.SZX
		}
		return nil
	})
}

// abort ends a transfer whose payload exceeds the configured limit. A
// confirmable sender is told with 4.13 before the context is dropped.
func (e *Engine) abort(pdu *pool.Message, msg *coap.Message, id ID, cause error) error {
	e.logger.Warn("block transfer aborted",
		slog.String("block_id", id.String()),
		slog.Int("max_payload_size", e.config.MaxPayloadSize),
		slog.String("error", cause.Error()))

	var err error
	if pdu.Type() == message.Confirmable {
		err = e.sendErrorMessage(pdu, msg, id, codes.RequestEntityTooLarge, StatusTooLarge)
	}
	e.registry.Remove(id)
	return errors.Join(e.wrap("receive", id, msg, cause), err)
}
