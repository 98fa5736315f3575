// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	perrors "github.com/absmach/coapbwt/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
)

// computeMoreFlag reports whether blocks follow the block o of a payload
// of payloadLen bytes.
func computeMoreFlag(payloadLen int, o Option) bool {
	return (int(o.Num)+1)*o.Size() < payloadLen
}

// negotiateSize reconciles the size exponent of blk, received from the
// peer, with the one stored in c. acked is set when blk came with a block
// that answers our own (an ACK for Block1, a data block for Block2).
//
// A Block2 receiver that wants smaller blocks keeps its size and skips the
// block numbers the larger block already covered. A Block1 sender told to
// use smaller blocks adopts the peer's size and renumbers the same way.
// Otherwise a larger peer size is clamped to ours.
func negotiateSize(c *Context, blk *Option, typ message.OptionID, acked bool) {
	ours := c.option(typ).SZX
	switch {
	case acked && typ == message.Block2:
		if blk.SZX > ours {
			blk.Num += uint32(blockSize(blk.SZX)/blockSize(ours) - 1)
			blk.SZX = ours
		}
	case acked && typ == message.Block1:
		if blk.SZX < ours {
			blk.Num += uint32(blockSize(ours)/blockSize(blk.SZX) - 1)
		}
	default:
		if blk.SZX > ours {
			blk.SZX = ours
		}
	}
}

// checkError validates a received data block against the transfer state.
// payloadLen is the length of the block payload and datagramLen the length
// of the whole datagram. The only state it changes is the stored size
// exponent, clamped when it returns StatusTooLarge.
func checkError(c *Context, blk Option, payloadLen int, typ message.OptionID, datagramLen, maxPDU int) Status {
	if status := checkSequence(c, blk); status != StatusUnknown {
		return status
	}

	optionLen := datagramLen - payloadLen
	if blk.More && payloadLen != blk.Size() {
		if maxPDU < blk.Size()+optionLen {
			stored := c.option(typ)
			for szx := int(MaxSZX); szx >= 0; szx-- {
				if maxPDU >= blockSize(blockwise.SZX(szx))+optionLen {
					stored.SZX = blockwise.SZX(szx)
					break
				}
			}
			return StatusTooLarge
		}
		return StatusIncomplete
	}

	if !blk.More && c.PayloadLength != 0 && c.ReceivedPayloadLen+payloadLen != c.PayloadLength {
		return StatusIncomplete
	}
	return StatusUnknown
}

// checkSequence compares the offset of blk with the bytes received so far.
func checkSequence(c *Context, blk Option) Status {
	switch offset := blk.Offset(); {
	case offset > c.ReceivedPayloadLen:
		return StatusIncomplete
	case offset < c.ReceivedPayloadLen:
		return StatusReceivedAlready
	default:
		return StatusUnknown
	}
}

// updateItems advances blk, the option received for typ, according to
// status. Error responses (4.08, 4.13) are handled first and skip the
// status rules.
func updateItems(c *Context, blk *Option, code codes.Code, typ message.OptionID, status Status) error {
	if isBlockErrorCode(code) {
		handleErrorResponse(blk, typ, code)
		return nil
	}

	stored := c.option(typ)
	switch status {
	case StatusOption1Ack, StatusOption2Ack:
		if stored.Num > blk.Num {
			return perrors.ErrUnexpectedBlock
		}
		negotiateSize(c, blk, typ, true)
		blk.Num++
		if status == StatusOption2Ack {
			blk.More = false
		}
		return nil
	case StatusOption2Non:
		blk.Num++
		blk.More = false
	case StatusOption2Con:
		blk.More = false
	case StatusTooLarge:
		if typ == message.Block2 {
			blk.Num++
			blk.More = false
		}
		blk.SZX = stored.SZX
		return nil
	case StatusIncomplete:
		return nil
	}
	negotiateSize(c, blk, typ, false)
	return nil
}

func handleErrorResponse(blk *Option, typ message.OptionID, code codes.Code) {
	switch code {
	case codes.RequestEntityIncomplete:
		blk.Num = 0
	case codes.RequestEntityTooLarge:
		if typ == message.Block1 {
			blk.Num++
		}
	}
	blk.More = false
}

// storeOption saves blk as the option of c for typ.
func storeOption(c *Context, typ message.OptionID, blk Option) error {
	if blk.SZX > MaxSZX {
		return perrors.ErrMalformedOption
	}
	*c.option(typ) = blk
	return nil
}

func isBlockErrorCode(code codes.Code) bool {
	return code == codes.RequestEntityIncomplete || code == codes.RequestEntityTooLarge
}

// carriesBlockData reports whether a PDU of type typ and code code brings
// a block of response data, as opposed to asking for one.
func carriesBlockData(typ message.Type, code codes.Code) bool {
	class := code >> 5
	switch typ {
	case message.Acknowledgement:
		return true
	case message.NonConfirmable:
		return class >= 2
	case message.Confirmable:
		return class == 2
	default:
		return false
	}
}
