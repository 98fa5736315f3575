// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"fmt"

	perrors "github.com/absmach/coapbwt/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
)

const (
	// DefaultSZX is the default block size exponent (1024-byte blocks).
	DefaultSZX = blockwise.SZX1024

	// MaxSZX is the largest supported exponent. BERT is not supported.
	MaxSZX = blockwise.SZX1024

	// DefaultMaxPDUSize is the largest PDU the engine expects to fit in a datagram.
	DefaultMaxPDUSize = 1400

	// MaxBlockNum is the largest block number the option codec accepts.
	MaxBlockNum = 0xffff7
)

// Option is a decoded Block1 or Block2 option. The option codec caps the
// block number at MaxBlockNum; larger numbers fail to encode and decode.
type Option struct {
	Num  uint32        // block number
	More bool          // M bit: more blocks follow
	SZX  blockwise.SZX // block size is 2^(SZX+4)
}

// ParseOption decodes a block option value.
func ParseOption(v uint32) (Option, error) {
	szx, num, more, err := blockwise.DecodeBlockOption(v)
	if err != nil {
		return Option{}, fmt.Errorf("%w: %v", perrors.ErrMalformedOption, err)
	}
	if szx > MaxSZX {
		return Option{}, fmt.Errorf("%w: unsupported size exponent %d", perrors.ErrMalformedOption, szx)
	}
	return Option{Num: uint32(num), More: more, SZX: szx}, nil
}

// Value encodes o as an option value.
func (o Option) Value() (uint32, error) {
	if o.SZX > MaxSZX {
		return 0, fmt.Errorf("%w: unsupported size exponent %d", perrors.ErrMalformedOption, o.SZX)
	}
	v, err := blockwise.EncodeBlockOption(o.SZX, int64(o.Num), o.More)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", perrors.ErrMalformedOption, err)
	}
	return v, nil
}

// Size returns the block size in bytes.
func (o Option) Size() int {
	return blockSize(o.SZX)
}

// Offset returns the payload offset of the block.
func (o Option) Offset() int {
	return int(o.Num) * o.Size()
}

// String formats o as NUM/M/SIZE.
func (o Option) String() string {
	m := 0
	if o.More {
		m = 1
	}
	return fmt.Sprintf("%d/%d/%d", o.Num, m, o.Size())
}

func blockSize(szx blockwise.SZX) int {
	return 1 << (uint(szx) + 4)
}

// SZXForSize returns the exponent of a block size, which must be a power of
// two between 16 and 1024.
func SZXForSize(size int) (blockwise.SZX, bool) {
	for szx := blockwise.SZX16; szx <= MaxSZX; szx++ {
		if blockSize(szx) == size {
			return szx, true
		}
	}
	return 0, false
}

func optionName(id message.OptionID) string {
	switch id {
	case message.Block1:
		return "block1"
	case message.Block2:
		return "block2"
	default:
		return "none"
	}
}

func readOption(pdu *pool.Message, id message.OptionID) (Option, bool, error) {
	if !pdu.HasOption(id) {
		return Option{}, false, nil
	}
	v, err := pdu.GetOptionUint32(id)
	if err != nil {
		return Option{}, true, fmt.Errorf("%w: %s: %v", perrors.ErrMalformedOption, optionName(id), err)
	}
	o, err := ParseOption(v)
	return o, true, err
}

func writeOption(pdu *pool.Message, id message.OptionID, o Option) error {
	v, err := o.Value()
	if err != nil {
		return err
	}
	pdu.SetOptionUint32(id, v)
	return nil
}

func readSize(pdu *pool.Message, id message.OptionID) (int, bool, error) {
	if !pdu.HasOption(id) {
		return 0, false, nil
	}
	v, err := pdu.GetOptionUint32(id)
	if err != nil {
		return 0, true, fmt.Errorf("%w: size option %d: %v", perrors.ErrMalformedOption, id, err)
	}
	return int(v), true, nil
}

func writeSize(pdu *pool.Message, id message.OptionID, n int) {
	pdu.SetOptionUint32(id, uint32(n))
}
