// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/absmach/coapbwt/pkg/coap"
)

// ID identifies a block transfer: the token bytes followed by the remote
// port in big-endian order. Two IDs are equal when their bytes are equal.
type ID string

// NewID builds the ID for token and port.
func NewID(token []byte, port uint16) ID {
	b := make([]byte, 0, len(token)+2)
	b = append(b, token...)
	b = binary.BigEndian.AppendUint16(b, port)
	return ID(b)
}

// IDFromMessage builds the ID of the exchange m belongs to.
func IDFromMessage(m *coap.Message) ID {
	return NewID(m.Token, m.Port())
}

// Token returns the token part of id.
func (id ID) Token() []byte {
	if len(id) < 2 {
		return nil
	}
	return []byte(id[:len(id)-2])
}

// Port returns the port part of id.
func (id ID) Port() uint16 {
	if len(id) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16([]byte(id[len(id)-2:]))
}

// String returns id in hex.
func (id ID) String() string {
	return hex.EncodeToString([]byte(id))
}
