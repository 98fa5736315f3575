// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// NewPDU builds a wire message carrying the header and options of m.
// The body is left empty; it is written by SetPayload once the block
// engine has decided which slice of the payload goes out.
func NewPDU(ctx context.Context, m *Message) *pool.Message {
	pdu := pool.NewMessage(ctx)
	pdu.SetCode(m.Code)
	pdu.SetType(m.Type)
	pdu.SetMessageID(m.MessageID)
	if len(m.Token) > 0 {
		pdu.SetToken(m.Token)
	}
	if len(m.Options) > 0 {
		pdu.ResetOptionsTo(m.Options)
	}
	return pdu
}

// SetPayload writes p as the body of pdu.
func SetPayload(pdu *pool.Message, p []byte) {
	if len(p) == 0 {
		return
	}
	pdu.SetBody(bytes.NewReader(p))
}

// Marshal encodes pdu into a UDP datagram.
func Marshal(pdu *pool.Message) ([]byte, error) {
	data, err := pdu.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CoAP message: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a UDP datagram into a pooled wire message.
// The caller owns the returned message and should Reset it when done.
func Unmarshal(ctx context.Context, data []byte) (*pool.Message, error) {
	pdu := pool.NewMessage(ctx)
	if _, err := pdu.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return nil, fmt.Errorf("failed to decode CoAP message: %w", err)
	}
	return pdu, nil
}

// FromPDU copies a decoded wire message into a Message owned by the caller.
// Block options are kept; the block engine reads them from the PDU.
func FromPDU(pdu *pool.Message, from *net.UDPAddr) (*Message, error) {
	m := &Message{
		Endpoint:  from,
		Token:     message.Token(bytes.Clone(pdu.Token())),
		Code:      pdu.Code(),
		Type:      pdu.Type(),
		MessageID: pdu.MessageID(),
		Options:   cloneOptions(pdu.Options()),
	}
	payload, err := ReadPayload(pdu)
	if err != nil {
		return nil, err
	}
	m.Payload = payload
	return m, nil
}

// ReadPayload returns a copy of the body of pdu, leaving the body rewound.
func ReadPayload(pdu *pool.Message) ([]byte, error) {
	body := pdu.Body()
	if body == nil {
		return nil, nil
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind payload: %w", err)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind payload: %w", err)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	return payload, nil
}
