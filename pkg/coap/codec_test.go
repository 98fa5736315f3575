// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func TestCodec_EncodeDecode(t *testing.T) {
	ctx := context.Background()
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5683}

	msg := &Message{
		Endpoint:  from,
		Token:     message.Token{0x01, 0x02, 0x03},
		Code:      codes.POST,
		Type:      message.Confirmable,
		MessageID: 4242,
		Payload:   []byte("hello block"),
	}
	msg.SetPath("/sensors/temp")

	pdu := NewPDU(ctx, msg)
	SetPayload(pdu, msg.Payload)
	pdu.SetOptionUint32(message.Block1, 0x0e)

	data, err := Marshal(pdu)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded, err := Unmarshal(ctx, data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	defer decoded.Reset()

	got, err := FromPDU(decoded, from)
	if err != nil {
		t.Fatalf("FromPDU failed: %v", err)
	}

	if got.Code != codes.POST {
		t.Errorf("Code = %v, want POST", got.Code)
	}
	if got.Type != message.Confirmable {
		t.Errorf("Type = %v, want CON", got.Type)
	}
	if got.MessageID != 4242 {
		t.Errorf("MessageID = %d, want 4242", got.MessageID)
	}
	if !bytes.Equal(got.Token, msg.Token) {
		t.Errorf("Token = %x, want %x", got.Token, msg.Token)
	}
	if !bytes.Equal(got.Payload, msg.Payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, msg.Payload)
	}
	if got.Path() != "/sensors/temp" {
		t.Errorf("Path = %q, want /sensors/temp", got.Path())
	}
	if !got.Options.HasOption(message.Block1) {
		t.Error("expected Block1 option to survive decoding")
	}

	// The payload must still be readable from the PDU after FromPDU.
	again, err := ReadPayload(decoded)
	if err != nil {
		t.Fatalf("ReadPayload failed: %v", err)
	}
	if !bytes.Equal(again, msg.Payload) {
		t.Errorf("second read = %q, want %q", again, msg.Payload)
	}
}

func TestCodec_UnmarshalInvalid(t *testing.T) {
	if _, err := Unmarshal(context.Background(), []byte{0xff}); err == nil {
		t.Error("expected error for truncated datagram")
	}
}

func TestCodec_EmptyMessage(t *testing.T) {
	ctx := context.Background()
	ack := NewEmpty(nil, message.Acknowledgement, 77)

	data, err := Marshal(NewPDU(ctx, ack))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	pdu, err := Unmarshal(ctx, data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	got, err := FromPDU(pdu, nil)
	if err != nil {
		t.Fatalf("FromPDU failed: %v", err)
	}
	if !got.IsEmpty() || got.Type != message.Acknowledgement || got.MessageID != 77 {
		t.Errorf("unexpected empty message: %s", got)
	}
	if got.Payload != nil {
		t.Errorf("expected nil payload, got %q", got.Payload)
	}
}
