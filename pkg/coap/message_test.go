// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"net"
	"testing"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func TestMessage_CloneIsIndependent(t *testing.T) {
	orig := &Message{
		Endpoint: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5683},
		Token:    message.Token{0xaa, 0xbb},
		Code:     codes.Content,
		Payload:  []byte{1, 2, 3},
	}
	orig.SetPath("a/b")

	c := orig.Clone()
	c.Payload[0] = 9
	c.Token[0] = 0
	c.Endpoint.Port = 1
	c.Options[0].Value[0] = 'z'

	if orig.Payload[0] != 1 {
		t.Error("payload shared between clone and original")
	}
	if orig.Token[0] != 0xaa {
		t.Error("token shared between clone and original")
	}
	if orig.Endpoint.Port != 5683 {
		t.Error("endpoint shared between clone and original")
	}
	if orig.Path() != "/a/b" {
		t.Errorf("options shared between clone and original: %s", orig.Path())
	}

	var nilMsg *Message
	if nilMsg.Clone() != nil {
		t.Error("expected nil clone of nil message")
	}
}

func TestMessage_CodeClasses(t *testing.T) {
	tests := []struct {
		name     string
		code     codes.Code
		request  bool
		response bool
		empty    bool
	}{
		{"empty", codes.Empty, false, false, true},
		{"GET", codes.GET, true, false, false},
		{"FETCH", FETCH, true, false, false},
		{"iPATCH", IPATCH, true, false, false},
		{"Content", codes.Content, false, true, false},
		{"Continue", codes.Continue, false, true, false},
		{"RequestEntityIncomplete", codes.RequestEntityIncomplete, false, true, false},
		{"InternalServerError", codes.InternalServerError, false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{Code: tt.code}
			if m.IsRequest() != tt.request {
				t.Errorf("IsRequest() = %v, want %v", m.IsRequest(), tt.request)
			}
			if m.IsResponse() != tt.response {
				t.Errorf("IsResponse() = %v, want %v", m.IsResponse(), tt.response)
			}
			if m.IsEmpty() != tt.empty {
				t.Errorf("IsEmpty() = %v, want %v", m.IsEmpty(), tt.empty)
			}
		})
	}
}

func TestMessage_StripBlockOptions(t *testing.T) {
	m := &Message{}
	m.SetPath("/big")
	m.Options = append(m.Options,
		message.Option{ID: message.Block2, Value: []byte{0x16}},
		message.Option{ID: message.Size2, Value: []byte{0x07, 0xd0}},
	)

	m.StripBlockOptions()

	if m.Options.HasOption(message.Block2) || m.Options.HasOption(message.Size2) {
		t.Error("block options not removed")
	}
	if m.Path() != "/big" {
		t.Errorf("Path = %q, want /big", m.Path())
	}
}

func TestNewResponse(t *testing.T) {
	req := &Message{
		Endpoint:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000},
		Token:     message.Token{7},
		Code:      codes.PUT,
		MessageID: 5,
		Payload:   []byte("body"),
	}
	resp := NewResponse(req)
	if resp.IsRequest() || resp.Payload != nil || resp.MessageID != 0 {
		t.Errorf("unexpected skeleton: %s", resp)
	}
	if resp.Port() != 40000 || resp.Token[0] != 7 {
		t.Errorf("skeleton not addressed to requester: %s", resp)
	}
}
