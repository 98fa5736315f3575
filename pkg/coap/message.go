// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"fmt"
	"net"
	"slices"
	"sort"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Method codes of RFC 8132, which the codes package does not define.
const (
	FETCH  codes.Code = 5
	PATCH  codes.Code = 6
	IPATCH codes.Code = 7
)

// Message is an application-level CoAP request or response.
//
// A Message handed to a queue is owned by the queue; callers that need to
// keep using a message after handing it off must pass a Clone.
type Message struct {
	// Endpoint is the remote peer: the destination of an outbound message,
	// the source of an inbound one.
	Endpoint *net.UDPAddr

	Token     message.Token
	Code      codes.Code
	Type      message.Type
	MessageID int32 // 0 means a fresh ID is assigned at transmission

	// Options holds every option except the block options, which are
	// written by the block engine when the PDU is prepared.
	Options message.Options

	Payload []byte

	// Acknowledged is set on a delivered request whose confirmable
	// exchange was already acknowledged by the block layer.
	Acknowledged bool
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Endpoint != nil {
		ep := *m.Endpoint
		ep.IP = slices.Clone(m.Endpoint.IP)
		c.Endpoint = &ep
	}
	c.Token = message.Token(bytes.Clone(m.Token))
	c.Options = cloneOptions(m.Options)
	c.Payload = bytes.Clone(m.Payload)
	return &c
}

// IsRequest reports whether m carries a method code.
func (m *Message) IsRequest() bool {
	return m.Code != codes.Empty && m.Code>>5 == 0
}

// IsResponse reports whether m carries a 2.xx to 5.xx response code.
func (m *Message) IsResponse() bool {
	class := m.Code >> 5
	return class >= 2 && class <= 5
}

// IsEmpty reports whether m is an empty message (code 0.00).
func (m *Message) IsEmpty() bool {
	return m.Code == codes.Empty
}

// Port returns the remote UDP port, or 0 when no endpoint is set.
func (m *Message) Port() uint16 {
	if m.Endpoint == nil {
		return 0
	}
	return uint16(m.Endpoint.Port)
}

// Path returns the Uri-Path of m joined with "/".
func (m *Message) Path() string {
	var segs []string
	for _, o := range m.Options {
		if o.ID == message.URIPath {
			segs = append(segs, string(o.Value))
		}
	}
	return "/" + strings.Join(segs, "/")
}

// SetPath replaces the Uri-Path options of m.
func (m *Message) SetPath(path string) {
	opts := m.Options[:0:0]
	for _, o := range m.Options {
		if o.ID != message.URIPath {
			opts = append(opts, o)
		}
	}
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			continue
		}
		opts = append(opts, message.Option{ID: message.URIPath, Value: []byte(seg)})
	}
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID })
	m.Options = opts
}

// StripBlockOptions removes Block1, Block2, Size1 and Size2 from m.
func (m *Message) StripBlockOptions() {
	opts := m.Options[:0:0]
	for _, o := range m.Options {
		switch o.ID {
		case message.Block1, message.Block2, message.Size1, message.Size2:
		default:
			opts = append(opts, o)
		}
	}
	m.Options = opts
}

// String returns a short description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s %v mid=%d token=%x len=%d", m.Type, m.Code, m.MessageID, []byte(m.Token), len(m.Payload))
}

// NewResponse returns a response skeleton addressed to the sender of req.
// It carries only the endpoint and token; code and type are filled in by
// whoever sends it.
func NewResponse(req *Message) *Message {
	resp := &Message{
		Token: message.Token(bytes.Clone(req.Token)),
		Type:  message.Acknowledgement,
		Code:  codes.Empty,
	}
	if req.Endpoint != nil {
		ep := *req.Endpoint
		ep.IP = slices.Clone(req.Endpoint.IP)
		resp.Endpoint = &ep
	}
	return resp
}

// NewEmpty returns an empty message of type typ, used for ACK and RST.
func NewEmpty(to *net.UDPAddr, typ message.Type, mid int32) *Message {
	return &Message{
		Endpoint:  to,
		Code:      codes.Empty,
		Type:      typ,
		MessageID: mid,
	}
}

func cloneOptions(opts message.Options) message.Options {
	if len(opts) == 0 {
		return nil
	}
	out := make(message.Options, 0, len(opts))
	for _, o := range opts {
		out = append(out, message.Option{ID: o.ID, Value: bytes.Clone(o.Value)})
	}
	return out
}
