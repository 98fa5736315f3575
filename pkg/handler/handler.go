// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"

	"github.com/absmach/coapbwt/pkg/coap"
)

// Handler receives complete messages from the messaging layer.
// Messages handed to a Handler are reassembled: block options are removed
// and the payload is the full body.
type Handler interface {
	// HandleRequest serves an inbound request.
	// The returned response, if any, is sent back to the requester: as a
	// piggybacked ACK when the request is confirmable and still
	// unacknowledged, as a separate response otherwise.
	// Return a nil response to send nothing. A confirmable request that
	// was not acknowledged yet then gets an empty ACK.
	HandleRequest(ctx context.Context, req *coap.Message) (*coap.Message, error)

	// HandleResponse is called with a response to a request sent earlier.
	// This is a notification hook; errors are logged.
	HandleResponse(ctx context.Context, resp *coap.Message) error
}

// NoopHandler is a Handler implementation that ignores every message.
// Useful for testing or for a client that does not serve requests.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) HandleRequest(ctx context.Context, req *coap.Message) (*coap.Message, error) {
	return nil, nil
}

func (h *NoopHandler) HandleResponse(ctx context.Context, resp *coap.Message) error {
	return nil
}

// Funcs adapts plain functions to a Handler. Nil fields behave like
// NoopHandler.
type Funcs struct {
	Request  func(ctx context.Context, req *coap.Message) (*coap.Message, error)
	Response func(ctx context.Context, resp *coap.Message) error
}

var _ Handler = (*Funcs)(nil)

func (f *Funcs) HandleRequest(ctx context.Context, req *coap.Message) (*coap.Message, error) {
	if f.Request == nil {
		return nil, nil
	}
	return f.Request(ctx, req)
}

func (f *Funcs) HandleResponse(ctx context.Context, resp *coap.Message) error {
	if f.Response == nil {
		return nil
	}
	return f.Response(ctx, resp)
}
