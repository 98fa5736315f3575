// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links the messaging layer to
// application logic.
//
// # Data Flow
//
//	Peer → Transport → Messenger → Block engine (reassembly) → Handler
//	Handler → Messenger → Block engine (splitting) → Transport → Peer
//
// The block-wise machinery is invisible to a Handler: requests arrive with
// their whole payload, and responses of any size are returned as a single
// message.
//
// # Handler Methods
//
//   - HandleRequest: serves a request and optionally returns a response
//   - HandleResponse: notifies a response to a request sent earlier
//
// # Acknowledgement
//
// A confirmable request whose last block was already acknowledged by the
// block layer (for instance a PUT uploaded with Block1) is delivered with
// Acknowledged set. A response returned for it goes out as a separate
// confirmable message.
//
// # Example
//
//	type Store struct {
//		mu   sync.Mutex
//		data map[string][]byte
//	}
//
//	func (s *Store) HandleRequest(ctx context.Context, req *coap.Message) (*coap.Message, error) {
//		resp := coap.NewResponse(req)
//		resp.Code = codes.Content
//		resp.Payload = s.data[req.Path()]
//		return resp, nil
//	}
package handler
