// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for coapbwt.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrNotSupported indicates the message is not part of a block-wise
	// transfer and must take the ordinary single-message path.
	ErrNotSupported = errors.New("not a block-wise transfer")

	// ErrAlreadyExists indicates a block context already exists for the ID.
	ErrAlreadyExists = errors.New("block context already exists")

	// ErrNotFound indicates no block context exists for the ID.
	ErrNotFound = errors.New("block context not found")

	// ErrInvalidInput indicates invalid input data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMalformedOption indicates a block or size option that cannot be decoded.
	ErrMalformedOption = errors.New("malformed block option")

	// ErrUnexpectedBlock indicates a block number behind the one already stored.
	ErrUnexpectedBlock = errors.New("unexpected block number")

	// ErrBlockOutOfRange indicates a block whose start lies past the payload end.
	ErrBlockOutOfRange = errors.New("block out of payload range")

	// ErrPayloadLimit indicates the reassembly buffer limit was exceeded.
	ErrPayloadLimit = errors.New("payload size limit exceeded")

	// ErrContextLimit indicates the maximum number of block contexts is reached.
	ErrContextLimit = errors.New("block context limit reached")

	// ErrQueueFull indicates a dispatcher queue is saturated.
	ErrQueueFull = errors.New("queue full")

	// ErrNotListening indicates the transport has no open socket.
	ErrNotListening = errors.New("transport not listening")
)

// BlockError wraps an error with the block transfer it happened in.
type BlockError struct {
	Op      string // Operation that failed
	BlockID string // Hex form of the block ID
	Remote  string // Peer address
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *BlockError) Error() string {
	if e.Remote != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.BlockID, e.Remote, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.BlockID, e.Err)
}

// Unwrap returns the underlying error.
func (e *BlockError) Unwrap() error {
	return e.Err
}

// New creates a new BlockError.
func New(op, blockID, remote string, err error) error {
	if err == nil {
		return nil
	}
	return &BlockError{
		Op:      op,
		BlockID: blockID,
		Remote:  remote,
		Err:     err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
