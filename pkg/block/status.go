// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

// Status classifies the outcome of processing one block. It selects the
// next action of the engine.
type Status uint8

const (
	// StatusUnknown means no error was detected and no action is pending.
	StatusUnknown Status = iota
	// StatusOption1Ack means the peer acknowledged a Block1 block we sent.
	StatusOption1Ack
	// StatusOption1NoAckLastBlock means the last Block1 block was received.
	StatusOption1NoAckLastBlock
	// StatusOption1NoAckBlock means a middle Block1 block was received.
	StatusOption1NoAckBlock
	// StatusOption2FirstBlock means a GET asked for Block2 number 0.
	StatusOption2FirstBlock
	// StatusOption2LastBlock means the last Block2 block was received.
	StatusOption2LastBlock
	// StatusOption2Ack means a Block2 block arrived and the next one must be requested.
	StatusOption2Ack
	// StatusOption2Non means a non-confirmable Block2 block arrived.
	StatusOption2Non
	// StatusOption2Con means the peer asked for the next Block2 block.
	StatusOption2Con
	// StatusSentPreviousNon means a non-confirmable block went out and the next follows.
	StatusSentPreviousNon
	// StatusIncomplete means a block is missing or short (4.08).
	StatusIncomplete
	// StatusTooLarge means the block does not fit the maximum PDU size (4.13).
	StatusTooLarge
	// StatusReceivedAlready means the block is a duplicate.
	StatusReceivedAlready
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusOption1Ack:
		return "option1_ack"
	case StatusOption1NoAckLastBlock:
		return "option1_no_ack_last_block"
	case StatusOption1NoAckBlock:
		return "option1_no_ack_block"
	case StatusOption2FirstBlock:
		return "option2_first_block"
	case StatusOption2LastBlock:
		return "option2_last_block"
	case StatusOption2Ack:
		return "option2_ack"
	case StatusOption2Non:
		return "option2_non"
	case StatusOption2Con:
		return "option2_con"
	case StatusSentPreviousNon:
		return "sent_previous_non_msg"
	case StatusIncomplete:
		return "incomplete"
	case StatusTooLarge:
		return "too_large"
	case StatusReceivedAlready:
		return "received_already"
	default:
		return "invalid"
	}
}
