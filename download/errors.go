// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package download

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories a state machine or the
// scheduler can report. Every error this package raises itself is an *Error
// carrying exactly one Kind, reachable via errors.As. Errors from
// PeerFacade.SendRequest, and non-retryable errors from a RetryPolicy.Do
// callback, are passed back unchanged.
type Kind int

const (
	// KindInvalidState means a state-machine method was invoked outside of
	// its precondition. This is a logic bug in the caller; the offending
	// machine is retired.
	KindInvalidState Kind = iota
	// KindInvalidMessage means a peer sent a block, header, or info payload
	// that violates signature, commit-to-parent, or structural rules. The
	// peer is marked dead and the tenure returns to the schedule.
	KindInvalidMessage
	// KindPeerNotConnected means the peer is gone or never authenticated.
	KindPeerNotConnected
	// KindDBNotFound means a required sortition or chain-state lookup
	// failed; the tenure is skipped for the current tick.
	KindDBNotFound
	// KindRetryTimeout means exponential backoff was exhausted on a
	// transport-level call.
	KindRetryTimeout
	// KindMalformedPayload means the wire-format of an HTTP body could not
	// be decoded. Treated identically to KindInvalidMessage by callers.
	KindMalformedPayload
)

func (k Kind) String() string {
	switch k {
	case KindInvalidState:
		return "InvalidState"
	case KindInvalidMessage:
		return "InvalidMessage"
	case KindPeerNotConnected:
		return "PeerNotConnected"
	case KindDBNotFound:
		return "DBNotFound"
	case KindRetryTimeout:
		return "RetryTimeout"
	case KindMalformedPayload:
		return "MalformedPayload"
	default:
		return "Unknown"
	}
}

// Error is the error type this package's own failures are reported as. It
// carries a Kind so callers can dispatch on failure category without string
// matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(op string, kind Kind, err error) *Error {
	if kind == KindInvalidMessage || kind == KindMalformedPayload {
		tenuresRejectedMeter.Mark(1)
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

// Sentinel causes wrapped by *Error values, exposed so callers can compare
// with errors.Is against the underlying condition rather than just the Kind.
var (
	ErrWrongState           = errors.New("operation invalid in current state")
	ErrBadBlockID           = errors.New("block id does not match expected id")
	ErrBadSignature         = errors.New("threshold signature verification failed")
	ErrNotWellformedStart   = errors.New("block is not a wellformed tenure-start block")
	ErrParentMismatch       = errors.New("tenure-change payload does not reference expected parent")
	ErrNonContiguous        = errors.New("blocks are not contiguous by parent_block_id")
	ErrTenureTooLong        = errors.New("accepted block count exceeds previous_tenure_blocks")
	ErrPeerGone             = errors.New("peer is dead, broken, or never connected")
	ErrSnapshotNotFound     = errors.New("sortition snapshot not found")
	ErrAggregateKeyUnknown  = errors.New("no aggregate key known for reward cycle")
	ErrBacklogExhausted     = errors.New("backoff attempts exhausted")
	ErrTipNotAdvancing      = errors.New("remote tenure tip does not advance past local tip")
	ErrSortitionForkMissing = errors.New("consensus hash does not resolve on canonical sortition fork")
)

// IsKind reports whether err (or any error it wraps) is a *Error of the
// given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
