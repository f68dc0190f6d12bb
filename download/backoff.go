// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package download

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Default bounds for the transport-level backoff policy.
const (
	DefaultBackoffInitial    = 128 * time.Millisecond
	DefaultBackoffMax        = 16384 * time.Millisecond
	defaultBackoffMultiplier = 2.0
)

// RetryPolicy wraps a bounded exponential backoff for transport-level calls
// made outside the scheduler's own tick loop. It applies only to transient
// transport failures; protocol-level rejections (InvalidMessage,
// InvalidState) must fail fast and never go through this policy.
type RetryPolicy struct {
	b *backoff.ExponentialBackOff
}

// NewExponential constructs a policy bounded to [initial, max].
func NewExponential(initial, max time.Duration) *RetryPolicy {
	if max < initial {
		max = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = defaultBackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // caller decides when to give up, via Do's maxAttempts
	return &RetryPolicy{b: b}
}

// NewDefaultRetryPolicy builds the policy with the default bounds: 128ms initial, 16384ms max.
func NewDefaultRetryPolicy() *RetryPolicy {
	return NewExponential(DefaultBackoffInitial, DefaultBackoffMax)
}

// NextDuration returns the next backoff interval and advances the
// generator's internal state.
func (p *RetryPolicy) NextDuration() time.Duration {
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return p.b.MaxInterval
	}
	return d
}

// Reset restarts the sequence from the initial interval.
func (p *RetryPolicy) Reset() { p.b.Reset() }

// Do runs fn, retrying with this policy's bounded exponential backoff until
// it succeeds, fn reports a non-retryable error, or maxAttempts is reached
// (maxAttempts <= 0 means no limit). It returns a *Error of KindRetryTimeout when attempts are
// exhausted without success. fn itself is responsible for distinguishing
// transient transport errors (retry) from protocol-level rejections (return
// immediately, wrapped, via a non-nil, non-retryable error).
func (p *RetryPolicy) Do(op string, maxAttempts int, fn func(attempt int) (retryable bool, err error)) error {
	p.Reset()
	var lastErr error
	for attempt := 0; maxAttempts <= 0 || attempt < maxAttempts; attempt++ {
		retryable, err := fn(attempt)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
		backoffRetriesMeter.Mark(1)
		time.Sleep(p.NextDuration())
	}
	return newErr(op, KindRetryTimeout, lastErr)
}
