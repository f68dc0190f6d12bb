// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package download

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// defaultAggKeyCacheSize bounds the number of reward cycles the directory
// keeps warm; reward cycles are looked up far more often than they rotate,
// so a small LRU comfortably covers the active window around the burnchain
// tip.
const defaultAggKeyCacheSize = 256

// AggregateKeyDirectory maps a reward cycle to its (possibly absent)
// aggregate signing key. A downloader may only be
// instantiated for a tenure once both its start and end reward-cycle keys
// are known; absence simply drops the tenure from the current schedule so
// it can be retried on a later tick.
type AggregateKeyDirectory struct {
	mu    sync.RWMutex
	cache *lru.Cache
}

// NewAggregateKeyDirectory builds an empty directory.
func NewAggregateKeyDirectory() *AggregateKeyDirectory {
	c, err := lru.New(defaultAggKeyCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which never
		// happens here.
		panic(err)
	}
	return &AggregateKeyDirectory{cache: c}
}

// Set records the aggregate key known for rc. Passing the zero AggregateKey
// records "known to be absent" rather than "unknown" -- use Delete to
// forget a cycle entirely.
func (d *AggregateKeyDirectory) Set(rc RewardCycle, key AggregateKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Add(rc, key)
}

// Delete forgets any recorded key for rc.
func (d *AggregateKeyDirectory) Delete(rc RewardCycle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(rc)
}

// Get returns the key for rc and whether one has been recorded at all. A
// recorded-but-zero key (IsZero() == true) still reports ok == true, since
// the directory explicitly knows this cycle has no aggregate key yet, as
// opposed to never having been told about the cycle.
func (d *AggregateKeyDirectory) Get(rc RewardCycle) (AggregateKey, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.cache.Get(rc)
	if !ok {
		return AggregateKey{}, false
	}
	return v.(AggregateKey), true
}

// Known reports whether both start and end reward cycles of ts have a
// recorded, non-zero aggregate key -- the precondition MakeTenureDownloaders
// checks before instantiating a ConfirmedDownloader.
func (d *AggregateKeyDirectory) Known(ts TenureStartEnd) (start, end AggregateKey, ok bool) {
	start, startOK := d.Get(ts.StartRewardCycle)
	if !startOK || start.IsZero() {
		return AggregateKey{}, AggregateKey{}, false
	}
	end, endOK := d.Get(ts.EndRewardCycle)
	if !endOK || end.IsZero() {
		return AggregateKey{}, AggregateKey{}, false
	}
	return start, end, true
}
