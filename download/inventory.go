// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package download

import "github.com/ethereum/go-ethereum/log"

// FindAvailableTenures records, for each WantedTenure at index i, every
// peer whose bit i is set in its inventory for rc as able to serve that
// tenure. WantedTenures already marked Processed are skipped.
func FindAvailableTenures(rc RewardCycle, wanted []WantedTenure, invs map[PeerAddr]TenureInv) map[ConsensusHash][]PeerAddr {
	out := make(map[ConsensusHash][]PeerAddr)
	for i, wt := range wanted {
		if wt.Processed {
			continue
		}
		if i > maxInventoryBit {
			log.Error("wanted-tenure index exceeds maximum inventory bit", "index", i, "tenure", wt.TenureCH)
			continue
		}
		bit := uint16(i)
		for peer, inv := range invs {
			bv, ok := inv.Bits(rc)
			if !ok {
				continue
			}
			if bv.Get(bit) {
				out[wt.TenureCH] = append(out[wt.TenureCH], peer)
			}
		}
	}
	return out
}

// ComputeTenureBlockIDs derives, from one peer's inventory for reward cycle
// rc plus (optionally) its inventory for rc+1, the start/end block IDs for
// every tenure wanted[] names, using the commit-to-parent rule. Tenures
// whose start or end sortition cannot be found in wanted ∪ nextWanted are
// skipped silently.
func ComputeTenureBlockIDs(rc RewardCycle, wanted []WantedTenure, nextWanted []WantedTenure, inv TenureInv) AvailableTenures {
	invbits, ok := inv.Bits(rc)
	if !ok {
		return nil
	}
	out := AvailableTenures{}

	i := 0
	lastTenure := 0
	var lastTenureCH ConsensusHash
	haveLastTenure := false

	for i < len(wanted) {
		if i > maxInventoryBit {
			log.Error("wanted-tenure index exceeds maximum inventory bit", "index", i)
			break
		}
		if !invbits.Get(uint16(i)) {
			i++
			continue
		}
		wt := wanted[i]
		lastTenure = i

		// find next set bit j: start-block sortition.
		j := i
		for {
			j++
			if j >= len(wanted) {
				break
			}
			if invbits.Get(uint16(j)) {
				break
			}
		}
		if j >= len(wanted) {
			// start block not found within this cycle's wanted[]; the
			// cross-cycle pass below will attempt to resolve it.
			i = lastTenure + 1
			continue
		}
		wtStart := wanted[j]

		// find next set bit k after j: end-block sortition.
		k := j
		for {
			k++
			if k >= len(wanted) {
				break
			}
			if invbits.Get(uint16(k)) {
				break
			}
		}
		if k >= len(wanted) {
			i = lastTenure + 1
			continue
		}
		wtEnd := wanted[k]

		out[wt.TenureCH] = TenureStartEnd{
			TenureCH:         wt.TenureCH,
			StartBlockID:     wtStart.WinningBlockID,
			EndBlockID:       wtEnd.WinningBlockID,
			StartRewardCycle: rc,
			EndRewardCycle:   rc,
			Processed:        wt.Processed,
		}
		lastTenureCH = wt.TenureCH
		haveLastTenure = true
		i = lastTenure + 1
	}

	if nextWanted == nil {
		return out
	}

	// The last tenure fully derived from wanted[] alone sits adjacent to
	// the reward-cycle boundary (or the PoX anchor); no sibling downloader
	// in this cycle can hand it an end-block, so fetch it directly.
	if haveLastTenure {
		if last, ok := out[lastTenureCH]; ok {
			last.FetchEndBlock = true
			out[lastTenureCH] = last
		}
	}

	nextBits, ok := inv.Bits(rc + 1)
	if !ok {
		return out
	}

	// Cross-cycle pass: resolve start/end sortitions for the chain of set
	// bits at the tail of wanted[] whose start and/or end block lies in
	// nextWanted. Each iteration treats the previously-resolved start as
	// the next tenure to resolve, cascading forward across the boundary.
	i = lastTenure
	n := 0
	for i < len(wanted) {
		if !invbits.Get(uint16(i)) {
			i++
			continue
		}
		wt := wanted[i]

		usingNext := false
		searchingWanted := true
		for {
			if searchingWanted {
				i++
				if i >= len(wanted) {
					searchingWanted = false
					continue
				}
				if !invbits.Get(uint16(i)) {
					continue
				}
				break
			}
			if n >= len(nextWanted) {
				break
			}
			if !nextBits.Get(uint16(n)) {
				n++
				continue
			}
			usingNext = true
			break
		}

		var wtStart WantedTenure
		switch {
		case i < len(wanted):
			wtStart = wanted[i]
		case n < len(nextWanted):
			wtStart = nextWanted[n]
		default:
			return out
		}

		var k int
		if usingNext {
			k = n + 1
		} else {
			k = 0
		}
		for k < len(nextWanted) && !nextBits.Get(uint16(k)) {
			k++
		}
		if k >= len(nextWanted) {
			return out
		}
		wtEnd := nextWanted[k]

		out[wt.TenureCH] = TenureStartEnd{
			TenureCH:         wt.TenureCH,
			StartBlockID:     wtStart.WinningBlockID,
			EndBlockID:       wtEnd.WinningBlockID,
			StartRewardCycle: rc,
			// EndRewardCycle assumes wtEnd falls in the next reward cycle
			// rather than deriving it from wtEnd's own burn height; true
			// whenever nextWanted holds rc+1's tenures, as callers here
			// always arrange.
			EndRewardCycle: rc + 1,
			FetchEndBlock:    true,
			Processed:        wt.Processed,
		}
	}

	return out
}
