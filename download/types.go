// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package download implements the Nakamoto block download scheduler: a set
// of cooperating state machines that fetch tenure blocks from untrusted
// peers in parallel, validate them, and yield them in structural order to a
// local chain processor.
package download

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BlockId identifies a single block. It reuses go-ethereum's 32-byte Hash
// type rather than redefining an equivalent array type.
type BlockId = common.Hash

// ConsensusHash identifies a tenure (one winning sortition), following the
// same fixed-array-with-hex-helpers shape as common.Address.
type ConsensusHash [20]byte

// BytesToConsensusHash sets ch to the value of b, left-padding or truncating
// as common.BytesToAddress does.
func BytesToConsensusHash(b []byte) ConsensusHash {
	var ch ConsensusHash
	if len(b) > len(ch) {
		b = b[len(b)-len(ch):]
	}
	copy(ch[len(ch)-len(b):], b)
	return ch
}

func (ch ConsensusHash) Bytes() []byte { return ch[:] }

func (ch ConsensusHash) Hex() string { return "0x" + hex.EncodeToString(ch[:]) }

func (ch ConsensusHash) String() string { return ch.Hex() }

func (ch ConsensusHash) IsZero() bool { return ch == ConsensusHash{} }

// RewardCycle is a reward-cycle index, used to key aggregate public keys.
type RewardCycle uint64

// BurnHeight is a burnchain block height.
type BurnHeight uint64

// PeerAddr opaquely identifies a peer. The scheduler never interprets its
// contents; it is only used as a map key and for logging.
type PeerAddr string

func (p PeerAddr) String() string { return string(p) }

// PeerHost is the resolved network location handed to the transport layer
// when issuing a request.
type PeerHost struct {
	Hostname string
	Port     uint16
}

func (h PeerHost) String() string { return fmt.Sprintf("%s:%d", h.Hostname, h.Port) }

// maxInventoryBit is the largest sortition index a tenure inventory
// bit-vector may address. A wanted-tenure index beyond it is logged at
// error level and not looked up; the process keeps running.
const maxInventoryBit = 65535

// BitVector is a per-reward-cycle inventory: bit i set means the peer
// claims to have tenure data for the i'th sortition of that cycle.
type BitVector []byte

// Get reports whether bit i is set. An out-of-range index reports false,
// matching the original's invbits.get(bit).unwrap_or(false).
func (b BitVector) Get(i uint16) bool {
	byteIdx := int(i) / 8
	if byteIdx >= len(b) {
		return false
	}
	return b[byteIdx]&(1<<(uint(i)%8)) != 0
}

// Set marks bit i, growing the vector if necessary.
func (b *BitVector) Set(i uint16, v bool) {
	byteIdx := int(i) / 8
	for len(*b) <= byteIdx {
		*b = append(*b, 0)
	}
	if v {
		(*b)[byteIdx] |= 1 << (uint(i) % 8)
	} else {
		(*b)[byteIdx] &^= 1 << (uint(i) % 8)
	}
}

// TenureInv is a peer's declared inventory across reward cycles.
type TenureInv struct {
	TenuresInv map[RewardCycle]BitVector
}

// Bits returns the bit-vector for rc, and whether the peer advertised any
// inventory for that cycle at all.
func (t TenureInv) Bits(rc RewardCycle) (BitVector, bool) {
	bv, ok := t.TenuresInv[rc]
	return bv, ok
}

// WantedTenure names one tenure the scheduler wants, in the order the local
// sortition history saw it. Within a reward cycle, WantedTenures are kept
// ordered by ascending BurnHeight, with indices corresponding bit-for-bit to
// a peer's inventory bit-vector for that cycle.
type WantedTenure struct {
	TenureCH       ConsensusHash
	WinningBlockID BlockId
	BurnHeight     BurnHeight
	Processed      bool
}

// TenureStartEnd records where a tenure's start and end blocks live, as
// inferred from the commit-to-parent rule: for a WantedTenure
// at index i whose bit is set, StartBlockID is the WinningBlockID of the
// next set bit j>i, and EndBlockID is the WinningBlockID of the next set
// bit k>j.
type TenureStartEnd struct {
	TenureCH         ConsensusHash
	StartBlockID     BlockId
	EndBlockID       BlockId
	StartRewardCycle RewardCycle
	EndRewardCycle   RewardCycle
	// FetchEndBlock is set when no sibling downloader in the same reward
	// cycle can supply the end-block directly (the tenure crosses a reward
	// cycle boundary, or it is the last tenure derivable from wanted[]
	// alone).
	FetchEndBlock bool
	Processed     bool
}

// AvailableTenures maps a tenure to where its start/end blocks can be found,
// as derived from a single peer's inventory.
type AvailableTenures map[ConsensusHash]TenureStartEnd
