// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package download

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// AggregateKey is the threshold signing key for a reward cycle: an opaque
// curve point used to verify signatures on tenure block headers.
type AggregateKey struct {
	pub *btcec.PublicKey
}

// NewAggregateKey wraps a compressed secp256k1 public key.
func NewAggregateKey(compressed []byte) (AggregateKey, error) {
	pub, err := btcec.ParsePubKey(compressed)
	if err != nil {
		return AggregateKey{}, err
	}
	return AggregateKey{pub: pub}, nil
}

// IsZero reports whether no key has been set (the reward cycle has no known
// aggregate key yet).
func (k AggregateKey) IsZero() bool { return k.pub == nil }

// ThresholdSignature is the signature carried on a tenure block header.
type ThresholdSignature struct {
	sig *schnorr.Signature
}

// NewThresholdSignature parses a 64-byte BIP-340 style signature.
func NewThresholdSignature(raw []byte) (ThresholdSignature, error) {
	sig, err := schnorr.ParseSignature(raw)
	if err != nil {
		return ThresholdSignature{}, err
	}
	return ThresholdSignature{sig: sig}, nil
}

// Verify checks the signature against hash under agg. A zero-value
// AggregateKey (unknown reward cycle key) never verifies.
func (s ThresholdSignature) Verify(agg AggregateKey, hash [32]byte) bool {
	if s.sig == nil || agg.pub == nil {
		return false
	}
	return s.sig.Verify(hash[:], agg.pub)
}

// TenureChangePayload is the metadata carried in a tenure-start block header
// that names the tenure it supersedes.
type TenureChangePayload struct {
	PrevTenureCH          ConsensusHash
	PreviousTenureBlocks  uint32
}

// BlockHeader is the subset of a Nakamoto block header the scheduler needs
// to validate structure and ordering.
type BlockHeader struct {
	ConsensusHash  ConsensusHash
	BlockIDValue   BlockId
	ParentBlockID  BlockId
	ChainLength    uint64
	SignerHashVal  [32]byte
	Signature      ThresholdSignature
}

func (h BlockHeader) SignerHash() [32]byte { return h.SignerHashVal }

// Block is a single downloaded/validated Nakamoto block.
type Block struct {
	Header  BlockHeader
	Tenure  *TenureChangePayload // non-nil iff this is a tenure-start block
}

func (b Block) BlockID() BlockId { return b.Header.BlockIDValue }

// IsWellformedTenureStartBlock reports whether b carries a tenure-change
// payload, i.e. whether it structurally qualifies as a tenure-start block.
func (b Block) IsWellformedTenureStartBlock() bool { return b.Tenure != nil }

// TryGetTenureChangePayload returns the tenure-change payload, if any.
func (b Block) TryGetTenureChangePayload() (TenureChangePayload, bool) {
	if b.Tenure == nil {
		return TenureChangePayload{}, false
	}
	return *b.Tenure, true
}

// Snapshot is the subset of sortition-DB state the scheduler consults.
type Snapshot struct {
	BlockHeight           BurnHeight
	SortitionID           [32]byte
	WinningStacksBlockHash BlockId
	ParentSortitionID     [32]byte
	ConsensusHash         ConsensusHash
}

// SortitionFacade is the narrow, read-only view onto the sortition database
// the scheduler needs.
type SortitionFacade interface {
	FirstBlockHeight() BurnHeight
	RewardCycleLength() uint64
	BlockHeightToRewardCycle(first, height BurnHeight) (RewardCycle, bool)
	RewardCycleToBlockHeight(first BurnHeight, rc RewardCycle) BurnHeight
	BlockSnapshotByConsensusHash(ch ConsensusHash) (Snapshot, bool)
	BlockSnapshotByHeight(sortitionID [32]byte, height BurnHeight) (Snapshot, bool)
}

// ChainStateFacade is the narrow, read-only view onto local chain-state
// storage the scheduler needs.
type ChainStateFacade interface {
	HasProcessedTenure(ch ConsensusHash) bool
	TenureStartBlock(ch ConsensusHash) (Block, bool)
	Block(id BlockId) (Block, bool)
	HasBlock(id BlockId) bool
	HasAnyUnprocessedStoredBlock() bool
}

// InventoryFacade exposes the inventory bit-vectors gossip has already
// collected for each peer.
type InventoryFacade interface {
	Inventories() map[PeerAddr]TenureInv
}

// TenureObserver is an optional capability a SortitionFacade may implement
// when it has no out-of-band indexer and instead learns sortition data from
// peer gossip (see internal/localstate). RunUnconfirmed checks for it and,
// when present, feeds a peer's reported tip in before validating it, so a
// self-populating facade can satisfy BlockSnapshotByConsensusHash for
// tenures it has never seen before.
type TenureObserver interface {
	ObserveTenureInfo(peer PeerAddr, info TenureInfo)
}

// Request is one of the three HTTP request shapes the scheduler issues.
type Request struct {
	Kind        RequestKind
	BlockID     BlockId // GetBlock, GetTenure(end)
	SinceBlock  *BlockId // GetTenure optional truncation point
}

// RequestKind enumerates the wire-level request shapes.
type RequestKind int

const (
	RequestGetBlock RequestKind = iota
	RequestGetTenure
	RequestGetTenureInfo
)

// TenureInfo is the response to GET_nakamoto_tenure_info.
type TenureInfo struct {
	ConsensusHash           ConsensusHash
	ParentConsensusHash     ConsensusHash
	TenureStartBlockID      BlockId
	ParentTenureStartBlockID BlockId
	TipBlockID              BlockId
	TipHeight               uint64
}

// Reply is a decoded response to one of the three request kinds.
type Reply struct {
	Kind       RequestKind
	Block      *Block
	Blocks     []Block
	TenureInfo *TenureInfo
}

// PeerFacade is the HTTP transport collaborator. All methods
// are non-blocking; SendRequest enqueues, CollectReplies drains completed
// round trips.
type PeerFacade interface {
	HasInflight(p PeerAddr) bool
	IsDeadOrBroken(p PeerAddr) bool
	AddDead(p PeerAddr)
	PeerHost(p PeerAddr) (PeerHost, bool)
	SendRequest(p PeerAddr, req Request) error
	CollectReplies() []PeerReply
}

// PeerReply pairs a Reply with the peer that produced it.
type PeerReply struct {
	Peer  PeerAddr
	Reply Reply
	Err   error
}
