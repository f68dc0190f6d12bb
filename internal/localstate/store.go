// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// Package localstate is a reference SortitionFacade/ChainStateFacade/
// InventoryFacade implementation for standalone deployments that have no
// burnchain indexer of their own to consult. It derives everything the
// scheduler needs from what the scheduler itself observes over the wire:
// peer-reported tenure tips and downloaded blocks, rather than a real
// sortition DB.
package localstate

import (
	"sync"

	"github.com/nakamoto-net/tenure-downloader/download"
)

// Store implements download.SortitionFacade, download.ChainStateFacade and
// download.InventoryFacade entirely from peer-observed data. Since
// download.TenureInfo -- the only tip descriptor this scheduler's wire
// protocol carries -- has no burn-height or sortition-ID field, Store
// assigns each newly-observed consensus hash a synthetic, monotonically
// increasing burn height the first time any peer mentions it, ordered by
// walking each tenure's reported parent first. This is not a drop-in
// replacement for a real sortition DB: it can only ever know about tenures
// some peer has actually reported, and its reward-cycle boundaries are
// relative to process start rather than to the real burnchain.
type Store struct {
	firstBlockHeight  download.BurnHeight
	rewardCycleLength uint64

	mu sync.Mutex

	nextHeight      download.BurnHeight
	byConsensusHash map[download.ConsensusHash]download.Snapshot
	byHeight        map[download.BurnHeight]download.Snapshot
	parents         map[download.ConsensusHash]download.ConsensusHash

	blocks  map[download.BlockId]download.Block
	started map[download.ConsensusHash]bool // tenure-start block stored

	peerTips map[download.PeerAddr]download.TenureInfo
}

// New builds an empty Store. rewardCycleLength should match the real
// burnchain's, so that the synthetic wanted-tenure windows it derives are
// sized the way the scheduler expects.
func New(firstBlockHeight download.BurnHeight, rewardCycleLength uint64) *Store {
	if rewardCycleLength == 0 {
		rewardCycleLength = 1
	}
	return &Store{
		firstBlockHeight:  firstBlockHeight,
		rewardCycleLength: rewardCycleLength,
		byConsensusHash:   make(map[download.ConsensusHash]download.Snapshot),
		byHeight:          make(map[download.BurnHeight]download.Snapshot),
		parents:           make(map[download.ConsensusHash]download.ConsensusHash),
		blocks:            make(map[download.BlockId]download.Block),
		started:           make(map[download.ConsensusHash]bool),
		peerTips:          make(map[download.PeerAddr]download.TenureInfo),
	}
}

// Tip returns the highest-height snapshot observed so far, used as a stand-in
// sortition (and burnchain) tip: this Store has no independent burnchain
// indexer, so both necessarily advance together from the same peer gossip.
func (s *Store) Tip() download.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextHeight == 0 {
		return download.Snapshot{}
	}
	return s.byHeight[s.nextHeight-1]
}

// FirstBlockHeight implements download.SortitionFacade.
func (s *Store) FirstBlockHeight() download.BurnHeight { return s.firstBlockHeight }

// RewardCycleLength implements download.SortitionFacade.
func (s *Store) RewardCycleLength() uint64 { return s.rewardCycleLength }

// BlockHeightToRewardCycle implements download.SortitionFacade.
func (s *Store) BlockHeightToRewardCycle(first, height download.BurnHeight) (download.RewardCycle, bool) {
	if height < first {
		return 0, false
	}
	return download.RewardCycle(uint64(height-first) / s.rewardCycleLength), true
}

// RewardCycleToBlockHeight implements download.SortitionFacade.
func (s *Store) RewardCycleToBlockHeight(first download.BurnHeight, rc download.RewardCycle) download.BurnHeight {
	return first + download.BurnHeight(uint64(rc)*s.rewardCycleLength)
}

// BlockSnapshotByConsensusHash implements download.SortitionFacade.
func (s *Store) BlockSnapshotByConsensusHash(ch download.ConsensusHash) (download.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, ok := s.byConsensusHash[ch]
	return sn, ok
}

// BlockSnapshotByHeight implements download.SortitionFacade. The
// sortitionID parameter is unused: Store tracks a single synthetic fork.
func (s *Store) BlockSnapshotByHeight(_ [32]byte, height download.BurnHeight) (download.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, ok := s.byHeight[height]
	return sn, ok
}

// ObserveTenureInfo records a peer's reported chain tip, assigning synthetic
// burn heights to any consensus hash not seen before.
func (s *Store) ObserveTenureInfo(peer download.PeerAddr, info download.TenureInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerTenure(info.ParentConsensusHash, download.ConsensusHash{}, info.ParentTenureStartBlockID)
	s.registerTenure(info.ConsensusHash, info.ParentConsensusHash, info.TenureStartBlockID)
	s.peerTips[peer] = info
}

func (s *Store) registerTenure(ch, parentCH download.ConsensusHash, winningBlockID download.BlockId) {
	if ch.IsZero() {
		return
	}
	if _, ok := s.byConsensusHash[ch]; ok {
		return
	}
	if !parentCH.IsZero() {
		s.registerTenure(parentCH, download.ConsensusHash{}, download.BlockId{})
		s.parents[ch] = parentCH
	}
	h := s.nextHeight
	s.nextHeight++
	sn := download.Snapshot{BlockHeight: h, ConsensusHash: ch, WinningStacksBlockHash: winningBlockID}
	s.byConsensusHash[ch] = sn
	s.byHeight[h] = sn
}

// RecordBlock stores a downloaded block, marking its tenure started if it
// is structurally a tenure-start block.
func (s *Store) RecordBlock(b download.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.BlockID()] = b
	if b.IsWellformedTenureStartBlock() {
		s.started[b.Header.ConsensusHash] = true
	}
}

// HasProcessedTenure implements download.ChainStateFacade. This client has
// no chain-processing stage of its own: a tenure counts as processed once
// its start block has been stored.
func (s *Store) HasProcessedTenure(ch download.ConsensusHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started[ch]
}

// TenureStartBlock implements download.ChainStateFacade.
func (s *Store) TenureStartBlock(ch download.ConsensusHash) (download.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.blocks {
		if b.Header.ConsensusHash == ch && b.IsWellformedTenureStartBlock() {
			return b, true
		}
	}
	return download.Block{}, false
}

// Block implements download.ChainStateFacade.
func (s *Store) Block(id download.BlockId) (download.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	return b, ok
}

// HasBlock implements download.ChainStateFacade.
func (s *Store) HasBlock(id download.BlockId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocks[id]
	return ok
}

// HasAnyUnprocessedStoredBlock implements download.ChainStateFacade. It
// always reports false: Store has no processing stage behind storage, so a
// stored block is processed the instant RecordBlock returns. The method is
// still wired so a future processing stage can slot in behind it without
// another interface change.
func (s *Store) HasAnyUnprocessedStoredBlock() bool { return false }

// Inventories implements download.InventoryFacade. For each peer, it walks
// that peer's last-reported tip back through recorded parent links,
// deriving which tenures the peer's chain includes, and sets the matching
// bit in a synthetic per-reward-cycle bit vector.
func (s *Store) Inventories() map[download.PeerAddr]download.TenureInv {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[download.PeerAddr]download.TenureInv, len(s.peerTips))
	for peer, info := range s.peerTips {
		inv := download.TenureInv{TenuresInv: make(map[download.RewardCycle]download.BitVector)}
		for ch, seen := info.ConsensusHash, map[download.ConsensusHash]bool{}; !ch.IsZero() && !seen[ch]; {
			seen[ch] = true
			sn, ok := s.byConsensusHash[ch]
			if ok {
				s.setBitLocked(&inv, sn.BlockHeight)
			}
			parent, ok := s.parents[ch]
			if !ok {
				break
			}
			ch = parent
		}
		out[peer] = inv
	}
	return out
}

func (s *Store) setBitLocked(inv *download.TenureInv, height download.BurnHeight) {
	rc, ok := s.BlockHeightToRewardCycle(s.firstBlockHeight, height)
	if !ok {
		return
	}
	first := s.RewardCycleToBlockHeight(s.firstBlockHeight, rc)
	if first > 0 {
		first--
	}
	idx := uint16(height - first)
	bv := inv.TenuresInv[rc]
	bv.Set(idx, true)
	inv.TenuresInv[rc] = bv
}
