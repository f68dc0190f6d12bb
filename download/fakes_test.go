// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package download

// fakeSortitionDB is a minimal in-memory SortitionFacade for tests: it
// stores snapshots keyed by consensus hash and by (sortitionID, height).
type fakeSortitionDB struct {
	firstBlockHeight  BurnHeight
	rewardCycleLength uint64
	byConsensusHash   map[ConsensusHash]Snapshot
	byHeight          map[BurnHeight]Snapshot
}

func newFakeSortitionDB() *fakeSortitionDB {
	return &fakeSortitionDB{
		rewardCycleLength: 100,
		byConsensusHash:   make(map[ConsensusHash]Snapshot),
		byHeight:          make(map[BurnHeight]Snapshot),
	}
}

func (f *fakeSortitionDB) add(sn Snapshot) {
	f.byConsensusHash[sn.ConsensusHash] = sn
	f.byHeight[sn.BlockHeight] = sn
}

func (f *fakeSortitionDB) FirstBlockHeight() BurnHeight { return f.firstBlockHeight }
func (f *fakeSortitionDB) RewardCycleLength() uint64    { return f.rewardCycleLength }

func (f *fakeSortitionDB) BlockHeightToRewardCycle(first, height BurnHeight) (RewardCycle, bool) {
	if height < first {
		return 0, false
	}
	return RewardCycle(uint64(height-first) / f.rewardCycleLength), true
}

func (f *fakeSortitionDB) RewardCycleToBlockHeight(first BurnHeight, rc RewardCycle) BurnHeight {
	return first + BurnHeight(uint64(rc)*f.rewardCycleLength)
}

func (f *fakeSortitionDB) BlockSnapshotByConsensusHash(ch ConsensusHash) (Snapshot, bool) {
	sn, ok := f.byConsensusHash[ch]
	return sn, ok
}

func (f *fakeSortitionDB) BlockSnapshotByHeight(sortitionID [32]byte, height BurnHeight) (Snapshot, bool) {
	sn, ok := f.byHeight[height]
	return sn, ok
}

// fakeChainState is a minimal in-memory ChainStateFacade for tests.
type fakeChainState struct {
	blocks                    map[BlockId]Block
	processed                 map[ConsensusHash]bool
	hasUnprocessedStoredBlock bool
}

func newFakeChainState() *fakeChainState {
	return &fakeChainState{blocks: make(map[BlockId]Block), processed: make(map[ConsensusHash]bool)}
}

func (c *fakeChainState) HasProcessedTenure(ch ConsensusHash) bool { return c.processed[ch] }

func (c *fakeChainState) TenureStartBlock(ch ConsensusHash) (Block, bool) {
	for _, b := range c.blocks {
		if b.Header.ConsensusHash == ch && b.IsWellformedTenureStartBlock() {
			return b, true
		}
	}
	return Block{}, false
}

func (c *fakeChainState) Block(id BlockId) (Block, bool) {
	b, ok := c.blocks[id]
	return b, ok
}

func (c *fakeChainState) HasBlock(id BlockId) bool {
	_, ok := c.blocks[id]
	return ok
}

func (c *fakeChainState) HasAnyUnprocessedStoredBlock() bool { return c.hasUnprocessedStoredBlock }

// fakePeerFacade is a minimal in-memory PeerFacade for tests: SendRequest
// records the request and marks the peer inflight, rather than performing
// any real I/O; tests queue the replies themselves.
type fakePeerFacade struct {
	hosts    map[PeerAddr]PeerHost
	dead     map[PeerAddr]bool
	inflight map[PeerAddr]bool
	sent     []Request
	queued   []PeerReply
}

func newFakePeerFacade() *fakePeerFacade {
	return &fakePeerFacade{
		hosts:    make(map[PeerAddr]PeerHost),
		dead:     make(map[PeerAddr]bool),
		inflight: make(map[PeerAddr]bool),
	}
}

func (f *fakePeerFacade) HasInflight(p PeerAddr) bool    { return f.inflight[p] }
func (f *fakePeerFacade) IsDeadOrBroken(p PeerAddr) bool  { return f.dead[p] }
func (f *fakePeerFacade) AddDead(p PeerAddr)              { f.dead[p] = true }
func (f *fakePeerFacade) PeerHost(p PeerAddr) (PeerHost, bool) {
	h, ok := f.hosts[p]
	return h, ok
}

func (f *fakePeerFacade) SendRequest(p PeerAddr, req Request) error {
	f.inflight[p] = true
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakePeerFacade) CollectReplies() []PeerReply {
	out := f.queued
	f.queued = nil
	for _, r := range out {
		f.inflight[r.Peer] = false
	}
	return out
}

func (f *fakePeerFacade) queueReply(r PeerReply) { f.queued = append(f.queued, r) }
