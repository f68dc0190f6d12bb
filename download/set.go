// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package download

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
)

// DownloaderSet schedules peer connections onto a sparse array of
// ConfirmedDownloader state machines. The downloader for
// tenure N+1 needs to feed its start block to the downloader for tenure N,
// so several run in parallel; a peer is bound to at most one downloader for
// the duration of a single RPC round trip before being re-attached.
type DownloaderSet struct {
	downloaders      []*ConfirmedDownloader // sparse: nil marks a vacant slot
	peerSlot         map[PeerAddr]int
	completedTenures mapset.Set[ConsensusHash]
}

// NewDownloaderSet builds an empty set.
func NewDownloaderSet() *DownloaderSet {
	return &DownloaderSet{
		peerSlot:         make(map[PeerAddr]int),
		completedTenures: mapset.NewThreadUnsafeSet[ConsensusHash](),
	}
}

func (s *DownloaderSet) addDownloader(peer PeerAddr, dl *ConfirmedDownloader) {
	log.Debug("add downloader", "tenure", dl.TenureCH, "peer", peer)
	if idx, ok := s.peerSlot[peer]; ok {
		s.downloaders[idx] = dl
		return
	}
	s.downloaders = append(s.downloaders, dl)
	s.peerSlot[peer] = len(s.downloaders) - 1
}

// HasDownloader reports whether peer is bound to a live downloader slot.
func (s *DownloaderSet) HasDownloader(peer PeerAddr) bool {
	idx, ok := s.peerSlot[peer]
	if !ok {
		return false
	}
	return idx < len(s.downloaders) && s.downloaders[idx] != nil
}

// ClearDownloader drops the downloader bound to peer, if any.
func (s *DownloaderSet) ClearDownloader(peer PeerAddr) {
	idx, ok := s.peerSlot[peer]
	if !ok {
		return
	}
	delete(s.peerSlot, peer)
	s.downloaders[idx] = nil
}

// NumDownloaders counts occupied slots.
func (s *DownloaderSet) NumDownloaders() int {
	n := 0
	for _, dl := range s.downloaders {
		if dl != nil {
			n++
		}
	}
	return n
}

// NumScheduledDownloaders counts slots that have a peer currently bound.
func (s *DownloaderSet) NumScheduledDownloaders() int {
	n := 0
	for _, idx := range s.peerSlot {
		if idx < len(s.downloaders) && s.downloaders[idx] != nil {
			n++
		}
	}
	return n
}

// AddDownloaders binds each (peer, downloader) pair, skipping any peer that
// already has one.
func (s *DownloaderSet) AddDownloaders(pairs []struct {
	Peer       PeerAddr
	Downloader *ConfirmedDownloader
}) {
	for _, p := range pairs {
		if s.HasDownloader(p.Peer) {
			continue
		}
		s.addDownloader(p.Peer, p.Downloader)
	}
}

// Inflight counts downloaders that are neither idle nor done. This includes
// a newly created downloader that has not yet sent its first request.
func (s *DownloaderSet) Inflight() int {
	n := 0
	for _, dl := range s.downloaders {
		if dl == nil || dl.Idle() || dl.IsDone() {
			continue
		}
		n++
	}
	return n
}

// CompletedTenures returns the set of tenures successfully downloaded so
// far by this set (whether or not they have been stored/processed yet).
func (s *DownloaderSet) CompletedTenures() mapset.Set[ConsensusHash] {
	return s.completedTenures
}

// IsTenureInflight reports whether some downloader, bound or not, exists
// for ch.
func (s *DownloaderSet) IsTenureInflight(ch ConsensusHash) bool {
	for _, dl := range s.downloaders {
		if dl != nil && dl.TenureCH == ch {
			return true
		}
	}
	return false
}

// IsEmpty reports whether every slot is either vacant or finished.
func (s *DownloaderSet) IsEmpty() bool {
	for _, dl := range s.downloaders {
		if dl != nil && !dl.IsDone() {
			return false
		}
	}
	return true
}

// HasDownloaderForTenure reports whether a downloader for ch exists
// (bound or not).
func (s *DownloaderSet) HasDownloaderForTenure(ch ConsensusHash) bool {
	return s.IsTenureInflight(ch)
}

// TryResumePeer re-attaches peer to an idle, unbound downloader slot so it
// can drive the next RPC round trip. Returns true if peer ends up scheduled
// (whether newly bound or already bound).
func (s *DownloaderSet) TryResumePeer(peer PeerAddr) bool {
	if idx, ok := s.peerSlot[peer]; ok {
		if idx < len(s.downloaders) && s.downloaders[idx] != nil {
			log.Debug("peer already bound to downloader", "peer", peer, "tenure", s.downloaders[idx].TenureCH)
			return true
		}
		return false
	}
	bound := make(map[int]bool, len(s.peerSlot))
	for _, idx := range s.peerSlot {
		bound[idx] = true
	}
	for i, dl := range s.downloaders {
		if dl == nil || !dl.Idle() || bound[i] {
			continue
		}
		log.Debug("assign peer to downloader", "peer", peer, "tenure", dl.TenureCH, "state", dl.State())
		dl.Peer = peer
		s.peerSlot[peer] = i
		return true
	}
	return false
}

// ClearAvailablePeers deschedules peers bound to vacant or idle slots, so
// they can be reassigned on the next tick.
func (s *DownloaderSet) ClearAvailablePeers() {
	var idled []PeerAddr
	for peer, idx := range s.peerSlot {
		if idx >= len(s.downloaders) || s.downloaders[idx] == nil {
			idled = append(idled, peer)
			continue
		}
		if s.downloaders[idx].Idle() {
			idled = append(idled, peer)
		}
	}
	for _, peer := range idled {
		delete(s.peerSlot, peer)
	}
}

// ClearFinishedDownloaders vacates any slot whose downloader is Done,
// leaving peer bindings in place for ClearAvailablePeers to clean up.
func (s *DownloaderSet) ClearFinishedDownloaders() {
	for i, dl := range s.downloaders {
		if dl != nil && dl.IsDone() {
			s.downloaders[i] = nil
		}
	}
}

// FindNewTenureStartBlocks collects the tenure-start blocks obtained by
// every downloader so far, keyed by block id, for cross-feeding into
// sibling downloaders waiting on them.
func (s *DownloaderSet) FindNewTenureStartBlocks() map[BlockId]Block {
	out := make(map[BlockId]Block)
	for _, dl := range s.downloaders {
		if dl == nil || dl.startBlock == nil {
			continue
		}
		out[dl.startBlock.BlockID()] = *dl.startBlock
	}
	return out
}

// HandleTenureEndBlocks feeds newly-available tenure-start blocks to
// sibling downloaders that are WaitForEnd on exactly that block id. It
// returns the peers bound to downloaders that rejected a fed block.
func (s *DownloaderSet) HandleTenureEndBlocks(tenureStartBlocks map[BlockId]Block) []PeerAddr {
	var dead []PeerAddr
	for _, dl := range s.downloaders {
		if dl == nil || dl.State() != StateWaitForEnd {
			continue
		}
		end, ok := tenureStartBlocks[dl.EndBlockID]
		if !ok {
			continue
		}
		if err := dl.TryAcceptTenureEndBlock(end); err != nil {
			log.Warn("failed to accept tenure end-block", "block", end.BlockID(), "tenure", dl.TenureCH, "err", err)
			dead = append(dead, dl.Peer)
		}
	}
	return dead
}

// TryTransitionFetchTenureEndBlocks flips idle WaitForEnd downloaders whose
// end block is marked FetchEndBlock across the available-tenures set (e.g.
// the last tenure before a PoX anchor block, or before a reward-cycle
// boundary) into GetEnd, since no sibling downloader will ever supply their
// end block as a tenure-start block.
func (s *DownloaderSet) TryTransitionFetchTenureEndBlocks(tenureBlockIDs map[PeerAddr]AvailableTenures) {
	mustFetch := make(map[BlockId]struct{})
	for _, avail := range tenureBlockIDs {
		for _, ts := range avail {
			if ts.FetchEndBlock {
				mustFetch[ts.EndBlockID] = struct{}{}
			}
		}
	}

	for _, dl := range s.downloaders {
		if dl == nil || !dl.Idle() || !dl.IsWaiting() {
			continue
		}
		if _, ok := mustFetch[dl.EndBlockID]; !ok {
			continue
		}
		log.Debug("transition downloader from waiting to fetching", "tenure", dl.TenureCH)
		if err := dl.TransitionToFetchEndBlock(); err != nil {
			log.Warn("downloader failed to transition to fetch end block", "tenure", dl.TenureCH, "err", err)
		}
	}
}

// Schedule is a FIFO queue of tenures to download, highest-priority first.
type Schedule []ConsensusHash

func (sc *Schedule) popFront() (ConsensusHash, bool) {
	if len(*sc) == 0 {
		return ConsensusHash{}, false
	}
	ch := (*sc)[0]
	*sc = (*sc)[1:]
	return ch, true
}

// MakeTenureDownloaders drains schedule, instantiating up to count
// in-flight downloaders by pairing each tenure with an available peer and
// both its start/end aggregate keys.
// It mutates schedule and available in place.
func (s *DownloaderSet) MakeTenureDownloaders(schedule *Schedule, available map[ConsensusHash][]PeerAddr, tenureBlockIDs map[PeerAddr]AvailableTenures, count int, aggKeys *AggregateKeyDirectory) {
	s.ClearFinishedDownloaders()
	s.ClearAvailablePeers()
	s.TryTransitionFetchTenureEndBlocks(tenureBlockIDs)

	for s.Inflight() < count {
		ch, ok := schedule.popFrontPeek()
		if !ok {
			break
		}
		if s.completedTenures.Contains(ch) {
			log.Debug("already successfully downloaded tenure", "tenure", ch)
			schedule.popFront()
			continue
		}
		neighbors, ok := available[ch]
		if !ok || len(neighbors) == 0 {
			log.Debug("no neighbors have tenure", "tenure", ch)
			schedule.popFront()
			continue
		}
		peer := neighbors[len(neighbors)-1]
		available[ch] = neighbors[:len(neighbors)-1]

		if s.TryResumePeer(peer) {
			continue
		}
		if s.HasDownloaderForTenure(ch) {
			schedule.popFront()
			continue
		}

		avail, ok := tenureBlockIDs[peer]
		if !ok {
			log.Debug("no tenures available from peer", "peer", peer)
			continue
		}
		ts, ok := avail[ch]
		if !ok {
			log.Debug("peer does not serve tenure", "peer", peer, "tenure", ch)
			continue
		}
		startKey, endKey, ok := aggKeys.Known(ts)
		if !ok {
			log.Debug("cannot fetch tenure: missing aggregate key", "tenure", ch)
			schedule.popFront()
			continue
		}

		log.Info("download tenure", "tenure", ch, "start", ts.StartBlockID, "end", ts.EndBlockID)
		dl := NewConfirmedDownloader(ch, ts.StartBlockID, ts.EndBlockID, peer, startKey, endKey)
		s.addDownloader(peer, dl)
		schedule.popFront()
	}
}

// popFrontPeek reads the front element without dequeueing it.
func (sc Schedule) popFrontPeek() (ConsensusHash, bool) {
	if len(sc) == 0 {
		return ConsensusHash{}, false
	}
	return sc[0], true
}

// RunResult is the outcome of one DownloaderSet.Run tick.
type RunResult struct {
	// NewBlocks maps each tenure that made progress this tick to the
	// blocks obtained (non-empty only for a newly-completed tenure).
	NewBlocks map[ConsensusHash][]Block
}

// Run drives every bound downloader through one network round trip: hand
// tenure-start blocks already obtained to sibling downloaders waiting on
// them as end blocks, send pending requests, collect replies, advance state
// machines, and drop dead or finished peers.
func (s *DownloaderSet) Run(facade PeerFacade) RunResult {
	for _, peer := range s.HandleTenureEndBlocks(s.FindNewTenureStartBlocks()) {
		facade.AddDead(peer)
		peersDroppedMeter.Mark(1)
	}

	peers := make([]PeerAddr, 0, len(s.peerSlot))
	for peer := range s.peerSlot {
		peers = append(peers, peer)
	}

	var finished []PeerAddr
	var finishedTenures []ConsensusHash
	newBlocks := make(map[ConsensusHash][]Block)

	for _, peer := range peers {
		idx, ok := s.peerSlot[peer]
		if !ok || idx >= len(s.downloaders) || s.downloaders[idx] == nil {
			continue
		}
		dl := s.downloaders[idx]
		if facade.HasInflight(peer) {
			continue
		}
		if dl.IsDone() {
			finished = append(finished, peer)
			finishedTenures = append(finishedTenures, dl.TenureCH)
			continue
		}
		if err := dl.SendNextDownloadRequest(facade); err != nil {
			log.Debug("downloader failed, peer is dead", "peer", peer, "err", err)
			facade.AddDead(peer)
			peersDroppedMeter.Mark(1)
			finished = append(finished, peer)
			continue
		}
	}

	s.clearDeadBrokenAndFinished(facade, peers, finished, finishedTenures)
	finished, finishedTenures = nil, nil

	for _, pr := range facade.CollectReplies() {
		idx, ok := s.peerSlot[pr.Peer]
		if !ok || idx >= len(s.downloaders) || s.downloaders[idx] == nil {
			continue
		}
		dl := s.downloaders[idx]

		if pr.Err != nil {
			log.Debug("failed to handle download response", "peer", pr.Peer, "err", pr.Err)
			facade.AddDead(pr.Peer)
			continue
		}

		blocks, err := dl.HandleNextDownloadResponse(pr.Reply)
		if err != nil {
			log.Debug("failed to handle download response", "peer", pr.Peer, "err", err)
			facade.AddDead(pr.Peer)
			continue
		}
		if blocks == nil {
			continue
		}

		newBlocks[dl.TenureCH] = blocks
		if dl.IsDone() {
			finished = append(finished, pr.Peer)
			finishedTenures = append(finishedTenures, dl.TenureCH)
		}
	}

	s.clearDeadBrokenAndFinished(facade, peers, finished, finishedTenures)

	return RunResult{NewBlocks: newBlocks}
}

func (s *DownloaderSet) clearDeadBrokenAndFinished(facade PeerFacade, all, finished []PeerAddr, finishedTenures []ConsensusHash) {
	for _, peer := range all {
		if facade.IsDeadOrBroken(peer) {
			s.ClearDownloader(peer)
		}
	}
	for _, peer := range finished {
		s.ClearDownloader(peer)
	}
	for _, ch := range finishedTenures {
		s.completedTenures.Add(ch)
	}
}
