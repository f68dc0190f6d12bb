// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package download

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/log"
)

// Mode is the overall scheduling behavior.
type Mode int

const (
	// ModeConfirmed fetches historic tenures in bulk, either in sortition
	// order (initial block download) or rarest-first order (steady state).
	ModeConfirmed Mode = iota
	// ModeUnconfirmed fetches the ongoing tenure's tip from every peer,
	// entered only once every confirmed tenure is accounted for.
	ModeUnconfirmed
)

func (m Mode) String() string {
	if m == ModeUnconfirmed {
		return "Unconfirmed"
	}
	return "Confirmed"
}

// StateMachine is the overall Nakamoto block download scheduler. It tracks
// the current and previous reward cycle's wanted tenures, derives a
// download schedule from peer inventories, and drives a
// DownloaderSet plus a pool of UnconfirmedDownloaders to completion.
type StateMachine struct {
	NakamotoStartHeight BurnHeight

	mode          Mode
	rewardCycle   RewardCycle
	wantedTenures []WantedTenure
	prevWanted    []WantedTenure
	lastSortTip   *Snapshot

	tenureBlockIDs   map[PeerAddr]AvailableTenures
	availableTenures map[ConsensusHash][]PeerAddr
	schedule         Schedule

	confirmed   *DownloaderSet
	unconfirmed map[PeerAddr]*UnconfirmedDownloader

	AggKeys *AggregateKeyDirectory
}

// NewStateMachine builds a machine starting in ModeConfirmed with empty
// schedules.
func NewStateMachine(nakamotoStart BurnHeight, aggKeys *AggregateKeyDirectory) *StateMachine {
	return &StateMachine{
		NakamotoStartHeight: nakamotoStart,
		mode:                ModeConfirmed,
		tenureBlockIDs:      make(map[PeerAddr]AvailableTenures),
		availableTenures:    make(map[ConsensusHash][]PeerAddr),
		confirmed:           NewDownloaderSet(),
		unconfirmed:         make(map[PeerAddr]*UnconfirmedDownloader),
		AggKeys:             aggKeys,
	}
}

// Mode returns the current scheduling mode.
func (sm *StateMachine) Mode() Mode { return sm.mode }

// MakeIBDDownloadSchedule orders unprocessed, in-scope tenures by sortition
// order -- the first item is fetched first.
func MakeIBDDownloadSchedule(nakamotoStart BurnHeight, wanted []WantedTenure, available map[ConsensusHash][]PeerAddr) Schedule {
	var out Schedule
	for _, wt := range wanted {
		if wt.Processed || wt.BurnHeight < nakamotoStart {
			continue
		}
		if _, ok := available[wt.TenureCH]; !ok {
			continue
		}
		out = append(out, wt.TenureCH)
	}
	return out
}

// MakeRarestFirstDownloadSchedule orders unprocessed, in-scope tenures by
// ascending neighbor count -- the tenure known to the fewest peers is
// fetched first, since it is the most at-risk of becoming unavailable
//.
func MakeRarestFirstDownloadSchedule(nakamotoStart BurnHeight, wanted []WantedTenure, available map[ConsensusHash][]PeerAddr) Schedule {
	type entry struct {
		count int
		ch    ConsensusHash
	}
	var entries []entry
	for _, wt := range wanted {
		if wt.Processed || wt.BurnHeight < nakamotoStart {
			continue
		}
		neighbors, ok := available[wt.TenureCH]
		if !ok {
			continue
		}
		entries = append(entries, entry{count: len(neighbors), ch: wt.TenureCH})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].count < entries[j].count })
	out := make(Schedule, len(entries))
	for i, e := range entries {
		out[i] = e.ch
	}
	return out
}

func countAvailableTenureNeighbors(available map[ConsensusHash][]PeerAddr) int {
	n := 0
	for _, peers := range available {
		n += len(peers)
	}
	return n
}

// loadWantedTenures walks the sortition history backwards from height
// last-1 down to first along sortTip's fork, returning the WantedTenures in
// ascending burn-height order. Missing snapshots (e.g. below the sortition
// DB's first block) simply truncate the walk.
func loadWantedTenures(sortdb SortitionFacade, sortTip Snapshot, first, last BurnHeight) []WantedTenure {
	if last <= first {
		return nil
	}
	var out []WantedTenure
	for h := last - 1; ; h-- {
		sn, ok := sortdb.BlockSnapshotByHeight(sortTip.SortitionID, h)
		if ok {
			out = append(out, WantedTenure{TenureCH: sn.ConsensusHash, WinningBlockID: sn.WinningStacksBlockHash, BurnHeight: sn.BlockHeight})
		}
		if h == first || h == 0 {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// loadWantedTenuresForRewardCycle loads every sortition in reward cycle rc.
func loadWantedTenuresForRewardCycle(sortdb SortitionFacade, sortTip Snapshot, rc RewardCycle) []WantedTenure {
	first := sortdb.RewardCycleToBlockHeight(sortdb.FirstBlockHeight(), rc)
	if first > 0 {
		first--
	}
	last := sortdb.RewardCycleToBlockHeight(sortdb.FirstBlockHeight(), rc+1)
	if last > 0 {
		last--
	}
	return loadWantedTenures(sortdb, sortTip, first, last)
}

// initializeWantedTenures loads both windows fresh the first time the state
// machine sees sortition data.
func (sm *StateMachine) initializeWantedTenures(sortdb SortitionFacade, sortTip Snapshot) {
	curRC, ok := sortdb.BlockHeightToRewardCycle(sortdb.FirstBlockHeight(), sortTip.BlockHeight)
	if !ok {
		return
	}
	sm.rewardCycle = curRC
	sm.wantedTenures = loadWantedTenuresForRewardCycle(sortdb, sortTip, curRC)
	if curRC > 0 {
		sm.prevWanted = loadWantedTenuresForRewardCycle(sortdb, sortTip, curRC-1)
	}
}

// extendWantedTenures appends newly-discovered sortitions to the tail of
// wantedTenures, without disturbing the reward-cycle windows themselves.
func (sm *StateMachine) extendWantedTenures(sortdb SortitionFacade, sortTip Snapshot) {
	first := sortTip.BlockHeight + 1
	if n := len(sm.wantedTenures); n > 0 {
		first = sm.wantedTenures[n-1].BurnHeight + 1
	} else if sm.lastSortTip != nil {
		first = sm.lastSortTip.BlockHeight + 1
	}

	last := sortdb.RewardCycleToBlockHeight(sortdb.FirstBlockHeight(), sm.rewardCycle+1)
	if last > 0 {
		last--
	}
	if sortTip.BlockHeight < last {
		last = sortTip.BlockHeight
	}
	last++

	sm.wantedTenures = append(sm.wantedTenures, loadWantedTenures(sortdb, sortTip, first, last)...)
}

// UpdateWantedTenures refreshes the current/previous reward-cycle windows
// from the sortition history. On the very first call it loads both windows
// fresh. Afterwards it either appends newly-discovered sortitions to the
// tail of wantedTenures (steady state, same reward cycle), or rotates both
// windows into the next reward cycle -- but only once every tenure still
// outstanding from the previous cycle has either been processed locally or
// is no longer advertised by any peer.
func (sm *StateMachine) UpdateWantedTenures(sortdb SortitionFacade, sortTip Snapshot) {
	if sm.wantedTenures == nil && sm.prevWanted == nil {
		sm.initializeWantedTenures(sortdb, sortTip)
		sm.lastSortTip = &sortTip
		return
	}

	nextSortRC, ok := sortdb.BlockHeightToRewardCycle(sortdb.FirstBlockHeight(), sortTip.BlockHeight+1)
	if !ok {
		return
	}

	if nextSortRC <= sm.rewardCycle {
		sm.extendWantedTenures(sortdb, sortTip)
		sm.lastSortTip = &sortTip
		return
	}

	if haveUnprocessedTenures(sm.confirmed.CompletedTenures(), sm.prevWanted, sm.tenureBlockIDs) {
		log.Debug("deferring reward-cycle rollover: previous cycle's tenures are not all settled")
		return
	}

	sm.prevWanted = loadWantedTenuresForRewardCycle(sortdb, sortTip, sm.rewardCycle)
	sm.wantedTenures = loadWantedTenuresForRewardCycle(sortdb, sortTip, nextSortRC)
	sm.rewardCycle = nextSortRC
	sm.lastSortTip = &sortTip
}

// UpdateProcessedTenures marks every wanted tenure already fully processed
// by the local chainstate, or below the Nakamoto activation height, as
// Processed.
func (sm *StateMachine) UpdateProcessedTenures(chain ChainStateFacade) {
	updateOne := func(wanted []WantedTenure) {
		for i := range wanted {
			if wanted[i].Processed {
				continue
			}
			if wanted[i].BurnHeight < sm.NakamotoStartHeight {
				wanted[i].Processed = true
				continue
			}
			if chain.HasProcessedTenure(wanted[i].TenureCH) {
				wanted[i].Processed = true
			}
		}
	}
	updateOne(sm.prevWanted)
	updateOne(sm.wantedTenures)
}

// UpdateAvailableTenures recomputes availableTenures, tenureBlockIDs and the
// download schedule from the supplied per-peer inventories. It is a no-op while the current schedule still
// has unexhausted neighbors to try, to avoid needless recomputation.
func (sm *StateMachine) UpdateAvailableTenures(invs map[PeerAddr]TenureInv, ibd bool) {
	if len(sm.schedule) == 0 {
		sm.availableTenures = make(map[ConsensusHash][]PeerAddr)
		sm.tenureBlockIDs = make(map[PeerAddr]AvailableTenures)
	}
	if countAvailableTenureNeighbors(sm.availableTenures) > 0 {
		log.Debug("still have requests to try")
		return
	}
	if len(sm.wantedTenures) == 0 {
		return
	}
	if len(invs) == 0 {
		log.Debug("no inventories available")
		return
	}

	available := FindAvailableTenures(sm.rewardCycle, sm.wantedTenures, invs)
	if sm.prevWanted != nil {
		prevAvail := FindAvailableTenures(sm.rewardCycle-1, sm.prevWanted, invs)
		for ch, peers := range prevAvail {
			available[ch] = append(available[ch], peers...)
		}
	}

	tenureBlockIDs := make(map[PeerAddr]AvailableTenures)
	for peer, inv := range invs {
		ts := ComputeTenureBlockIDs(sm.rewardCycle, sm.wantedTenures, sm.prevWanted, inv)
		if ts != nil {
			tenureBlockIDs[peer] = ts
		}
	}
	if sm.prevWanted != nil {
		for peer, inv := range invs {
			ts := ComputeTenureBlockIDs(sm.rewardCycle-1, sm.prevWanted, sm.wantedTenures, inv)
			if ts == nil {
				continue
			}
			if existing, ok := tenureBlockIDs[peer]; ok {
				for ch, v := range ts {
					existing[ch] = v
				}
			} else {
				tenureBlockIDs[peer] = ts
			}
		}
	}

	var schedule Schedule
	if ibd {
		if sm.prevWanted != nil {
			schedule = append(schedule, MakeIBDDownloadSchedule(sm.NakamotoStartHeight, sm.prevWanted, available)...)
		}
		schedule = append(schedule, MakeIBDDownloadSchedule(sm.NakamotoStartHeight, sm.wantedTenures, available)...)
	} else {
		if sm.prevWanted != nil {
			schedule = append(schedule, MakeRarestFirstDownloadSchedule(sm.NakamotoStartHeight, sm.prevWanted, available)...)
		}
		schedule = append(schedule, MakeRarestFirstDownloadSchedule(sm.NakamotoStartHeight, sm.wantedTenures, available)...)
	}

	sm.schedule = schedule
	sm.tenureBlockIDs = tenureBlockIDs
	sm.availableTenures = available
}

// UpdateTenureDownloaders drains the schedule, instantiating up to count
// confirmed downloaders.
func (sm *StateMachine) UpdateTenureDownloaders(count int) {
	sm.confirmed.MakeTenureDownloaders(&sm.schedule, sm.availableTenures, sm.tenureBlockIDs, count, sm.AggKeys)
}

// haveUnprocessedTenures reports whether any previous-cycle wanted tenure
// remains unaccounted for: neither already downloaded (completedTenures)
// nor impossible to serve (no peer has start/end block IDs for it).
func haveUnprocessedTenures(completed mapset.Set[ConsensusHash], prevWanted []WantedTenure, tenureBlockIDs map[PeerAddr]AvailableTenures) bool {
	for _, wt := range prevWanted {
		if wt.Processed {
			continue
		}
		if completed.Contains(wt.TenureCH) {
			continue
		}
		servable := false
		for _, avail := range tenureBlockIDs {
			if _, ok := avail[wt.TenureCH]; ok {
				servable = true
				break
			}
		}
		if servable {
			return true
		}
	}
	return false
}

// NeedUnconfirmedTenures reports whether the scheduler should switch into
// ModeUnconfirmed: the sortition tip must be caught up to the burnchain
// tip, both reward-cycle windows must be populated, no previous-cycle
// tenure may remain outstanding, no current-cycle tenure that some peer can
// still serve may remain unprocessed, and no already-downloaded block may
// be sitting unprocessed in local storage.
// The caller must additionally ensure there is no confirmed download
// in-flight before actually switching modes.
func (sm *StateMachine) NeedUnconfirmedTenures(burnchainHeight BurnHeight, sortTip Snapshot, chain ChainStateFacade, completedTenures mapset.Set[ConsensusHash]) bool {
	if sortTip.BlockHeight < burnchainHeight {
		log.Debug("sortition tip behind burnchain tip", "sort_tip", sortTip.BlockHeight, "burn_tip", burnchainHeight)
		return false
	}
	if len(sm.wantedTenures) == 0 {
		return false
	}
	if len(sm.prevWanted) == 0 {
		return false
	}
	if haveUnprocessedTenures(completedTenures, sm.prevWanted, sm.tenureBlockIDs) {
		return false
	}

	for _, avail := range sm.tenureBlockIDs {
		for _, wt := range sm.wantedTenures {
			if _, ok := avail[wt.TenureCH]; !ok {
				continue
			}
			if completedTenures.Contains(wt.TenureCH) {
				continue
			}
			if !wt.Processed {
				log.Debug("still need a current-cycle tenure from some peer", "tenure", wt.TenureCH)
				return false
			}
		}
	}

	if chain.HasAnyUnprocessedStoredBlock() {
		log.Debug("still have stored but unprocessed blocks")
		return false
	}

	return true
}

// TryEnterUnconfirmedMode switches to ModeUnconfirmed if both
// NeedUnconfirmedTenures holds and no confirmed downloader has an
// outstanding request. Returns whether the machine is in ModeUnconfirmed
// afterwards, which is also true when it already was.
func (sm *StateMachine) TryEnterUnconfirmedMode(burnchainHeight BurnHeight, sortTip Snapshot, chain ChainStateFacade, completedTenures mapset.Set[ConsensusHash]) bool {
	if sm.mode == ModeUnconfirmed {
		return true
	}
	if sm.confirmed.Inflight() > 0 {
		return false
	}
	if !sm.NeedUnconfirmedTenures(burnchainHeight, sortTip, chain, completedTenures) {
		return false
	}
	sm.mode = ModeUnconfirmed
	return true
}

// ReturnToConfirmedMode switches back to ModeConfirmed, e.g. after a new
// reward cycle rolls over and fresh wanted-tenure windows must be fetched.
func (sm *StateMachine) ReturnToConfirmedMode() { sm.mode = ModeConfirmed }

// RunConfirmed drives the confirmed DownloaderSet through one tick.
func (sm *StateMachine) RunConfirmed(facade PeerFacade) RunResult {
	return sm.confirmed.Run(facade)
}

// AddUnconfirmedDownloader starts tracking a per-peer unconfirmed
// downloader, unless one is already tracked for that peer.
func (sm *StateMachine) AddUnconfirmedDownloader(peer PeerAddr, highestProcessed *BlockId) {
	if _, ok := sm.unconfirmed[peer]; ok {
		return
	}
	sm.unconfirmed[peer] = NewUnconfirmedDownloader(peer, highestProcessed)
}

// RunUnconfirmed drives every tracked unconfirmed downloader through one
// round trip, returning the peers whose downloader finished along with the
// confirmed downloader each spawns for its highest complete tenure.
func (sm *StateMachine) RunUnconfirmed(facade PeerFacade, sortdb SortitionFacade, sortTip Snapshot, chain ChainStateFacade, highest, unconfirmedTenure WantedTenure) map[PeerAddr]*ConfirmedDownloader {
	spawned := make(map[PeerAddr]*ConfirmedDownloader)

	for peer, dl := range sm.unconfirmed {
		if facade.IsDeadOrBroken(peer) {
			delete(sm.unconfirmed, peer)
			continue
		}
		if dl.IsDone() {
			continue
		}
		if err := dl.SendNextDownloadRequest(facade); err != nil {
			log.Debug("unconfirmed downloader failed, peer is dead", "peer", peer, "err", err)
			facade.AddDead(peer)
			delete(sm.unconfirmed, peer)
		}
	}

	for _, pr := range facade.CollectReplies() {
		dl, ok := sm.unconfirmed[pr.Peer]
		if !ok || dl.IsDone() {
			continue
		}
		if pr.Err != nil {
			facade.AddDead(pr.Peer)
			delete(sm.unconfirmed, pr.Peer)
			continue
		}
		if pr.Reply.TenureInfo != nil {
			if obs, ok := sortdb.(TenureObserver); ok {
				obs.ObserveTenureInfo(pr.Peer, *pr.Reply.TenureInfo)
			}
		}
		if _, err := dl.HandleNextDownloadResponse(pr.Reply, sortdb, sortTip, chain, sm.AggKeys); err != nil {
			log.Debug("unconfirmed downloader failed to handle response", "peer", pr.Peer, "err", err)
			facade.AddDead(pr.Peer)
			delete(sm.unconfirmed, pr.Peer)
			continue
		}
		if dl.IsDone() {
			need, err := dl.NeedHighestCompleteTenure(chain)
			if err != nil || !need {
				continue
			}
			cd, err := dl.MakeHighestCompleteTenureDownloader(highest, unconfirmedTenure)
			if err != nil {
				log.Debug("failed to spawn highest-complete-tenure downloader", "peer", pr.Peer, "err", err)
				continue
			}
			spawned[pr.Peer] = cd
		}
	}

	return spawned
}

// Tick drives one full pass of the scheduler: refreshing the wanted-tenure
// windows, recomputing peer availability, filling and running the confirmed
// downloader pool, deciding whether to switch into unconfirmed mode, and --
// while in that mode -- chasing the chain tip and feeding freshly-discovered
// confirmed tenures back into the pool for the next tick to pick up.
func (sm *StateMachine) Tick(facade PeerFacade, sortdb SortitionFacade, chain ChainStateFacade, inv InventoryFacade, peers []PeerAddr, burnchainHeight BurnHeight, sortTip Snapshot, ibd bool, maxInflight int) RunResult {
	sm.UpdateWantedTenures(sortdb, sortTip)
	sm.UpdateProcessedTenures(chain)
	sm.UpdateAvailableTenures(inv.Inventories(), ibd)
	sm.UpdateTenureDownloaders(maxInflight)

	res := sm.RunConfirmed(facade)
	reportTick(sm.confirmed, len(sm.schedule))

	if sm.confirmed.Inflight() == 0 {
		sm.TryEnterUnconfirmedMode(burnchainHeight, sortTip, chain, sm.confirmed.CompletedTenures())
	}

	if sm.mode == ModeUnconfirmed {
		sm.runUnconfirmedRound(facade, sortdb, sortTip, chain, peers)
	}

	return res
}

// runUnconfirmedRound binds every not-yet-tracked peer to an unconfirmed
// downloader, advances them all one round trip, and folds any confirmed
// tenure a finished downloader spawns back into the confirmed pool.
func (sm *StateMachine) runUnconfirmedRound(facade PeerFacade, sortdb SortitionFacade, sortTip Snapshot, chain ChainStateFacade, peers []PeerAddr) {
	for _, peer := range peers {
		if facade.IsDeadOrBroken(peer) {
			continue
		}
		sm.AddUnconfirmedDownloader(peer, nil)
	}

	highest, unconfirmedTip, ok := sm.unconfirmedContext()
	if !ok {
		return
	}

	spawned := sm.RunUnconfirmed(facade, sortdb, sortTip, chain, highest, unconfirmedTip)
	for peer, cd := range spawned {
		sm.confirmed.AddDownloaders([]struct {
			Peer       PeerAddr
			Downloader *ConfirmedDownloader
		}{{Peer: peer, Downloader: cd}})
	}

	if len(sm.unconfirmed) == 0 {
		sm.ReturnToConfirmedMode()
	}
}

// unconfirmedContext picks the WantedTenure pair RunUnconfirmed needs: the
// highest tenure this node still considers outstanding, and the tenure
// immediately ahead of it, whose WinningBlockID doubles as that tenure's end
// block under the commit-to-parent rule (the same indexing convention
// ComputeTenureBlockIDs uses).
func (sm *StateMachine) unconfirmedContext() (highest, unconfirmedTip WantedTenure, ok bool) {
	if len(sm.wantedTenures) < 2 {
		return WantedTenure{}, WantedTenure{}, false
	}
	n := len(sm.wantedTenures)
	return sm.wantedTenures[n-2], sm.wantedTenures[n-1], true
}
