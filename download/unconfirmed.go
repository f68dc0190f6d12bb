// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package download

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"
)

// UnconfirmedState is the state of an UnconfirmedDownloader.
type UnconfirmedState int

const (
	UnconfirmedGetTenureInfo UnconfirmedState = iota
	UnconfirmedGetTenureStartBlock
	UnconfirmedGetTenureBlocks
	UnconfirmedDone
)

func (s UnconfirmedState) String() string {
	switch s {
	case UnconfirmedGetTenureInfo:
		return "GetTenureInfo"
	case UnconfirmedGetTenureStartBlock:
		return "GetTenureStartBlock"
	case UnconfirmedGetTenureBlocks:
		return "GetUnconfirmedTenureBlocks"
	case UnconfirmedDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// UnconfirmedDownloader fetches one peer's view of the ongoing tenure: its
// tip info, the tenure-start block if not already local, and every
// unconfirmed block down to this node's highest-processed block.
type UnconfirmedDownloader struct {
	state UnconfirmedState
	Peer  PeerAddr

	ConfirmedAggKey   AggregateKey
	UnconfirmedAggKey AggregateKey

	HighestProcessedBlockID     *BlockId
	HighestProcessedBlockHeight *uint64

	tenureStartTarget BlockId // target for GetTenureStartBlock
	cursor            BlockId // target for GetUnconfirmedTenureBlocks

	TenureTip              *TenureInfo
	UnconfirmedStartBlock  *Block
	unconfirmedBlocks      []Block
}

// NewUnconfirmedDownloader creates a downloader in state GetTenureInfo.
func NewUnconfirmedDownloader(peer PeerAddr, highestProcessedBlockID *BlockId) *UnconfirmedDownloader {
	return &UnconfirmedDownloader{
		state:                   UnconfirmedGetTenureInfo,
		Peer:                    peer,
		HighestProcessedBlockID: highestProcessedBlockID,
	}
}

// SetHighestProcessedBlock lets a running downloader learn about newly
// processed blocks mid-flight, so it can early-out of a long unconfirmed
// block stream instead of re-downloading blocks this node already has.
func (d *UnconfirmedDownloader) SetHighestProcessedBlock(id BlockId, height uint64) {
	d.HighestProcessedBlockID = &id
	d.HighestProcessedBlockHeight = &height
}

// State returns the current state.
func (d *UnconfirmedDownloader) State() UnconfirmedState { return d.state }

// IsDone reports whether this downloader has collected the full unconfirmed
// tenure.
func (d *UnconfirmedDownloader) IsDone() bool { return d.state == UnconfirmedDone }

// UnconfirmedTenureID returns the consensus hash of the peer-reported
// ongoing tenure, if known.
func (d *UnconfirmedDownloader) UnconfirmedTenureID() (ConsensusHash, bool) {
	if d.TenureTip == nil {
		return ConsensusHash{}, false
	}
	return d.TenureTip.ConsensusHash, true
}

// TryAcceptTenureInfo validates a GET_nakamoto_tenure_info reply against the
// sortition DB and canonical chain history, then picks the next state:
// Done (we are already at or ahead of the peer), GetUnconfirmedTenureBlocks
// (we already have the tenure-start block locally), or
// GetTenureStartBlock.
func (d *UnconfirmedDownloader) TryAcceptTenureInfo(sortdb SortitionFacade, sortTip Snapshot, chain ChainStateFacade, aggKeys *AggregateKeyDirectory, tip TenureInfo) error {
	const op = "UnconfirmedDownloader.TryAcceptTenureInfo"
	if d.state != UnconfirmedGetTenureInfo {
		return newErr(op, KindInvalidState, ErrWrongState)
	}
	if d.TenureTip != nil {
		return newErr(op, KindInvalidState, ErrWrongState)
	}

	tenureSn, ok := sortdb.BlockSnapshotByConsensusHash(tip.ConsensusHash)
	if !ok {
		return newErr(op, KindDBNotFound, ErrSnapshotNotFound)
	}
	parentSn, ok := sortdb.BlockSnapshotByConsensusHash(tip.ParentConsensusHash)
	if !ok {
		return newErr(op, KindDBNotFound, ErrSnapshotNotFound)
	}

	ancestorSn, ok := sortdb.BlockSnapshotByHeight(sortTip.SortitionID, tenureSn.BlockHeight)
	if !ok || ancestorSn.SortitionID != tenureSn.SortitionID {
		log.Warn("unconfirmed tenure consensus hash is not canonical", "peer", d.Peer, "consensus_hash", tip.ConsensusHash)
		return newErr(op, KindDBNotFound, ErrSortitionForkMissing)
	}
	ancestorParentSn, ok := sortdb.BlockSnapshotByHeight(sortTip.SortitionID, parentSn.BlockHeight)
	if !ok || ancestorParentSn.SortitionID != parentSn.SortitionID {
		log.Warn("parent unconfirmed tenure consensus hash is not canonical", "peer", d.Peer, "consensus_hash", tip.ParentConsensusHash)
		return newErr(op, KindDBNotFound, ErrSortitionForkMissing)
	}

	if tenureSn.BlockHeight <= parentSn.BlockHeight {
		log.Warn("parent tenure snapshot is not an ancestor of the current tenure snapshot", "peer", d.Peer, "consensus_hash", tip.ConsensusHash)
		return newErr(op, KindInvalidMessage, fmt.Errorf("parent tenure snapshot is not an ancestor"))
	}
	if tenureSn.WinningStacksBlockHash != tip.ParentTenureStartBlockID {
		log.Warn("ongoing tenure does not commit to highest complete tenure's start block", "peer", d.Peer)
		return newErr(op, KindInvalidMessage, ErrParentMismatch)
	}

	if d.HighestProcessedBlockID != nil {
		blk, ok := chain.Block(*d.HighestProcessedBlockID)
		if !ok {
			return newErr(op, KindDBNotFound, ErrSnapshotNotFound)
		}
		height := blk.Header.ChainLength
		d.HighestProcessedBlockHeight = &height

		if tip.TipBlockID == *d.HighestProcessedBlockID || height > tip.TipHeight {
			startBlock, ok := chain.Block(tip.TenureStartBlockID)
			if !ok {
				return newErr(op, KindInvalidMessage, fmt.Errorf("peer claims unknown tenure-start block"))
			}
			d.UnconfirmedStartBlock = &startBlock
			d.state = UnconfirmedDone
		}
	}

	if d.state != UnconfirmedDone {
		tenureRC, ok1 := sortdb.BlockHeightToRewardCycle(sortdb.FirstBlockHeight(), tenureSn.BlockHeight)
		parentRC, ok2 := sortdb.BlockHeightToRewardCycle(sortdb.FirstBlockHeight(), parentSn.BlockHeight)
		if !ok1 || !ok2 {
			return newErr(op, KindInvalidState, fmt.Errorf("sortition predates system start"))
		}

		confirmedKey, ok := aggKeys.Get(parentRC)
		if !ok || confirmedKey.IsZero() {
			log.Warn("no aggregate key for confirmed tenure", "consensus_hash", parentSn.ConsensusHash, "reward_cycle", parentRC)
			return newErr(op, KindInvalidState, ErrAggregateKeyUnknown)
		}
		unconfirmedKey, ok := aggKeys.Get(tenureRC)
		if !ok || unconfirmedKey.IsZero() {
			log.Warn("no aggregate key for unconfirmed tenure", "consensus_hash", tenureSn.ConsensusHash, "reward_cycle", tenureRC)
			return newErr(op, KindInvalidState, ErrAggregateKeyUnknown)
		}

		if chain.HasBlock(tip.TenureStartBlockID) {
			startBlock, ok := chain.Block(tip.TenureStartBlockID)
			if !ok {
				return newErr(op, KindDBNotFound, ErrSnapshotNotFound)
			}
			d.UnconfirmedStartBlock = &startBlock
			d.state = UnconfirmedGetTenureBlocks
			d.cursor = tip.TipBlockID
		} else {
			d.state = UnconfirmedGetTenureStartBlock
			d.tenureStartTarget = tip.TenureStartBlockID
		}

		d.ConfirmedAggKey = confirmedKey
		d.UnconfirmedAggKey = unconfirmedKey
	}

	d.TenureTip = &tip
	return nil
}

// TryAcceptUnconfirmedTenureStartBlock validates and stores the ongoing
// tenure's start block.
func (d *UnconfirmedDownloader) TryAcceptUnconfirmedTenureStartBlock(blk Block) error {
	const op = "UnconfirmedDownloader.TryAcceptUnconfirmedTenureStartBlock"
	if d.state != UnconfirmedGetTenureStartBlock {
		log.Warn("invalid state for unconfirmed tenure-start block", "state", d.state)
		return newErr(op, KindInvalidState, ErrWrongState)
	}
	if d.TenureTip == nil {
		return newErr(op, KindInvalidState, ErrWrongState)
	}
	if !blk.Header.Signature.Verify(d.UnconfirmedAggKey, blk.Header.SignerHash()) {
		log.Warn("invalid tenure-start block: bad signer signature", "peer", d.Peer, "block", blk.BlockID())
		return newErr(op, KindInvalidMessage, ErrBadSignature)
	}
	if blk.BlockID() != d.tenureStartTarget {
		log.Warn("unexpected unconfirmed tenure-start block id", "peer", d.Peer, "want", d.tenureStartTarget, "got", blk.BlockID())
		return newErr(op, KindInvalidMessage, ErrBadBlockID)
	}
	if blk.Header.ConsensusHash != d.TenureTip.ConsensusHash {
		log.Warn("unconfirmed tenure-start block/tenure-tip consensus hash mismatch", "peer", d.Peer)
		return newErr(op, KindInvalidMessage, ErrParentMismatch)
	}

	d.UnconfirmedStartBlock = &blk
	d.state = UnconfirmedGetTenureBlocks
	d.cursor = d.TenureTip.TipBlockID
	return nil
}

// TryAcceptUnconfirmedTenureBlocks appends a highest-to-lowest run of
// unconfirmed blocks. It returns the newly-complete tenure (height-ordered,
// strictly above the previously highest-processed height) once termination
// is reached by one of three conditions: the tenure-start block itself
// arrives, the stream reaches this node's highest-processed block, or a
// block's height drops below it.
func (d *UnconfirmedDownloader) TryAcceptUnconfirmedTenureBlocks(blocks []Block) ([]Block, error) {
	const op = "UnconfirmedDownloader.TryAcceptUnconfirmedTenureBlocks"
	if d.state != UnconfirmedGetTenureBlocks {
		return nil, newErr(op, KindInvalidState, ErrWrongState)
	}
	if d.TenureTip == nil {
		return nil, newErr(op, KindInvalidState, ErrWrongState)
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	expected := d.cursor
	atTenureStart := false
	consumed := 0
	for _, blk := range blocks {
		if blk.BlockID() != expected {
			log.Warn("unexpected nakamoto block, not part of tenure", "want", expected, "got", blk.BlockID())
			return nil, newErr(op, KindInvalidMessage, ErrNonContiguous)
		}
		if !blk.Header.Signature.Verify(d.UnconfirmedAggKey, blk.Header.SignerHash()) {
			log.Warn("invalid block: bad signer signature", "tenure_id", d.TenureTip.ConsensusHash, "block", blk.BlockID())
			return nil, newErr(op, KindInvalidMessage, ErrBadSignature)
		}
		consumed++

		if blk.IsWellformedTenureStartBlock() {
			if blk.BlockID() != d.TenureTip.TenureStartBlockID {
				log.Warn("unexpected tenure-start block", "tenure_id", d.TenureTip.ConsensusHash, "block", blk.BlockID())
				return nil, newErr(op, KindInvalidMessage, ErrBadBlockID)
			}
			if consumed != len(blocks) {
				log.Warn("invalid tenure stream: got tenure-start before end of tenure", "tenure_id", d.TenureTip.ConsensusHash)
				return nil, newErr(op, KindInvalidMessage, ErrNonContiguous)
			}
			atTenureStart = true
			break
		}

		if d.HighestProcessedBlockID != nil && expected == *d.HighestProcessedBlockID {
			atTenureStart = true
			break
		}
		if d.HighestProcessedBlockHeight != nil && blk.Header.ChainLength < *d.HighestProcessedBlockHeight {
			atTenureStart = true
			break
		}

		expected = blk.Header.ParentBlockID
	}

	d.unconfirmedBlocks = append(d.unconfirmedBlocks, blocks[:consumed]...)

	if atTenureStart {
		d.state = UnconfirmedDone
		floor := uint64(0)
		if d.HighestProcessedBlockHeight != nil {
			floor = *d.HighestProcessedBlockHeight
		}
		got := d.unconfirmedBlocks
		d.unconfirmedBlocks = nil
		out := make([]Block, 0, len(got))
		for i := len(got) - 1; i >= 0; i-- {
			if got[i].Header.ChainLength > floor {
				out = append(out, got[i])
			}
		}
		unconfirmedCompletedMeter.Mark(1)
		return out, nil
	}

	earliest := d.unconfirmedBlocks[len(d.unconfirmedBlocks)-1]
	d.cursor = earliest.Header.ParentBlockID
	return nil, nil
}

// NeedHighestCompleteTenure reports whether this node still needs the
// highest complete (confirmed) tenure that this unconfirmed tenure commits
// to -- i.e. whether its start block has not already been processed
// locally.
func (d *UnconfirmedDownloader) NeedHighestCompleteTenure(chain ChainStateFacade) (bool, error) {
	const op = "UnconfirmedDownloader.NeedHighestCompleteTenure"
	if d.state != UnconfirmedDone {
		return false, newErr(op, KindInvalidState, ErrWrongState)
	}
	if d.UnconfirmedStartBlock == nil {
		return false, newErr(op, KindInvalidState, ErrWrongState)
	}
	return !chain.HasBlock(d.UnconfirmedStartBlock.BlockID()), nil
}

// MakeHighestCompleteTenureDownloader spawns a ConfirmedDownloader for the
// highest complete tenure, pre-seeded with the tenure-end block this
// downloader already fetched.
func (d *UnconfirmedDownloader) MakeHighestCompleteTenureDownloader(highest, unconfirmed WantedTenure) (*ConfirmedDownloader, error) {
	const op = "UnconfirmedDownloader.MakeHighestCompleteTenureDownloader"
	if d.state != UnconfirmedDone {
		return nil, newErr(op, KindInvalidState, ErrWrongState)
	}
	if d.UnconfirmedStartBlock == nil || d.ConfirmedAggKey.IsZero() || d.UnconfirmedAggKey.IsZero() {
		return nil, newErr(op, KindInvalidState, ErrWrongState)
	}
	cd := NewConfirmedDownloader(highest.TenureCH, unconfirmed.WinningBlockID, d.UnconfirmedStartBlock.BlockID(), d.Peer, d.ConfirmedAggKey, d.UnconfirmedAggKey)
	return cd.WithTenureEndBlock(*d.UnconfirmedStartBlock), nil
}

// MakeNextDownloadRequest maps the current state to the HTTP request that
// will advance it. Done returns
// (Request{}, false, nil): the next step is to spawn a confirmed downloader.
func (d *UnconfirmedDownloader) MakeNextDownloadRequest() (Request, bool, error) {
	switch d.state {
	case UnconfirmedGetTenureInfo:
		return Request{Kind: RequestGetTenureInfo}, true, nil
	case UnconfirmedGetTenureStartBlock:
		return Request{Kind: RequestGetBlock, BlockID: d.tenureStartTarget}, true, nil
	case UnconfirmedGetTenureBlocks:
		req := Request{Kind: RequestGetTenure, BlockID: d.cursor}
		if d.HighestProcessedBlockID != nil {
			id := *d.HighestProcessedBlockID
			req.SinceBlock = &id
		}
		return req, true, nil
	case UnconfirmedDone:
		return Request{}, false, nil
	default:
		return Request{}, false, newErr("UnconfirmedDownloader.MakeNextDownloadRequest", KindInvalidState, ErrWrongState)
	}
}

// SendNextDownloadRequest dispatches the next request via facade.
func (d *UnconfirmedDownloader) SendNextDownloadRequest(facade PeerFacade) error {
	const op = "UnconfirmedDownloader.SendNextDownloadRequest"
	if facade.HasInflight(d.Peer) {
		return nil
	}
	if facade.IsDeadOrBroken(d.Peer) {
		return newErr(op, KindPeerNotConnected, ErrPeerGone)
	}
	if _, ok := facade.PeerHost(d.Peer); !ok {
		facade.AddDead(d.Peer)
		return newErr(op, KindPeerNotConnected, ErrPeerGone)
	}
	req, need, err := d.MakeNextDownloadRequest()
	if err != nil {
		return err
	}
	if !need {
		return nil
	}
	if err := facade.SendRequest(d.Peer, req); err != nil {
		return err
	}
	unconfirmedRequestedMeter.Mark(1)
	return nil
}

// HandleNextDownloadResponse decodes resp according to the current state
// and applies the matching TryAccept* method. Only GetUnconfirmedTenureBlocks
// can produce a finished tenure.
func (d *UnconfirmedDownloader) HandleNextDownloadResponse(resp Reply, sortdb SortitionFacade, sortTip Snapshot, chain ChainStateFacade, aggKeys *AggregateKeyDirectory) ([]Block, error) {
	const op = "UnconfirmedDownloader.HandleNextDownloadResponse"
	switch d.state {
	case UnconfirmedGetTenureInfo:
		if resp.TenureInfo == nil {
			return nil, newErr(op, KindMalformedPayload, fmt.Errorf("expected tenure info"))
		}
		return nil, d.TryAcceptTenureInfo(sortdb, sortTip, chain, aggKeys, *resp.TenureInfo)
	case UnconfirmedGetTenureStartBlock:
		if resp.Block == nil {
			return nil, newErr(op, KindMalformedPayload, fmt.Errorf("expected a block"))
		}
		return nil, d.TryAcceptUnconfirmedTenureStartBlock(*resp.Block)
	case UnconfirmedGetTenureBlocks:
		return d.TryAcceptUnconfirmedTenureBlocks(resp.Blocks)
	default:
		return nil, newErr(op, KindInvalidState, ErrWrongState)
	}
}
