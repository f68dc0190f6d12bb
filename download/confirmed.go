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

// ConfirmedState is the state of a ConfirmedDownloader.
type ConfirmedState int

const (
	StateGetStart ConfirmedState = iota
	StateWaitForEnd
	StateGetEnd
	StateGetBlocks
	StateDone
)

func (s ConfirmedState) String() string {
	switch s {
	case StateGetStart:
		return "GetStart"
	case StateWaitForEnd:
		return "WaitForEnd"
	case StateGetEnd:
		return "GetEnd"
	case StateGetBlocks:
		return "GetBlocks"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// ConfirmedDownloader fetches one historic tenure: its start block, its end
// block (direct or handed off by a sibling downloader), and every
// intermediate block, highest-to-lowest.
type ConfirmedDownloader struct {
	TenureCH     ConsensusHash
	StartBlockID BlockId
	EndBlockID   BlockId
	Peer         PeerAddr
	StartAggKey  AggregateKey
	EndAggKey    AggregateKey

	state ConfirmedState
	// cursor is the block id the current GetEnd/GetBlocks request targets.
	cursor BlockId
	idle   bool

	startBlock  *Block
	endBlock    *Block // pre-seeded end block, consumed on first accept
	endHeader   *BlockHeader
	endTenure   *TenureChangePayload
	blocks      []Block // accumulated, highest-to-lowest
}

// NewConfirmedDownloader creates a downloader in state GetStart.
func NewConfirmedDownloader(tenureCH ConsensusHash, startBlockID, endBlockID BlockId, peer PeerAddr, startAggKey, endAggKey AggregateKey) *ConfirmedDownloader {
	return &ConfirmedDownloader{
		TenureCH:     tenureCH,
		StartBlockID: startBlockID,
		EndBlockID:   endBlockID,
		Peer:         peer,
		StartAggKey:  startAggKey,
		EndAggKey:    endAggKey,
		state:        StateGetStart,
		cursor:       startBlockID,
	}
}

// WithTenureEndBlock pre-seeds the downloader with an already-known end
// block, used by the unconfirmed downloader when it spawns a confirmed
// downloader for the highest complete tenure.
func (d *ConfirmedDownloader) WithTenureEndBlock(end Block) *ConfirmedDownloader {
	d.endBlock = &end
	return d
}

// IsWaiting reports whether this downloader is blocked on a sibling
// downloader's tenure-start block. Downloaders in this state must never
// emit an HTTP request.
func (d *ConfirmedDownloader) IsWaiting() bool { return d.state == StateWaitForEnd }

// IsDone reports whether this downloader has yielded its tenure.
func (d *ConfirmedDownloader) IsDone() bool { return d.state == StateDone }

// State returns the current state.
func (d *ConfirmedDownloader) State() ConfirmedState { return d.state }

// Idle reports whether the next request can begin.
func (d *ConfirmedDownloader) Idle() bool { return d.idle }

// FromStartEndBlocks builds a downloader that has already validated both its
// start and end blocks, running the normal transitions so both are checked
// against the supplied aggregate keys.
func FromStartEndBlocks(start, end Block, peer PeerAddr, startAggKey, endAggKey AggregateKey) (*ConfirmedDownloader, error) {
	d := NewConfirmedDownloader(start.Header.ConsensusHash, start.BlockID(), end.BlockID(), peer, startAggKey, endAggKey)
	if err := d.TryAcceptTenureStartBlock(start); err != nil {
		return nil, err
	}
	if err := d.TryAcceptTenureEndBlock(end); err != nil {
		return nil, err
	}
	return d, nil
}

// TryAcceptTenureStartBlock validates and stores blk as this tenure's start
// block.
func (d *ConfirmedDownloader) TryAcceptTenureStartBlock(blk Block) error {
	const op = "ConfirmedDownloader.TryAcceptTenureStartBlock"
	if d.state != StateGetStart {
		log.Warn("invalid state for tenure-start block", "tenure", d.TenureCH, "state", d.state)
		return newErr(op, KindInvalidState, ErrWrongState)
	}
	if blk.BlockID() != d.StartBlockID {
		log.Warn("unexpected tenure-start block id", "tenure", d.TenureCH, "want", d.StartBlockID, "got", blk.BlockID())
		return newErr(op, KindInvalidMessage, ErrBadBlockID)
	}
	if !blk.Header.Signature.Verify(d.StartAggKey, blk.Header.SignerHash()) {
		log.Warn("invalid tenure-start block signature", "tenure", d.TenureCH, "block", blk.BlockID())
		return newErr(op, KindInvalidMessage, ErrBadSignature)
	}
	d.startBlock = &blk

	switch {
	case d.endHeader != nil:
		d.state = StateGetBlocks
		d.cursor = d.endHeader.ParentBlockID
	case d.endBlock != nil:
		end := *d.endBlock
		d.endBlock = nil
		d.state = StateWaitForEnd
		d.cursor = end.BlockID()
		if err := d.TryAcceptTenureEndBlock(end); err != nil {
			return err
		}
	default:
		d.state = StateWaitForEnd
		d.cursor = d.EndBlockID
	}
	return nil
}

// TransitionToFetchEndBlock moves a WaitForEnd downloader to GetEnd, used by
// the DownloaderSet when no sibling downloader can supply the end block
//.
func (d *ConfirmedDownloader) TransitionToFetchEndBlock() error {
	const op = "ConfirmedDownloader.TransitionToFetchEndBlock"
	if d.state != StateWaitForEnd {
		return newErr(op, KindInvalidState, ErrWrongState)
	}
	d.state = StateGetEnd
	return nil
}

// TryAcceptTenureEndBlock validates and stores blk as this tenure's end
// block.
func (d *ConfirmedDownloader) TryAcceptTenureEndBlock(blk Block) error {
	const op = "ConfirmedDownloader.TryAcceptTenureEndBlock"
	if d.state != StateWaitForEnd && d.state != StateGetEnd {
		log.Warn("invalid state for tenure-end block", "tenure", d.TenureCH, "state", d.state)
		return newErr(op, KindInvalidState, ErrWrongState)
	}
	if blk.BlockID() != d.EndBlockID {
		log.Warn("unexpected tenure-end block id", "tenure", d.TenureCH, "want", d.EndBlockID, "got", blk.BlockID())
		return newErr(op, KindInvalidMessage, ErrBadBlockID)
	}
	if !blk.Header.Signature.Verify(d.EndAggKey, blk.Header.SignerHash()) {
		log.Warn("invalid tenure-end block signature", "tenure", d.TenureCH, "block", blk.BlockID())
		return newErr(op, KindInvalidMessage, ErrBadSignature)
	}
	if !blk.IsWellformedTenureStartBlock() {
		log.Warn("tenure-end block is not wellformed tenure-start block", "tenure", d.TenureCH, "block", blk.BlockID())
		return newErr(op, KindInvalidMessage, ErrNotWellformedStart)
	}
	tc, _ := blk.TryGetTenureChangePayload()
	if d.startBlock != nil && tc.PrevTenureCH != d.startBlock.Header.ConsensusHash {
		log.Warn("tenure-end block's tenure-change payload does not reference our start block",
			"tenure", d.TenureCH, "want", d.startBlock.Header.ConsensusHash, "got", tc.PrevTenureCH)
		return newErr(op, KindInvalidMessage, ErrParentMismatch)
	}
	d.endHeader = &blk.Header
	d.endTenure = &tc
	d.state = StateGetBlocks
	d.cursor = blk.Header.ParentBlockID
	return nil
}

// tenureLength returns the expected number of blocks in this tenure, once
// known from the tenure-end block's tenure-change payload.
func (d *ConfirmedDownloader) tenureLength() (uint32, bool) {
	if d.endTenure == nil {
		return 0, false
	}
	return d.endTenure.PreviousTenureBlocks, true
}

// TryAcceptTenureBlocks validates and appends a highest-to-lowest run of
// intermediate blocks. Once the
// stored tenure-start block is reached, the full tenure is returned in
// lowest-to-highest order and the state transitions to Done.
func (d *ConfirmedDownloader) TryAcceptTenureBlocks(blocks []Block) ([]Block, error) {
	const op = "ConfirmedDownloader.TryAcceptTenureBlocks"
	if d.state != StateGetBlocks {
		log.Warn("invalid state for tenure blocks", "tenure", d.TenureCH, "state", d.state)
		return nil, newErr(op, KindInvalidState, ErrWrongState)
	}
	if len(blocks) == 0 {
		return nil, nil
	}

	expected := d.cursor
	tenureLen, _ := d.tenureLength()
	for _, blk := range blocks {
		if blk.BlockID() != expected {
			log.Warn("block out of sequence", "tenure", d.TenureCH, "want", expected, "got", blk.BlockID())
			return nil, newErr(op, KindInvalidMessage, ErrNonContiguous)
		}
		if !blk.Header.Signature.Verify(d.StartAggKey, blk.Header.SignerHash()) {
			log.Warn("invalid block signature", "tenure", d.TenureCH, "block", blk.BlockID())
			return nil, newErr(op, KindInvalidMessage, ErrBadSignature)
		}
		if uint32(len(d.blocks)+1) > tenureLen {
			log.Warn("tenure exceeds declared length", "tenure", d.TenureCH, "len", tenureLen)
			return nil, newErr(op, KindInvalidMessage, ErrTenureTooLong)
		}
		d.blocks = append(d.blocks, blk)
		expected = blk.Header.ParentBlockID
	}

	earliest := d.blocks[len(d.blocks)-1]
	if d.startBlock == nil {
		return nil, newErr(op, KindInvalidState, fmt.Errorf("no tenure-start block recorded"))
	}
	if earliest.BlockID() != d.startBlock.BlockID() {
		d.cursor = earliest.Header.ParentBlockID
		return nil, nil
	}

	d.state = StateDone
	out := make([]Block, len(d.blocks))
	for i, blk := range d.blocks {
		out[len(d.blocks)-1-i] = blk
	}
	d.blocks = nil
	tenuresCompletedMeter.Mark(1)
	return out, nil
}

// MakeNextDownloadRequest maps the current state to the HTTP request that
// will advance it. WaitForEnd returns (Request{}, false, nil): no request
// is needed. Done returns an error: the machine is exhausted.
func (d *ConfirmedDownloader) MakeNextDownloadRequest() (Request, bool, error) {
	switch d.state {
	case StateGetStart:
		return Request{Kind: RequestGetBlock, BlockID: d.StartBlockID}, true, nil
	case StateWaitForEnd:
		return Request{}, false, nil
	case StateGetEnd:
		return Request{Kind: RequestGetBlock, BlockID: d.EndBlockID}, true, nil
	case StateGetBlocks:
		return Request{Kind: RequestGetTenure, BlockID: d.cursor}, true, nil
	default:
		return Request{}, false, newErr("ConfirmedDownloader.MakeNextDownloadRequest", KindInvalidState, fmt.Errorf("machine exhausted"))
	}
}

// SendNextDownloadRequest dispatches the next request via facade, unless one
// is already in flight for this peer or the peer is gone.
func (d *ConfirmedDownloader) SendNextDownloadRequest(facade PeerFacade) error {
	const op = "ConfirmedDownloader.SendNextDownloadRequest"
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
		return nil // Done: nothing to dispatch, not an error for the caller.
	}
	if !need {
		return nil
	}
	if err := facade.SendRequest(d.Peer, req); err != nil {
		return err
	}
	tenuresRequestedMeter.Mark(1)
	d.idle = false
	return nil
}

// HandleNextDownloadResponse decodes resp according to the current state and
// applies the matching TryAccept* method. Receiving a response while WaitForEnd is a
// logic error.
func (d *ConfirmedDownloader) HandleNextDownloadResponse(resp Reply) ([]Block, error) {
	const op = "ConfirmedDownloader.HandleNextDownloadResponse"
	d.idle = true
	switch d.state {
	case StateGetStart:
		if resp.Block == nil {
			return nil, newErr(op, KindMalformedPayload, fmt.Errorf("expected a block"))
		}
		return nil, d.TryAcceptTenureStartBlock(*resp.Block)
	case StateWaitForEnd:
		return nil, newErr(op, KindInvalidState, fmt.Errorf("received response while waiting for sibling downloader"))
	case StateGetEnd:
		if resp.Block == nil {
			return nil, newErr(op, KindMalformedPayload, fmt.Errorf("expected a block"))
		}
		return nil, d.TryAcceptTenureEndBlock(*resp.Block)
	case StateGetBlocks:
		return d.TryAcceptTenureBlocks(resp.Blocks)
	default:
		return nil, newErr(op, KindInvalidState, ErrWrongState)
	}
}
