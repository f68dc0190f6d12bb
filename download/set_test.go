// Copyright 2024 The tenure-downloader Authors
// This file is part of the tenure-downloader library.
//
// The tenure-downloader library is free software: you can redistribute it
// and/or modify it under the terms of the GNU Lesser General Public License
// as published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

package download

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDownloaderSetAddAndBind(t *testing.T) {
	s := NewDownloaderSet()
	_, startAgg := testKey(t)
	_, endAgg := testKey(t)
	dl := NewConfirmedDownloader(consensusHash(1), blockID(1), blockID(4), PeerAddr("peer-1"), startAgg, endAgg)

	s.AddDownloaders([]struct {
		Peer       PeerAddr
		Downloader *ConfirmedDownloader
	}{{Peer: PeerAddr("peer-1"), Downloader: dl}})

	require.True(t, s.HasDownloader(PeerAddr("peer-1")))
	require.Equal(t, 1, s.NumDownloaders())
	require.True(t, s.IsTenureInflight(consensusHash(1)))

	s.ClearDownloader(PeerAddr("peer-1"))
	require.False(t, s.HasDownloader(PeerAddr("peer-1")))
}

func TestDownloaderSetInflightCounting(t *testing.T) {
	s := NewDownloaderSet()
	_, startAgg := testKey(t)
	_, endAgg := testKey(t)

	active := NewConfirmedDownloader(consensusHash(1), blockID(1), blockID(4), PeerAddr("a"), startAgg, endAgg)
	idle := NewConfirmedDownloader(consensusHash(2), blockID(1), blockID(4), PeerAddr("b"), startAgg, endAgg)
	idle.idle = true

	s.addDownloader(PeerAddr("a"), active)
	s.addDownloader(PeerAddr("b"), idle)

	require.Equal(t, 1, s.Inflight())
	require.Equal(t, 2, s.NumDownloaders())
}

func TestDownloaderSetMakeTenureDownloadersCreatesDownloader(t *testing.T) {
	s := NewDownloaderSet()
	aggKeys := NewAggregateKeyDirectory()
	_, agg := testKey(t)
	aggKeys.Set(0, agg)

	ch := consensusHash(7)
	peer := PeerAddr("peer-x")
	schedule := Schedule{ch}
	available := map[ConsensusHash][]PeerAddr{ch: {peer}}
	ts := TenureStartEnd{TenureCH: ch, StartBlockID: blockID(1), EndBlockID: blockID(4), StartRewardCycle: 0, EndRewardCycle: 0}
	tenureBlockIDs := map[PeerAddr]AvailableTenures{peer: {ch: ts}}

	s.MakeTenureDownloaders(&schedule, available, tenureBlockIDs, 4, aggKeys)

	require.True(t, s.HasDownloader(peer))
	require.True(t, s.IsTenureInflight(ch))
	require.Empty(t, schedule)
}

func TestDownloaderSetMakeTenureDownloadersSkipsMissingAggKey(t *testing.T) {
	s := NewDownloaderSet()
	aggKeys := NewAggregateKeyDirectory() // no keys recorded

	ch := consensusHash(7)
	peer := PeerAddr("peer-x")
	schedule := Schedule{ch}
	available := map[ConsensusHash][]PeerAddr{ch: {peer}}
	ts := TenureStartEnd{TenureCH: ch, StartBlockID: blockID(1), EndBlockID: blockID(4)}
	tenureBlockIDs := map[PeerAddr]AvailableTenures{peer: {ch: ts}}

	s.MakeTenureDownloaders(&schedule, available, tenureBlockIDs, 4, aggKeys)

	require.False(t, s.HasDownloader(peer))
	require.Empty(t, schedule)
}

func TestDownloaderSetRunCompletesTenure(t *testing.T) {
	startKey, startAgg := testKey(t)
	endKey, endAgg := testKey(t)
	startCH := consensusHash(1)

	start := makeBlock(t, startKey, blockID(1), blockID(0), startCH, nil)
	end := makeBlock(t, endKey, blockID(4), blockID(1), consensusHash(2), &TenureChangePayload{
		PrevTenureCH:         startCH,
		PreviousTenureBlocks: 1,
	})

	peer := PeerAddr("peer-1")
	dl, err := FromStartEndBlocks(start, end, peer, startAgg, endAgg)
	require.NoError(t, err)
	require.Equal(t, StateGetBlocks, dl.State())

	s := NewDownloaderSet()
	s.addDownloader(peer, dl)

	facade := newFakePeerFacade()
	facade.hosts[peer] = PeerHost{Hostname: "peer-1.example", Port: 1}
	facade.queueReply(PeerReply{Peer: peer, Reply: Reply{Kind: RequestGetTenure, Blocks: []Block{start}}})

	res := s.Run(facade)

	require.Len(t, facade.sent, 1)
	require.Equal(t, RequestGetTenure, facade.sent[0].Kind)

	blocks, ok := res.NewBlocks[startCH]
	require.True(t, ok)
	require.Len(t, blocks, 1)
	require.Equal(t, blockID(1), blocks[0].BlockID())

	require.True(t, s.CompletedTenures().Contains(startCH))
	require.False(t, s.HasDownloader(peer))
}
