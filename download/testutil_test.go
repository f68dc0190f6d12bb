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

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"
)

// testKey generates a fresh signing key and its wrapped AggregateKey.
func testKey(t *testing.T) (*btcec.PrivateKey, AggregateKey) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	agg, err := NewAggregateKey(priv.PubKey().SerializeCompressed())
	require.NoError(t, err)
	return priv, agg
}

// signHash produces a ThresholdSignature over hash under priv.
func signHash(t *testing.T, priv *btcec.PrivateKey, hash [32]byte) ThresholdSignature {
	t.Helper()
	sig, err := schnorr.Sign(priv, hash[:])
	require.NoError(t, err)
	ts, err := NewThresholdSignature(sig.Serialize())
	require.NoError(t, err)
	return ts
}

// makeBlock builds a signed block with the given id/parent/consensus hash.
// tenure is non-nil iff the block should report as a wellformed tenure-start
// block.
func makeBlock(t *testing.T, priv *btcec.PrivateKey, id, parent BlockId, ch ConsensusHash, tenure *TenureChangePayload) Block {
	t.Helper()
	var signerHash [32]byte
	copy(signerHash[:], id.Bytes())
	hdr := BlockHeader{
		ConsensusHash: ch,
		BlockIDValue:  id,
		ParentBlockID: parent,
		SignerHashVal: signerHash,
	}
	hdr.Signature = signHash(t, priv, signerHash)
	return Block{Header: hdr, Tenure: tenure}
}

func blockID(b byte) BlockId {
	var id BlockId
	id[31] = b
	return id
}

func consensusHash(b byte) ConsensusHash {
	var ch ConsensusHash
	ch[19] = b
	return ch
}
