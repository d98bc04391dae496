// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package erasure

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeToMap(t *testing.T, b []byte) (map[uint16][][]byte, uint16) {
	chunks, err := ChunkAndEncode(b)
	require.NoError(t, err)

	m := make(map[uint16][][]byte)
	for _, c := range chunks {
		require.Len(t, c.Shards, TotalShards)
		m[c.Index] = c.Shards
	}
	return m, uint16(len(chunks))
}

func TestRoundTrip(t *testing.T) {
	require := require.New(t)

	payload := bytes.Repeat([]byte("tunnelcraft"), 1000) // spans multiple chunks
	m, total := encodeToMap(t, payload)
	require.Greater(int(total), 1)

	out, err := Reassemble(m, total, uint64(len(payload)))
	require.NoError(err)
	require.Equal(payload, out)
}

func TestAnyDataSubsetDecodes(t *testing.T) {
	require := require.New(t)

	payload := []byte("a payload that fits in a single chunk")
	m, total := encodeToMap(t, payload)
	require.Equal(uint16(1), total)

	// Every subset of size DataShards must recover the chunk.
	full := m[0]
	for i := 0; i < TotalShards; i++ {
		for j := i + 1; j < TotalShards; j++ {
			subset := make([][]byte, TotalShards)
			copy(subset, full)
			subset[i] = nil
			subset[j] = nil

			out, err := Reassemble(map[uint16][][]byte{0: subset}, 1, uint64(len(payload)))
			require.NoError(err, "losing shards %d and %d", i, j)
			require.Equal(payload, out)
		}
	}
}

func TestTooManyLossesFails(t *testing.T) {
	require := require.New(t)

	payload := []byte("a payload that fits in a single chunk")
	m, _ := encodeToMap(t, payload)

	subset := make([][]byte, TotalShards)
	copy(subset, m[0])
	subset[0] = nil
	subset[2] = nil
	subset[4] = nil

	_, err := DecodeChunk(subset)
	var insufficient *ErrInsufficientShards
	require.ErrorAs(err, &insufficient)
	require.Equal(DataShards, insufficient.Required)
	require.Equal(DataShards-1, insufficient.Available)
}

func TestZeroLengthPayload(t *testing.T) {
	require := require.New(t)

	m, total := encodeToMap(t, nil)
	require.Equal(uint16(1), total, "zero length input must yield one all padding chunk")

	out, err := Reassemble(m, total, 0)
	require.NoError(err)
	require.Empty(out)
}

func TestChunkBoundaries(t *testing.T) {
	require := require.New(t)

	// Exactly one chunk, no padding.
	payload := bytes.Repeat([]byte{0xa5}, ChunkSize)
	m, total := encodeToMap(t, payload)
	require.Equal(uint16(1), total)
	out, err := Reassemble(m, total, uint64(len(payload)))
	require.NoError(err)
	require.Equal(payload, out)

	// One byte over, second chunk nearly all padding.
	payload = append(payload, 0x5a)
	m, total = encodeToMap(t, payload)
	require.Equal(uint16(2), total)
	out, err = Reassemble(m, total, uint64(len(payload)))
	require.NoError(err)
	require.Equal(payload, out)
}

func TestReassembleMissingChunk(t *testing.T) {
	require := require.New(t)

	payload := bytes.Repeat([]byte{0x42}, ChunkSize+1)
	m, total := encodeToMap(t, payload)
	delete(m, 1)

	_, err := Reassemble(m, total, uint64(len(payload)))
	var insufficient *ErrInsufficientShards
	require.ErrorAs(err, &insufficient)
}

func TestReassembleBogusLength(t *testing.T) {
	require := require.New(t)

	payload := []byte("short")
	m, total := encodeToMap(t, payload)

	_, err := Reassemble(m, total, ChunkSize+1)
	require.Error(err)
}
