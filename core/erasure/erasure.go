// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package erasure implements the chunked Reed-Solomon coding used to
// fragment logical payloads into shards.  A payload is split into fixed
// size chunks, and every chunk is expanded into TotalShards coded shard
// payloads of which any DataShards suffice to recover the chunk.
package erasure

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

const (
	// DataShards is the number of data shards per chunk.
	DataShards = 3

	// ParityShards is the number of parity shards per chunk.
	ParityShards = 2

	// TotalShards is the total number of shards per chunk.
	TotalShards = DataShards + ParityShards

	// ChunkSize is the size of a logical payload chunk in bytes.
	ChunkSize = 3072

	// shardSize is the size of one coded shard payload in bytes.
	shardSize = ChunkSize / DataShards
)

// ErrInsufficientShards is returned when a chunk cannot be decoded
// because fewer than DataShards shard payloads are available.
type ErrInsufficientShards struct {
	Required  int
	Available int
}

func (e *ErrInsufficientShards) Error() string {
	return fmt.Sprintf("erasure: insufficient shards: have %d, need %d", e.Available, e.Required)
}

// Chunk is the coded form of one ChunkSize slice of a logical payload.
type Chunk struct {
	// Index is the position of this chunk within the logical payload.
	Index uint16

	// Shards holds the TotalShards coded shard payloads, in shard
	// index order.
	Shards [][]byte
}

// ChunkAndEncode splits b into ChunkSize chunks, zero padding the final
// chunk, and Reed-Solomon encodes each chunk into TotalShards shard
// payloads.  A zero length input yields a single all padding chunk so
// that empty payloads still traverse the network as ordinary shards.
func ChunkAndEncode(b []byte) ([]Chunk, error) {
	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, err
	}

	nrChunks := (len(b) + ChunkSize - 1) / ChunkSize
	if nrChunks == 0 {
		nrChunks = 1
	}

	chunks := make([]Chunk, 0, nrChunks)
	for i := 0; i < nrChunks; i++ {
		padded := make([]byte, ChunkSize)
		off := i * ChunkSize
		if off < len(b) {
			copy(padded, b[off:])
		}

		shards := make([][]byte, TotalShards)
		for j := 0; j < DataShards; j++ {
			shards[j] = padded[j*shardSize : (j+1)*shardSize]
		}
		for j := DataShards; j < TotalShards; j++ {
			shards[j] = make([]byte, shardSize)
		}
		if err := enc.Encode(shards); err != nil {
			return nil, err
		}
		chunks = append(chunks, Chunk{
			Index:  uint16(i),
			Shards: shards,
		})
	}
	return chunks, nil
}

// DecodeChunk recovers one ChunkSize chunk from its shard payloads.
// Missing shards are represented as nil entries, and shards must be
// positioned at their shard index.  Fewer than DataShards present
// shards yields ErrInsufficientShards.
func DecodeChunk(shards [][]byte) ([]byte, error) {
	if len(shards) != TotalShards {
		return nil, fmt.Errorf("erasure: chunk has %d shard slots, expected %d", len(shards), TotalShards)
	}

	available := 0
	for _, s := range shards {
		if s != nil {
			available++
		}
	}
	if available < DataShards {
		return nil, &ErrInsufficientShards{
			Required:  DataShards,
			Available: available,
		}
	}

	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, err
	}

	// Reconstruct mutates its argument, work on a copy.
	work := make([][]byte, TotalShards)
	copy(work, shards)
	if err := enc.ReconstructData(work); err != nil {
		return nil, err
	}

	out := make([]byte, 0, ChunkSize)
	for i := 0; i < DataShards; i++ {
		out = append(out, work[i]...)
	}
	return out, nil
}

// Reassemble decodes every chunk and concatenates them in chunk index
// order, truncating the result to originalLen.  The shardsByChunk map
// is keyed by chunk index, each value laid out as for DecodeChunk.
func Reassemble(shardsByChunk map[uint16][][]byte, totalChunks uint16, originalLen uint64) ([]byte, error) {
	out := make([]byte, 0, int(totalChunks)*ChunkSize)
	for i := uint16(0); i < totalChunks; i++ {
		shards, ok := shardsByChunk[i]
		if !ok {
			return nil, &ErrInsufficientShards{
				Required:  DataShards,
				Available: 0,
			}
		}
		chunk, err := DecodeChunk(shards)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	if originalLen > uint64(len(out)) {
		return nil, fmt.Errorf("erasure: declared length %d exceeds decoded %d bytes", originalLen, len(out))
	}
	return out[:originalLen], nil
}
