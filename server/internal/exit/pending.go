// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package exit

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/tunnelcraft/tunnelcraft/core/erasure"
	"github.com/tunnelcraft/tunnelcraft/core/shard"
)

var (
	errPendingUserMismatch = errors.New("exit: shard user does not match pending request")
	errConflictingShard    = errors.New("exit: conflicting bytes at an occupied shard position")
)

// pendingRequest accumulates the shards of one request until every
// chunk decodes.  Shard arrivals for the same request race, so all
// mutation happens under the entry lock.
type pendingRequest struct {
	sync.Mutex

	requestID  [32]byte
	userPubkey [32]byte
	userProof  [32]byte
	totalHops  uint8

	totalChunks uint16
	created     time.Time

	chunks  map[uint16][][]byte
	decoded map[uint16][]byte

	dispatched bool
}

func newPendingRequest(s *shard.Shard) *pendingRequest {
	return &pendingRequest{
		requestID:   s.RequestID,
		userPubkey:  s.UserPubkey,
		userProof:   s.UserProof,
		totalHops:   s.TotalHops,
		totalChunks: s.TotalChunks,
		created:     time.Now(),
		chunks:      make(map[uint16][][]byte),
		decoded:     make(map[uint16][]byte),
	}
}

// insert files a shard payload.  When the arrival completes the last
// outstanding chunk the concatenated plaintext is returned and the
// entry flips to dispatched, absorbing all later arrivals.
func (p *pendingRequest) insert(s *shard.Shard) ([]byte, error) {
	p.Lock()
	defer p.Unlock()

	if s.UserPubkey != p.userPubkey {
		return nil, errPendingUserMismatch
	}
	if p.dispatched {
		return nil, nil
	}

	slots, ok := p.chunks[s.ChunkIndex]
	if !ok {
		slots = make([][]byte, erasure.TotalShards)
		p.chunks[s.ChunkIndex] = slots
	}
	if prev := slots[s.ShardIndex]; prev != nil {
		if !bytes.Equal(prev, s.Payload) {
			return nil, errConflictingShard
		}
		return nil, nil
	}
	slots[s.ShardIndex] = append([]byte(nil), s.Payload...)

	if _, done := p.decoded[s.ChunkIndex]; !done {
		have := 0
		for _, b := range slots {
			if b != nil {
				have++
			}
		}
		if have >= erasure.DataShards {
			chunk, err := erasure.DecodeChunk(slots)
			if err != nil {
				return nil, nil
			}
			p.decoded[s.ChunkIndex] = chunk
			delete(p.chunks, s.ChunkIndex)
		}
	}

	if uint16(len(p.decoded)) < p.totalChunks {
		return nil, nil
	}
	out := make([]byte, 0, int(p.totalChunks)*erasure.ChunkSize)
	for i := uint16(0); i < p.totalChunks; i++ {
		out = append(out, p.decoded[i]...)
	}
	p.dispatched = true
	p.decoded = nil
	return out, nil
}

// pendingTable is the request_id keyed reassembly state.
type pendingTable struct {
	sync.Mutex

	ttl     time.Duration
	entries map[[32]byte]*pendingRequest
}

func newPendingTable(ttl time.Duration) *pendingTable {
	return &pendingTable{
		ttl:     ttl,
		entries: make(map[[32]byte]*pendingRequest),
	}
}

func (t *pendingTable) get(s *shard.Shard) *pendingRequest {
	t.Lock()
	defer t.Unlock()
	p, ok := t.entries[s.RequestID]
	if !ok {
		p = newPendingRequest(s)
		t.entries[s.RequestID] = p
	}
	return p
}

// sweep discards entries older than the table TTL.
func (t *pendingTable) sweep() int {
	t.Lock()
	defer t.Unlock()
	n := 0
	for id, p := range t.entries {
		if time.Since(p.created) >= t.ttl {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

func (t *pendingTable) len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.entries)
}
