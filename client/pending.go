// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"bytes"
	"container/heap"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/tunnelcraft/tunnelcraft/core/erasure"
	"github.com/tunnelcraft/tunnelcraft/core/queue"
	"github.com/tunnelcraft/tunnelcraft/core/shard"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
)

// ErrTimeout resolves a request whose deadline fired before the
// response completed.
var ErrTimeout = errors.New("client: request deadline expired")

// Result is the outcome of one request, delivered exactly once.
type Result struct {
	Bytes []byte
	Err   error
}

type pendingRequest struct {
	sync.Mutex

	requestID [32]byte
	userProof [32]byte

	chunks  map[uint16][][]byte
	decoded map[uint16][]byte

	done     bool
	resultCh chan Result
}

func newClientPending(requestID, userProof [32]byte) *pendingRequest {
	return &pendingRequest{
		requestID: requestID,
		userProof: userProof,
		chunks:    make(map[uint16][][]byte),
		decoded:   make(map[uint16][]byte),
		resultCh:  make(chan Result, 1),
	}
}

// file stores a response shard and returns the stripped response
// bytes when the arrival completes reassembly.
func (p *pendingRequest) file(s *shard.Shard) ([]byte, bool) {
	p.Lock()
	defer p.Unlock()

	if p.done {
		return nil, false
	}

	slots, ok := p.chunks[s.ChunkIndex]
	if !ok {
		slots = make([][]byte, erasure.TotalShards)
		p.chunks[s.ChunkIndex] = slots
	}
	if prev := slots[s.ShardIndex]; prev != nil {
		if !bytes.Equal(prev, s.Payload) {
			return nil, false
		}
		return nil, false
	}
	slots[s.ShardIndex] = append([]byte(nil), s.Payload...)

	if _, decoded := p.decoded[s.ChunkIndex]; !decoded {
		have := 0
		for _, b := range slots {
			if b != nil {
				have++
			}
		}
		if have < erasure.DataShards {
			return nil, false
		}
		chunk, err := erasure.DecodeChunk(slots)
		if err != nil {
			return nil, false
		}
		p.decoded[s.ChunkIndex] = chunk
	}

	if uint16(len(p.decoded)) < s.TotalChunks {
		return nil, false
	}
	out := make([]byte, 0, int(s.TotalChunks)*erasure.ChunkSize)
	for i := uint16(0); i < s.TotalChunks; i++ {
		b, ok := p.decoded[i]
		if !ok {
			return nil, false
		}
		out = append(out, b...)
	}
	if len(out) < 8 {
		return nil, false
	}
	n := binary.BigEndian.Uint64(out)
	if n > uint64(len(out)-8) {
		return nil, false
	}
	p.done = true
	return out[8 : 8+n], true
}

func (p *pendingRequest) resolve(r Result) {
	p.Lock()
	already := p.done
	p.done = true
	p.Unlock()
	if already && r.Err != nil {
		// A timeout racing a completed response loses.
		return
	}
	select {
	case p.resultCh <- r:
	default:
	}
}

// pendingTable holds the in flight requests and fires their
// deadlines from a single timer worker, soonest first.
type pendingTable struct {
	worker.Worker
	sync.Mutex

	entries   map[[32]byte]*pendingRequest
	q         *queue.PriorityQueue
	wakeCh    chan struct{}
	onTimeout func()
}

type deadlineEntry struct {
	requestID [32]byte
	at        time.Time
}

func newPendingTable(onTimeout func()) *pendingTable {
	t := &pendingTable{
		entries:   make(map[[32]byte]*pendingRequest),
		q:         queue.New(),
		wakeCh:    make(chan struct{}, 1),
		onTimeout: onTimeout,
	}
	t.Go(t.deadlineWorker)
	return t
}

func (t *pendingTable) add(p *pendingRequest, deadline time.Time) {
	t.Lock()
	t.entries[p.requestID] = p
	t.q.Enqueue(uint64(deadline.UnixNano()), &deadlineEntry{requestID: p.requestID, at: deadline})
	t.Unlock()
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

func (t *pendingTable) lookup(requestID [32]byte) *pendingRequest {
	t.Lock()
	defer t.Unlock()
	return t.entries[requestID]
}

func (t *pendingTable) remove(requestID [32]byte) {
	t.Lock()
	delete(t.entries, requestID)
	t.Unlock()
}

func (t *pendingTable) count() int {
	t.Lock()
	defer t.Unlock()
	return len(t.entries)
}

func (t *pendingTable) deadlineWorker() {
	for {
		var fireCh <-chan time.Time
		t.Lock()
		if e := t.q.Peek(); e != nil {
			d := e.Value.(*deadlineEntry)
			until := time.Until(d.at)
			if until <= 0 {
				heap.Pop(t.q)
				p := t.entries[d.requestID]
				delete(t.entries, d.requestID)
				t.Unlock()
				if p != nil {
					p.resolve(Result{Err: ErrTimeout})
					if t.onTimeout != nil {
						t.onTimeout()
					}
				}
				continue
			}
			fireCh = time.After(until)
		}
		t.Unlock()

		select {
		case <-t.HaltCh():
			return
		case <-fireCh:
		case <-t.wakeCh:
		}
	}
}
