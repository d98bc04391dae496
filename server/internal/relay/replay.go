// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"

	"github.com/tunnelcraft/tunnelcraft/core/epochtime"
)

// replayFilter suppresses exact duplicate transmissions.  The tag is
// shard_id concatenated with the transmitting peer, so a retransmit of
// the same shard by the same hop is dropped while the same shard
// arriving over a different hop is not.  The filter rotates each epoch
// which bounds memory without persistent state.
type replayFilter struct {
	sync.Mutex

	epoch uint64
	f     *bloom.Filter
}

func newReplayFilter() (*replayFilter, error) {
	epoch, _, _ := epochtime.Now()
	f, err := bloom.New(rand.Reader, 23, 0.001) // 1 MiB, 581,887 entries.
	if err != nil {
		return nil, err
	}
	return &replayFilter{epoch: epoch, f: f}, nil
}

// isReplay marks a tag as seen and returns true iff it was seen before
// within the current epoch.
func (r *replayFilter) isReplay(shardID, sender [32]byte) bool {
	var tag [64]byte
	copy(tag[:32], shardID[:])
	copy(tag[32:], sender[:])

	r.Lock()
	defer r.Unlock()

	if epoch, _, _ := epochtime.Now(); epoch != r.epoch {
		f, err := bloom.New(rand.Reader, 23, 0.001)
		if err == nil {
			r.epoch = epoch
			r.f = f
		}
	}
	if r.f.Entries() >= r.f.MaxEntries() {
		// A saturated filter is neither tested nor extended until
		// rotation: every shard passes as new, so duplicates go
		// unsuppressed rather than the filter growing unbounded.
		return false
	}
	return r.f.TestAndSet(tag[:])
}
