// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"sync"
	"time"
)

const latencyAlpha = 0.2

// latencyTracker keeps an exponentially smoothed round trip estimate
// per peer, fed from substrate exchanges.
type latencyTracker struct {
	sync.Mutex

	est map[[32]byte]float64
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{est: make(map[[32]byte]float64)}
}

func (l *latencyTracker) observe(peer [32]byte, rtt time.Duration) {
	ms := float64(rtt) / float64(time.Millisecond)
	l.Lock()
	defer l.Unlock()
	if prev, ok := l.est[peer]; ok {
		l.est[peer] = latencyAlpha*ms + (1-latencyAlpha)*prev
	} else {
		l.est[peer] = ms
	}
}

// estimate returns the smoothed round trip in milliseconds and whether
// the peer has ever been measured.
func (l *latencyTracker) estimate(peer [32]byte) (float64, bool) {
	l.Lock()
	defer l.Unlock()
	ms, ok := l.est[peer]
	return ms, ok
}
