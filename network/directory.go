// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package network

import (
	"sync"
)

// StaticDirectory is a Discovery backed by a fixed peer book, as
// loaded from a node or client configuration.
type StaticDirectory struct {
	sync.RWMutex

	peers map[[32]byte]Region
	exits []ExitInfo
}

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		peers: make(map[[32]byte]Region),
	}
}

// AddPeer registers a peer and its advertised region.
func (d *StaticDirectory) AddPeer(id [32]byte, region Region) {
	d.Lock()
	defer d.Unlock()
	d.peers[id] = region
}

// AddExit registers an advertised exit.
func (d *StaticDirectory) AddExit(e ExitInfo) {
	d.Lock()
	defer d.Unlock()
	d.exits = append(d.exits, e)
	if _, ok := d.peers[e.Pubkey]; !ok {
		d.peers[e.Pubkey] = e.Region
	}
}

// FindPeers implements Discovery.
func (d *StaticDirectory) FindPeers(regionHint Region) [][32]byte {
	d.RLock()
	defer d.RUnlock()

	out := make([][32]byte, 0, len(d.peers))
	for id, region := range d.peers {
		if regionHint != RegionAuto && region != regionHint {
			continue
		}
		out = append(out, id)
	}
	return out
}

// FindExits implements Discovery.
func (d *StaticDirectory) FindExits() []ExitInfo {
	d.RLock()
	defer d.RUnlock()

	out := make([]ExitInfo, len(d.exits))
	copy(out, d.exits)
	return out
}
