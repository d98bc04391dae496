// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package network defines the peer substrate contracts the routing
// engines consume.  The substrate carries opaque shard bytes between
// peers and returns receipt bytes on the same exchange; discovery
// yields candidate peers and exits.  Engines never care whether the
// substrate is an in process mesh or a QUIC overlay.
package network

// Region is a coarse exit region code carried in discovery metadata.
type Region string

const (
	RegionAuto Region = "auto"
	RegionNA   Region = "na"
	RegionEU   Region = "eu"
	RegionAP   Region = "ap"
	RegionSA   Region = "sa"
	RegionAF   Region = "af"
	RegionME   Region = "me"
	RegionOC   Region = "oc"
)

// Valid returns true iff r is a known region code.
func (r Region) Valid() bool {
	switch r {
	case RegionAuto, RegionNA, RegionEU, RegionAP, RegionSA, RegionAF, RegionME, RegionOC:
		return true
	default:
		return false
	}
}

// Delivery is one inbound shard handed to an engine, together with the
// return half of the exchange.
type Delivery struct {
	// Bytes is the encoded shard.
	Bytes []byte

	// From is the transmitting peer's identity.
	From [32]byte

	receiptCh chan []byte
}

// NewDelivery builds a Delivery and the channel the substrate reads
// the engine's receipt from.
func NewDelivery(b []byte, from [32]byte) (Delivery, <-chan []byte) {
	ch := make(chan []byte, 1)
	return Delivery{
		Bytes:     b,
		From:      from,
		receiptCh: ch,
	}, ch
}

// Respond hands receipt bytes back to the transmitting peer.  A nil
// receipt means the shard was rejected and the sender earns nothing.
// Respond must be called exactly once per delivery.
func (d *Delivery) Respond(receipt []byte) {
	d.receiptCh <- receipt
}

// Substrate transmits shards to peers.  SendShard blocks until the far
// side has processed the shard and returns the receipt bytes it
// produced, nil when the peer accepted nothing.
type Substrate interface {
	SendShard(peer [32]byte, b []byte) ([]byte, error)
	Inbound() <-chan Delivery
	Close() error
}

// ExitInfo describes one advertised exit.
type ExitInfo struct {
	Pubkey         [32]byte
	Region         Region
	AdvertisedLoad uint32
}

// Discovery yields candidate peers and exits.  FindPeers with
// RegionAuto returns every known peer; any other region restricts the
// result to peers advertising membership in it.
type Discovery interface {
	FindPeers(regionHint Region) [][32]byte
	FindExits() []ExitInfo
}
