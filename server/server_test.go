// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/erasure"
	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/shard"
	"github.com/tunnelcraft/tunnelcraft/network"
	"github.com/tunnelcraft/tunnelcraft/network/memnet"
)

func randomID(t *testing.T) [32]byte {
	var id [32]byte
	_, err := rand.Reader.Read(id[:])
	require.NoError(t, err)
	return id
}

func muxShard(sType shard.Type, dest, sender [32]byte, hops uint8) []byte {
	s := &shard.Shard{
		Type:          sType,
		RequestID:     [32]byte{1},
		UserPubkey:    [32]byte{2},
		Destination:   dest,
		SenderPubkey:  sender,
		HopsRemaining: hops,
		TotalHops:     hops,
		TotalShards:   erasure.TotalShards,
		TotalChunks:   1,
		Payload:       []byte("x"),
	}
	s.ID = shard.ComputeID(s.RequestID, s.UserPubkey, s.Type, s.ChunkIndex, s.ShardIndex, s.Payload)
	return s.Encode()
}

// expectDelivery asserts the next delivery lands on want and nothing
// reaches other.
func expectDelivery(t *testing.T, want, other network.Substrate) {
	select {
	case d := <-want.Inbound():
		d.Respond(nil)
	case d := <-other.Inbound():
		d.Respond(nil)
		t.Fatal("delivery reached the wrong engine")
	case <-time.After(10 * time.Second):
		t.Fatal("delivery never arrived")
	}
}

func TestRoleMuxRouting(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	mesh := memnet.NewMesh()
	nodeID := randomID(t)
	senderID := randomID(t)
	node := mesh.Node(nodeID)
	sender := mesh.Node(senderID)

	m := newRoleMux(node, nodeID, backend)
	defer m.Halt()
	relayEp := m.relayEndpoint()
	exitEp := m.exitEndpoint()

	// Request addressed to this node, the exit owns it.
	go func() { _, _ = sender.SendShard(nodeID, muxShard(shard.TypeRequest, nodeID, senderID, 0)) }()
	expectDelivery(t, exitEp, relayEp)

	// Request still in transit to someone else, the relay owns it.
	go func() { _, _ = sender.SendShard(nodeID, muxShard(shard.TypeRequest, randomID(t), senderID, 2)) }()
	expectDelivery(t, relayEp, exitEp)

	// Responses always belong to the relay.
	go func() { _, _ = sender.SendShard(nodeID, muxShard(shard.TypeResponse, randomID(t), senderID, 1)) }()
	expectDelivery(t, relayEp, exitEp)

	// Garbage goes to the relay's malformed reject path.
	go func() { _, _ = sender.SendShard(nodeID, []byte("not a shard")) }()
	expectDelivery(t, relayEp, exitEp)
}

func TestMuxEndpointSendPassthrough(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	mesh := memnet.NewMesh()
	nodeID := randomID(t)
	peerID := randomID(t)
	node := mesh.Node(nodeID)
	peer := mesh.Node(peerID)

	go func() {
		d := <-peer.Inbound()
		d.Respond([]byte("ok"))
	}()

	m := newRoleMux(node, nodeID, backend)
	defer m.Halt()

	rb, err := m.relayEndpoint().SendShard(peerID, muxShard(shard.TypeRequest, peerID, nodeID, 0))
	require.NoError(err)
	require.Equal([]byte("ok"), rb)
	require.NoError(m.relayEndpoint().Close())
}
