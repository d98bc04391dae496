// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package memnet provides an in process substrate: every node is a
// goroutine-safe mailbox on a shared mesh.  It backs the package level
// tests and the end to end scenarios, and doubles as a reference for
// the exchange semantics real transports must honor.
package memnet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tunnelcraft/tunnelcraft/network"
)

const (
	inboundDepth   = 64
	receiptTimeout = 5 * time.Second
)

// FaultFn decides whether a transmission is dropped, simulating loss.
type FaultFn func(from, to [32]byte, b []byte) bool

// Mesh is a set of interconnected in process nodes.
type Mesh struct {
	sync.RWMutex

	nodes map[[32]byte]*Node
	fault FaultFn
}

// NewMesh creates an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{
		nodes: make(map[[32]byte]*Node),
	}
}

// SetFault installs a loss injector.  A nil fn restores lossless
// delivery.
func (m *Mesh) SetFault(fn FaultFn) {
	m.Lock()
	defer m.Unlock()
	m.fault = fn
}

// Node creates and registers a node with the given identity.
func (m *Mesh) Node(id [32]byte) *Node {
	m.Lock()
	defer m.Unlock()

	n := &Node{
		mesh:    m,
		id:      id,
		inbound: make(chan network.Delivery, inboundDepth),
		closed:  make(chan interface{}),
	}
	m.nodes[id] = n
	return n
}

func (m *Mesh) lookup(id [32]byte) (*Node, FaultFn) {
	m.RLock()
	defer m.RUnlock()
	return m.nodes[id], m.fault
}

func (m *Mesh) remove(id [32]byte) {
	m.Lock()
	defer m.Unlock()
	delete(m.nodes, id)
}

// Node is one mesh endpoint, implementing network.Substrate.
type Node struct {
	mesh *Mesh
	id   [32]byte

	inbound   chan network.Delivery
	closed    chan interface{}
	closeOnce sync.Once
}

// ID returns the node identity.
func (n *Node) ID() [32]byte {
	return n.id
}

// Inbound implements network.Substrate.
func (n *Node) Inbound() <-chan network.Delivery {
	return n.inbound
}

// SendShard implements network.Substrate.  The shard bytes are copied,
// so callers may reuse their buffer.
func (n *Node) SendShard(peer [32]byte, b []byte) ([]byte, error) {
	target, fault := n.mesh.lookup(peer)
	if target == nil {
		return nil, fmt.Errorf("memnet: unknown peer %x", peer[:8])
	}
	if fault != nil && fault(n.id, peer, b) {
		return nil, errors.New("memnet: injected loss")
	}

	cp := make([]byte, len(b))
	copy(cp, b)
	d, receiptCh := network.NewDelivery(cp, n.id)

	select {
	case target.inbound <- d:
	case <-target.closed:
		return nil, errors.New("memnet: peer closed")
	case <-time.After(receiptTimeout):
		return nil, errors.New("memnet: peer inbound queue stalled")
	}

	select {
	case receipt := <-receiptCh:
		return receipt, nil
	case <-time.After(receiptTimeout):
		return nil, errors.New("memnet: receipt timeout")
	}
}

// Close implements network.Substrate.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.mesh.remove(n.id)
	})
	return nil
}
