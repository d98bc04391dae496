// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay implements the shard forwarding engine.  A relay never
// inspects payload bytes: it verifies the sender binding, enforces the
// destination invariant on response traffic, rewrites the sender key,
// and moves the shard one hop closer to wherever it is going, earning
// a signed receipt for every shard it hands off.
package relay

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/shard"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
	"github.com/tunnelcraft/tunnelcraft/ledger"
	"github.com/tunnelcraft/tunnelcraft/network"
	"github.com/tunnelcraft/tunnelcraft/server/internal/constants"
)

var (
	// ErrUserMismatch is returned when a shard claims a different
	// origin than the cache binding records.
	ErrUserMismatch = errors.New("relay: user pubkey does not match cached binding")

	// ErrDestinationMismatch names the destination invariant failure of
	// a response shard.  No call returns it: the relay logs and counts
	// that reject in its delivery path.
	ErrDestinationMismatch = errors.New("relay: response destination does not match cached user")

	// ErrNoRoute is returned when no transmittable peer exists.
	ErrNoRoute = errors.New("relay: no route to any peer")
)

const (
	// DefaultRouteSlack is the sighting allowance on top of total_hops
	// before a request binding is treated as a routing loop.
	DefaultRouteSlack = 8
)

var (
	rejectedShards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.RelaySubsystem,
			Name:      "rejected_shards_total",
			Help:      "Number of rejected shards by reason",
		},
		[]string{"reason"},
	)
	forwardedShards = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.RelaySubsystem,
			Name:      "forwarded_shards_total",
			Help:      "Number of shards handed to a next hop",
		},
	)
	transmitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.RelaySubsystem,
			Name:      "transmit_failures_total",
			Help:      "Number of shards dropped on substrate transmit failure",
		},
	)
)

func init() {
	prometheus.MustRegister(rejectedShards)
	prometheus.MustRegister(forwardedShards)
	prometheus.MustRegister(transmitFailures)
}

// SubscriptionFn reports whether a user currently holds a
// subscription.  A declined user is still served, on reduced priority.
type SubscriptionFn func(userPubkey [32]byte) bool

// Config is the relay engine configuration.
type Config struct {
	// ForwardUnverifiedResponses forwards response shards whose
	// request binding has expired instead of rejecting them.
	ForwardUnverifiedResponses bool

	// CacheTTL and CacheCapacity bound the request binding cache.
	// Zero values select the defaults.
	CacheTTL      time.Duration
	CacheCapacity int

	// RouteSlack is the per-binding sighting allowance on top of
	// total_hops, zero selecting the default.
	RouteSlack uint8

	// MaxPayload caps decoded shard payloads, zero selecting the
	// default.
	MaxPayload uint32
}

func (cfg *Config) routeSlack() uint8 {
	if cfg.RouteSlack == 0 {
		return DefaultRouteSlack
	}
	return cfg.RouteSlack
}

func (cfg *Config) maxPayload() uint32 {
	if cfg.MaxPayload == 0 {
		return shard.DefaultMaxPayload
	}
	return cfg.MaxPayload
}

// Relay is one forwarding engine instance.
type Relay struct {
	worker.Worker

	log *logging.Logger
	cfg *Config

	priv *ed25519.PrivateKey
	id   [32]byte

	substrate  network.Substrate
	discovery  network.Discovery
	ledger     *ledger.Ledger
	subscribed SubscriptionFn

	cache   *Cache
	replay  *replayFilter
	latency *latencyTracker
}

// New creates a relay engine and starts its inbound worker.
func New(priv *ed25519.PrivateKey, cfg *Config, substrate network.Substrate, discovery network.Discovery, lgr *ledger.Ledger, subscribed SubscriptionFn, logBackend *log.Backend) (*Relay, error) {
	rf, err := newReplayFilter()
	if err != nil {
		return nil, fmt.Errorf("relay: replay filter: %w", err)
	}
	r := &Relay{
		log:        logBackend.GetLogger("relay"),
		cfg:        cfg,
		priv:       priv,
		substrate:  substrate,
		discovery:  discovery,
		ledger:     lgr,
		subscribed: subscribed,
		cache:      NewCache(cfg.CacheTTL, cfg.CacheCapacity),
		replay:     rf,
		latency:    newLatencyTracker(),
	}
	copy(r.id[:], priv.PublicKey().Bytes())
	r.Go(r.inboundWorker)
	return r, nil
}

// ID returns the relay's identity.
func (r *Relay) ID() [32]byte {
	return r.id
}

// Shutdown halts the engine.
func (r *Relay) Shutdown() {
	r.Halt()
}

func (r *Relay) inboundWorker() {
	for {
		select {
		case <-r.HaltCh():
			return
		case d, ok := <-r.substrate.Inbound():
			if !ok {
				return
			}
			r.Go(func() {
				r.onDelivery(d)
			})
		}
	}
}

func (r *Relay) onDelivery(d network.Delivery) {
	s, err := shard.DecodeCapped(d.Bytes, r.cfg.maxPayload())
	if err != nil {
		r.log.Debugf("Dropping malformed shard from %x: %v", d.From[:8], err)
		rejectedShards.With(prometheus.Labels{"reason": "malformed"}).Inc()
		d.Respond(nil)
		return
	}
	if r.replay.isReplay(s.ID, d.From) {
		r.log.Debugf("Dropping replayed shard %x from %x", s.ID[:8], d.From[:8])
		rejectedShards.With(prometheus.Labels{"reason": "replay"}).Inc()
		d.Respond(nil)
		return
	}
	if s.SenderPubkey != d.From {
		r.log.Warningf("Sender spoof: shard %x claims %x, arrived from %x", s.ID[:8], s.SenderPubkey[:8], d.From[:8])
		rejectedShards.With(prometheus.Labels{"reason": "sender_spoof"}).Inc()
		d.Respond(nil)
		return
	}

	switch s.Type {
	case shard.TypeRequest:
		r.onRequestShard(s, d)
	case shard.TypeResponse:
		r.onResponseShard(s, d)
	}
}

func (r *Relay) onRequestShard(s *shard.Shard, d network.Delivery) {
	hits, err := r.cache.Observe(s.RequestID, s.UserPubkey, s.TotalHops)
	if err != nil {
		r.log.Warningf("User mismatch on request %x: %v", s.RequestID[:8], err)
		rejectedShards.With(prometheus.Labels{"reason": "user_mismatch"}).Inc()
		d.Respond(nil)
		return
	}

	// A binding is touched once per shard per pass, so the sighting
	// allowance scales with how many distinct shards the request has.
	shards := uint32(s.TotalShards) * uint32(s.TotalChunks)
	if hits > (uint32(s.TotalHops)+uint32(r.cfg.routeSlack()))*shards {
		r.log.Warningf("Routing loop suspected on request %x, %d sightings", s.RequestID[:8], hits)
		rejectedShards.With(prometheus.Labels{"reason": "route_loop"}).Inc()
		d.Respond(nil)
		return
	}

	lowPriority := false
	if r.subscribed != nil && !r.subscribed(s.UserPubkey) {
		lowPriority = true
	}

	r.acceptAndForward(s, d, r.requestNextHop(s, d.From), lowPriority)
}

func (r *Relay) onResponseShard(s *shard.Shard, d network.Delivery) {
	user, _, _, ok := r.cache.Lookup(s.RequestID)
	if !ok {
		if !r.cfg.ForwardUnverifiedResponses {
			r.log.Debugf("Rejecting unverified response for %x", s.RequestID[:8])
			rejectedShards.With(prometheus.Labels{"reason": "unverified_response"}).Inc()
			d.Respond(nil)
			return
		}
		r.log.Debugf("Forwarding unverified response for %x on reduced priority", s.RequestID[:8])
	} else if s.Destination != user {
		r.log.Warningf("Destination mismatch on response %x: shard says %x, binding says %x",
			s.RequestID[:8], s.Destination[:8], user[:8])
		rejectedShards.With(prometheus.Labels{"reason": "destination_mismatch"}).Inc()
		d.Respond(nil)
		return
	}

	r.acceptAndForward(s, d, r.responseNextHop(s, d.From), !ok)
}

// acceptAndForward emits the receipt for an accepted shard, then
// rewrites and transmits it.  nextHop is resolved by the caller so
// rejects never consult the peer book.
func (r *Relay) acceptAndForward(s *shard.Shard, d network.Delivery, nextHop func() ([32]byte, error), lowPriority bool) {
	receipt := shard.NewForwardReceipt(r.priv, s)
	rb, err := shard.EncodeReceipt(receipt)
	if err != nil {
		r.log.Errorf("Receipt encode failed: %v", err)
		d.Respond(nil)
		return
	}
	d.Respond(rb)

	fwd := s.Copy()
	fwd.SenderPubkey = r.id
	if fwd.HopsRemaining > 0 {
		fwd.HopsRemaining--
	}

	peer, err := nextHop()
	if err != nil {
		r.log.Warningf("No route for shard %x: %v", s.ID[:8], err)
		transmitFailures.Inc()
		return
	}
	if lowPriority {
		r.log.Debugf("Forwarding shard %x on reduced priority", s.ID[:8])
	}

	r.transmit(peer, fwd)
}

func (r *Relay) transmit(peer [32]byte, s *shard.Shard) {
	start := time.Now()
	rb, err := r.substrate.SendShard(peer, s.Encode())
	if err != nil {
		r.log.Warningf("Transmit to %x failed: %v", peer[:8], err)
		transmitFailures.Inc()
		return
	}
	r.latency.observe(peer, time.Since(start))
	forwardedShards.Inc()

	if len(rb) == 0 {
		return
	}
	receipt, err := shard.DecodeReceipt(rb)
	if err != nil {
		r.log.Debugf("Undecodable receipt from %x: %v", peer[:8], err)
		return
	}
	if receipt.ReceiverPubkey != peer || receipt.ShardID != s.ID {
		r.log.Warningf("Receipt from %x does not match the exchange", peer[:8])
		return
	}
	if err := r.ledger.Record(receipt); err != nil {
		r.log.Debugf("Receipt from %x rejected: %v", peer[:8], err)
	}
}

// requestNextHop resolves the forwarding target for a request shard.
// With hops to burn any non-predecessor peer serves; at zero hops the
// destination exit is taken directly when reachable, else a peer in
// the exit's region, else any non-predecessor peer.  Request shards
// are never dropped for lack of an exit-reaching path.
func (r *Relay) requestNextHop(s *shard.Shard, predecessor [32]byte) func() ([32]byte, error) {
	return func() ([32]byte, error) {
		if s.HopsRemaining == 0 {
			if r.isKnownPeer(s.Destination) && s.Destination != predecessor {
				return s.Destination, nil
			}
			return r.pickPeer(s.ID, predecessor, r.exitRegion(s.Destination))
		}
		return r.pickPeer(s.ID, predecessor, network.RegionAuto)
	}
}

// responseNextHop resolves the forwarding target for a response shard,
// delivering directly to the user when the substrate knows them.
func (r *Relay) responseNextHop(s *shard.Shard, predecessor [32]byte) func() ([32]byte, error) {
	return func() ([32]byte, error) {
		if s.HopsRemaining == 0 && r.isKnownPeer(s.Destination) && s.Destination != predecessor {
			return s.Destination, nil
		}
		return r.pickPeer(s.ID, predecessor, network.RegionAuto)
	}
}

func (r *Relay) isKnownPeer(id [32]byte) bool {
	for _, p := range r.discovery.FindPeers(network.RegionAuto) {
		if p == id {
			return true
		}
	}
	return false
}

func (r *Relay) exitRegion(exit [32]byte) network.Region {
	for _, e := range r.discovery.FindExits() {
		if e.Pubkey == exit {
			return e.Region
		}
	}
	return network.RegionAuto
}

// pickPeer applies the selection ladder: exclude the predecessor and
// ourselves, prefer the hinted region, take the lowest smoothed
// latency, and break remaining ties with a keyed hash so load spreads
// deterministically.
func (r *Relay) pickPeer(shardID, predecessor [32]byte, region network.Region) ([32]byte, error) {
	candidates := r.eligible(region, predecessor)
	if len(candidates) == 0 && region != network.RegionAuto {
		candidates = r.eligible(network.RegionAuto, predecessor)
	}
	if len(candidates) == 0 {
		return [32]byte{}, ErrNoRoute
	}

	best := math.MaxFloat64
	var ties [][32]byte
	for _, p := range candidates {
		ms, ok := r.latency.estimate(p)
		if !ok {
			ms = math.MaxFloat64
		}
		switch {
		case ms < best:
			best = ms
			ties = ties[:0]
			ties = append(ties, p)
		case ms == best:
			ties = append(ties, p)
		}
	}
	if len(ties) == 1 {
		return ties[0], nil
	}

	sort.Slice(ties, func(i, j int) bool {
		return bytes.Compare(ties[i][:], ties[j][:]) < 0
	})
	h := sha256.New()
	h.Write(shardID[:])
	h.Write(r.id[:])
	idx := binary.BigEndian.Uint64(h.Sum(nil)[:8]) % uint64(len(ties))
	return ties[idx], nil
}

func (r *Relay) eligible(region network.Region, predecessor [32]byte) [][32]byte {
	peers := r.discovery.FindPeers(region)
	out := peers[:0]
	for _, p := range peers {
		if p == predecessor || p == r.id {
			continue
		}
		out = append(out, p)
	}
	return out
}
