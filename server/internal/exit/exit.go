// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package exit implements the dispatch endpoint of the overlay.  An
// exit reassembles request shards into plaintext, performs the HTTP
// fetch or tunnel exchange the payload asks for, and ships the result
// back as response shards addressed to the originating user.
package exit

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/erasure"
	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/shard"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
	"github.com/tunnelcraft/tunnelcraft/ledger"
	"github.com/tunnelcraft/tunnelcraft/network"
	"github.com/tunnelcraft/tunnelcraft/server/internal/constants"
)

const (
	// DefaultPendingTTL is how long a partial request waits for the
	// shards that would complete it.
	DefaultPendingTTL = 60 * time.Second

	// DefaultSessionIdleTimeout reaps tunnel sessions that carried no
	// bursts for this long.
	DefaultSessionIdleTimeout = 2 * time.Minute

	// DefaultSweepInterval paces the background hygiene pass.
	DefaultSweepInterval = 30 * time.Second

	// DefaultPerUserSessionCap bounds concurrent tunnel sessions per
	// user.
	DefaultPerUserSessionCap = 32
)

// ErrNoRoute is returned when no transmittable peer exists for a
// response shard.
var ErrNoRoute = errors.New("exit: no route to any peer")

var (
	exitRejectedShards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.ExitSubsystem,
			Name:      "rejected_shards_total",
			Help:      "Number of rejected shards by reason",
		},
		[]string{"reason"},
	)
	dispatchedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.ExitSubsystem,
			Name:      "dispatched_requests_total",
			Help:      "Number of reconstructed requests by mode",
		},
		[]string{"mode"},
	)
	reapedSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.ExitSubsystem,
			Name:      "reaped_sessions_total",
			Help:      "Number of tunnel sessions closed by the reaper",
		},
	)
	responseShardsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.ExitSubsystem,
			Name:      "response_shards_total",
			Help:      "Number of response shards handed to the substrate",
		},
	)
)

func init() {
	prometheus.MustRegister(exitRejectedShards)
	prometheus.MustRegister(dispatchedRequests)
	prometheus.MustRegister(reapedSessions)
	prometheus.MustRegister(responseShardsSent)
}

// Config is the exit engine configuration.
type Config struct {
	// BlockedDomains are refused with a synthetic 451 response.  A
	// name blocks itself and every subdomain.
	BlockedDomains []string

	// MaxResponseSize caps fetched HTTP bodies, zero selecting the
	// default.
	MaxResponseSize int64

	// PendingTTL, SessionIdleTimeout, SweepInterval and
	// PerUserSessionCap tune the hygiene pass, zero values selecting
	// the defaults.
	PendingTTL         time.Duration
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	PerUserSessionCap  int

	// MaxPayload caps decoded shard payloads, zero selecting the
	// default.
	MaxPayload uint32
}

func (cfg *Config) applyDefaults() {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.PerUserSessionCap <= 0 {
		cfg.PerUserSessionCap = DefaultPerUserSessionCap
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = shard.DefaultMaxPayload
	}
}

// Exit is one dispatch endpoint instance.
type Exit struct {
	worker.Worker

	log *logging.Logger
	cfg *Config

	priv *ed25519.PrivateKey
	id   [32]byte

	substrate network.Substrate
	discovery network.Discovery
	ledger    *ledger.Ledger

	pending    *pendingTable
	sessions   *sessionPool
	dispatcher *dispatcher
}

// New creates an exit engine and starts its workers.
func New(priv *ed25519.PrivateKey, cfg *Config, substrate network.Substrate, discovery network.Discovery, lgr *ledger.Ledger, logBackend *log.Backend) (*Exit, error) {
	cfg.applyDefaults()
	l := logBackend.GetLogger("exit")
	e := &Exit{
		log:        l,
		cfg:        cfg,
		priv:       priv,
		substrate:  substrate,
		discovery:  discovery,
		ledger:     lgr,
		pending:    newPendingTable(cfg.PendingTTL),
		sessions:   newSessionPool(l, cfg.SessionIdleTimeout, cfg.PerUserSessionCap),
		dispatcher: newDispatcher(l, cfg.BlockedDomains, cfg.MaxResponseSize),
	}
	copy(e.id[:], priv.PublicKey().Bytes())
	e.Go(e.inboundWorker)
	e.Go(e.sweepWorker)
	return e, nil
}

// ID returns the exit's identity.
func (e *Exit) ID() [32]byte {
	return e.id
}

// Shutdown halts the engine and tears down every tunnel session.
func (e *Exit) Shutdown() {
	e.Halt()
	e.sessions.closeAll()
}

func (e *Exit) inboundWorker() {
	for {
		select {
		case <-e.HaltCh():
			return
		case d, ok := <-e.substrate.Inbound():
			if !ok {
				return
			}
			e.Go(func() {
				e.onDelivery(d)
			})
		}
	}
}

func (e *Exit) sweepWorker() {
	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-e.HaltCh():
			return
		case <-t.C:
			if n := e.pending.sweep(); n > 0 {
				e.log.Debugf("Expired %d pending requests", n)
			}
			if n := e.sessions.reap(); n > 0 {
				e.log.Debugf("Reaped %d idle tunnel sessions", n)
				reapedSessions.Add(float64(n))
			}
		}
	}
}

func (e *Exit) onDelivery(d network.Delivery) {
	s, err := shard.DecodeCapped(d.Bytes, e.cfg.MaxPayload)
	if err != nil {
		e.log.Debugf("Dropping malformed shard from %x: %v", d.From[:8], err)
		exitRejectedShards.With(prometheus.Labels{"reason": "malformed"}).Inc()
		d.Respond(nil)
		return
	}
	if s.Type != shard.TypeRequest {
		exitRejectedShards.With(prometheus.Labels{"reason": "unexpected_type"}).Inc()
		d.Respond(nil)
		return
	}
	if s.SenderPubkey != d.From {
		e.log.Warningf("Sender spoof: shard %x claims %x, arrived from %x", s.ID[:8], s.SenderPubkey[:8], d.From[:8])
		exitRejectedShards.With(prometheus.Labels{"reason": "sender_spoof"}).Inc()
		d.Respond(nil)
		return
	}
	if s.Destination != e.id {
		exitRejectedShards.With(prometheus.Labels{"reason": "misdelivered"}).Inc()
		d.Respond(nil)
		return
	}

	p := e.pending.get(s)
	plaintext, err := p.insert(s)
	if err != nil {
		e.log.Warningf("Rejecting shard %x: %v", s.ID[:8], err)
		reason := "user_mismatch"
		if errors.Is(err, errConflictingShard) {
			reason = "conflicting_shard"
		}
		exitRejectedShards.With(prometheus.Labels{"reason": reason}).Inc()
		d.Respond(nil)
		return
	}

	receipt := shard.NewForwardReceipt(e.priv, s)
	rb, err := shard.EncodeReceipt(receipt)
	if err != nil {
		e.log.Errorf("Receipt encode failed: %v", err)
		d.Respond(nil)
		return
	}
	d.Respond(rb)

	if plaintext != nil {
		e.Go(func() {
			e.dispatch(p, plaintext)
		})
	}
}

// dispatch interprets a reconstructed request and ships the result
// back.  The plaintext carries an 8 byte big endian original length
// followed by the mode tagged burst, the tail being chunk padding.
func (e *Exit) dispatch(p *pendingRequest, plaintext []byte) {
	if len(plaintext) < 8 {
		e.log.Warningf("Reconstructed request %x is truncated", p.requestID[:8])
		return
	}
	n := binary.BigEndian.Uint64(plaintext)
	if n == 0 || n > uint64(len(plaintext)-8) {
		e.log.Warningf("Reconstructed request %x declares bogus length %d", p.requestID[:8], n)
		return
	}
	burst := plaintext[8 : 8+n]

	var out []byte
	switch burst[0] {
	case payload.ModeHTTP:
		dispatchedRequests.With(prometheus.Labels{"mode": "http"}).Inc()
		req, err := payload.DecodeHTTPRequest(burst[1:])
		if err != nil {
			e.log.Warningf("Bad HTTP record in request %x: %v", p.requestID[:8], err)
			return
		}
		out = e.dispatcher.dispatch(req).Encode()
	case payload.ModeTunnel:
		dispatchedRequests.With(prometheus.Labels{"mode": "tunnel"}).Inc()
		m, data, err := payload.ParseTunnelBurst(burst[1:])
		if err != nil {
			e.log.Warningf("Bad tunnel burst in request %x: %v", p.requestID[:8], err)
			return
		}
		out, err = e.sessions.burst(p.userPubkey, m, data)
		if err != nil {
			e.log.Debugf("Tunnel burst for request %x failed: %v", p.requestID[:8], err)
			out = nil
		}
		if m.IsClose {
			return
		}
	default:
		e.log.Warningf("Unknown payload mode %#x in request %x", burst[0], p.requestID[:8])
		return
	}

	if err := e.sendResponse(p, out); err != nil {
		e.log.Warningf("Response for request %x not sent: %v", p.requestID[:8], err)
	}
}

// sendResponse erasure codes the response bytes and pushes the shards
// into the overlay, one exchange per shard.
func (e *Exit) sendResponse(p *pendingRequest, body []byte) error {
	logical := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(logical, uint64(len(body)))
	copy(logical[8:], body)

	chunks, err := erasure.ChunkAndEncode(logical)
	if err != nil {
		return fmt.Errorf("exit: encode response: %w", err)
	}

	for _, c := range chunks {
		for idx, pl := range c.Shards {
			s := &shard.Shard{
				Type:          shard.TypeResponse,
				RequestID:     p.requestID,
				UserPubkey:    p.userPubkey,
				Destination:   p.userPubkey,
				UserProof:     p.userProof,
				SenderPubkey:  e.id,
				HopsRemaining: p.totalHops,
				TotalHops:     p.totalHops,
				ShardIndex:    uint8(idx),
				TotalShards:   erasure.TotalShards,
				ChunkIndex:    c.Index,
				TotalChunks:   uint16(len(chunks)),
			}
			s.Payload = pl
			s.ID = shard.ComputeID(s.RequestID, s.UserPubkey, s.Type, s.ChunkIndex, s.ShardIndex, s.Payload)

			peer, err := e.nextHop(s)
			if err != nil {
				e.log.Warningf("No route for response shard %x: %v", s.ID[:8], err)
				continue
			}
			e.transmit(peer, s)
		}
	}
	return nil
}

func (e *Exit) transmit(peer [32]byte, s *shard.Shard) {
	rb, err := e.substrate.SendShard(peer, s.Encode())
	if err != nil {
		e.log.Warningf("Transmit to %x failed: %v", peer[:8], err)
		return
	}
	responseShardsSent.Inc()
	if len(rb) == 0 {
		return
	}
	receipt, err := shard.DecodeReceipt(rb)
	if err != nil {
		e.log.Debugf("Undecodable receipt from %x: %v", peer[:8], err)
		return
	}
	if receipt.ReceiverPubkey != peer || receipt.ShardID != s.ID {
		e.log.Warningf("Receipt from %x does not match the exchange", peer[:8])
		return
	}
	if err := e.ledger.Record(receipt); err != nil {
		e.log.Debugf("Receipt from %x rejected: %v", peer[:8], err)
	}
}

// nextHop picks the first hop for a response shard.  Zero hop
// responses go straight to the user when the substrate knows them;
// otherwise the shard enters the overlay through any peer that is not
// the user, spread deterministically.
func (e *Exit) nextHop(s *shard.Shard) ([32]byte, error) {
	peers := e.discovery.FindPeers(network.RegionAuto)

	if s.HopsRemaining == 0 {
		for _, p := range peers {
			if p == s.Destination {
				return p, nil
			}
		}
	}

	candidates := make([][32]byte, 0, len(peers))
	for _, p := range peers {
		if p == e.id || p == s.Destination {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		for _, p := range peers {
			if p != e.id {
				candidates = append(candidates, p)
			}
		}
	}
	if len(candidates) == 0 {
		return [32]byte{}, ErrNoRoute
	}

	sort.Slice(candidates, func(i, j int) bool {
		return bytes.Compare(candidates[i][:], candidates[j][:]) < 0
	})
	h := sha256.New()
	h.Write(s.ID[:])
	h.Write(e.id[:])
	idx := binary.BigEndian.Uint64(h.Sum(nil)[:8]) % uint64(len(candidates))
	return candidates[idx], nil
}
