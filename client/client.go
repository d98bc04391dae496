// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client implements the user-side session engine.  It turns
// opaque payload bursts into erasure coded request shards, launches
// them onto the relay mesh at the configured privacy level, and
// reassembles the response shards that find their way back.
package client

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/erasure"
	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/shard"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
	"github.com/tunnelcraft/tunnelcraft/ledger"
	"github.com/tunnelcraft/tunnelcraft/network"
)

const (
	// DefaultRequestDeadline bounds how long a pending request waits
	// for its response to complete.
	DefaultRequestDeadline = 30 * time.Second
)

var (
	// ErrNoExit is returned when discovery advertises no usable exit.
	ErrNoExit = errors.New("client: no exit available")

	// ErrNoFirstHop is returned when no relay other than the selected
	// exit is reachable and the privacy level forbids direct delivery.
	ErrNoFirstHop = errors.New("client: no eligible first hop")

	// ErrNotConnected is returned for operations that need an active
	// session.
	ErrNotConnected = errors.New("client: not connected")

	// ErrHalted is returned when the engine shuts down mid operation.
	ErrHalted = errors.New("client: engine halted")
)

// ConnState is the coarse connection state surfaced over IPC.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// EventType tags an Event for IPC subscribers.
type EventType string

const (
	EventState EventType = "state"
	EventStat  EventType = "stat"
	EventError EventType = "error"
)

// Event is one notification pushed to IPC subscribers.
type Event struct {
	Type    EventType `json:"type"`
	State   string    `json:"state,omitempty"`
	Message string    `json:"message,omitempty"`

	RequestsSent      uint64 `json:"requests_sent,omitempty"`
	RequestsCompleted uint64 `json:"requests_completed,omitempty"`
	RequestsTimedOut  uint64 `json:"requests_timed_out,omitempty"`
}

// Config is the client engine configuration.
type Config struct {
	// PrivacyLevel is the initial privacy level.
	PrivacyLevel PrivacyLevel

	// Region biases exit selection, RegionAuto considering every
	// advertised exit.
	Region network.Region

	// RequestDeadline bounds pending requests, zero selecting the
	// default.
	RequestDeadline time.Duration

	// MaxPayload caps decoded shard payloads, zero selecting the
	// default.
	MaxPayload uint32
}

func (cfg *Config) deadline() time.Duration {
	if cfg.RequestDeadline == 0 {
		return DefaultRequestDeadline
	}
	return cfg.RequestDeadline
}

func (cfg *Config) maxPayload() uint32 {
	if cfg.MaxPayload == 0 {
		return shard.DefaultMaxPayload
	}
	return cfg.MaxPayload
}

// Client is one session engine instance.
type Client struct {
	worker.Worker

	log *logging.Logger
	cfg *Config

	priv *ed25519.PrivateKey
	id   [32]byte

	substrate network.Substrate
	discovery network.Discovery
	ledger    *ledger.Ledger

	pending *pendingTable

	sync.Mutex
	state   ConnState
	privacy PrivacyLevel
	exit    network.ExitInfo
	hasExit bool

	sent      uint64
	completed uint64
	timedOut  uint64

	subscribers map[uint64]chan Event
	nextSubID   uint64
}

// New creates a client engine and starts its inbound worker.
func New(priv *ed25519.PrivateKey, cfg *Config, substrate network.Substrate, discovery network.Discovery, lgr *ledger.Ledger, logBackend *log.Backend) (*Client, error) {
	if !cfg.PrivacyLevel.Valid() {
		return nil, fmt.Errorf("client: invalid privacy level %d", cfg.PrivacyLevel)
	}
	c := &Client{
		log:         logBackend.GetLogger("client"),
		cfg:         cfg,
		priv:        priv,
		substrate:   substrate,
		discovery:   discovery,
		ledger:      lgr,
		privacy:     cfg.PrivacyLevel,
		subscribers: make(map[uint64]chan Event),
	}
	copy(c.id[:], priv.PublicKey().Bytes())
	c.pending = newPendingTable(c.onPendingTimeout)
	c.Go(c.inboundWorker)
	return c, nil
}

// ID returns the client's identity.
func (c *Client) ID() [32]byte {
	return c.id
}

func (c *Client) onPendingTimeout() {
	c.Lock()
	c.timedOut++
	n := c.timedOut
	c.Unlock()
	c.notify(Event{Type: EventError, Message: ErrTimeout.Error(), RequestsTimedOut: n})
}

// Status is a point in time snapshot for the IPC status method.
type Status struct {
	State             string         `json:"state"`
	PrivacyLevel      string         `json:"privacy_level"`
	ExitPubkey        string         `json:"exit_pubkey,omitempty"`
	ExitRegion        network.Region `json:"exit_region,omitempty"`
	PendingRequests   int            `json:"pending_requests"`
	RequestsSent      uint64         `json:"requests_sent"`
	RequestsCompleted uint64         `json:"requests_completed"`
	RequestsTimedOut  uint64         `json:"requests_timed_out"`
	ReceiptCount      int            `json:"receipt_count"`
}

// Status reports the engine state.
func (c *Client) Status() Status {
	c.Lock()
	defer c.Unlock()
	st := Status{
		State:             c.state.String(),
		PrivacyLevel:      c.privacy.String(),
		PendingRequests:   c.pending.count(),
		RequestsSent:      c.sent,
		RequestsCompleted: c.completed,
		RequestsTimedOut:  c.timedOut,
		ReceiptCount:      c.ledger.Count(),
	}
	if c.hasExit {
		st.ExitPubkey = fmt.Sprintf("%x", c.exit.Pubkey)
		st.ExitRegion = c.exit.Region
	}
	return st
}

// Shutdown halts the engine and its deadline worker.
func (c *Client) Shutdown() {
	c.Halt()
	c.pending.Halt()
	c.Lock()
	for _, ch := range c.subscribers {
		close(ch)
	}
	c.subscribers = nil
	c.Unlock()
}

// Subscribe registers an event listener.  The returned cancel func
// must be called when the listener goes away.
func (c *Client) Subscribe() (<-chan Event, func()) {
	c.Lock()
	defer c.Unlock()
	id := c.nextSubID
	c.nextSubID++
	ch := make(chan Event, 16)
	if c.subscribers == nil {
		close(ch)
		return ch, func() {}
	}
	c.subscribers[id] = ch
	return ch, func() {
		c.Lock()
		defer c.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
	}
}

// notify must be called without the lock held.  Slow subscribers lose
// events rather than stalling the engine.
func (c *Client) notify(ev Event) {
	c.Lock()
	defer c.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Connect selects an exit if none is pinned and marks the session
// active.
func (c *Client) Connect() error {
	c.Lock()
	if c.state == StateConnected {
		c.Unlock()
		return nil
	}
	c.state = StateConnecting
	region := c.cfg.Region
	pinned := c.hasExit
	c.Unlock()
	c.notify(Event{Type: EventState, State: StateConnecting.String()})

	if !pinned {
		info, err := c.pickExit(region)
		if err != nil {
			c.Lock()
			c.state = StateDisconnected
			c.Unlock()
			c.notify(Event{Type: EventState, State: StateDisconnected.String(), Message: err.Error()})
			return err
		}
		c.Lock()
		c.exit = info
		c.hasExit = true
		c.Unlock()
	}

	c.Lock()
	c.state = StateConnected
	exit := c.exit
	c.Unlock()
	c.log.Noticef("Connected via exit %x (%s)", exit.Pubkey[:8], exit.Region)
	c.notify(Event{Type: EventState, State: StateConnected.String()})
	return nil
}

// Disconnect marks the session inactive.  Pending requests run to
// their deadlines.
func (c *Client) Disconnect() {
	c.Lock()
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	c.Unlock()
	if changed {
		c.notify(Event{Type: EventState, State: StateDisconnected.String()})
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// PrivacyLevel returns the active privacy level.
func (c *Client) PrivacyLevel() PrivacyLevel {
	c.Lock()
	defer c.Unlock()
	return c.privacy
}

// SetPrivacyLevel changes the privacy level for subsequent requests.
func (c *Client) SetPrivacyLevel(p PrivacyLevel) error {
	if !p.Valid() {
		return fmt.Errorf("client: invalid privacy level %d", p)
	}
	c.Lock()
	c.privacy = p
	c.Unlock()
	c.log.Noticef("Privacy level set to %v", p)
	return nil
}

// Exit returns the pinned exit, if any.
func (c *Client) Exit() (network.ExitInfo, bool) {
	c.Lock()
	defer c.Unlock()
	return c.exit, c.hasExit
}

// SelectExit pins the best advertised exit for the region.
func (c *Client) SelectExit(region network.Region) (network.ExitInfo, error) {
	info, err := c.pickExit(region)
	if err != nil {
		return network.ExitInfo{}, err
	}
	c.Lock()
	c.exit = info
	c.hasExit = true
	c.Unlock()
	c.log.Noticef("Exit pinned: %x (%s, load %d)", info.Pubkey[:8], info.Region, info.AdvertisedLoad)
	return info, nil
}

// pickExit takes the least loaded exit in the region, falling back to
// any region when the hint yields nothing.
func (c *Client) pickExit(region network.Region) (network.ExitInfo, error) {
	exits := c.discovery.FindExits()
	candidates := exits[:0]
	for _, e := range exits {
		if region != network.RegionAuto && e.Region != region {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 && region != network.RegionAuto {
		candidates = c.discovery.FindExits()
	}
	if len(candidates) == 0 {
		return network.ExitInfo{}, ErrNoExit
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AdvertisedLoad != candidates[j].AdvertisedLoad {
			return candidates[i].AdvertisedLoad < candidates[j].AdvertisedLoad
		}
		return bytesLess(candidates[i].Pubkey, candidates[j].Pubkey)
	})
	return candidates[0], nil
}

func bytesLess(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// SendRequest erasure codes the burst, launches the shards toward the
// exit at the current privacy level, and returns the channel the
// result is delivered on.
func (c *Client) SendRequest(exit [32]byte, burst []byte) ([32]byte, <-chan Result, error) {
	c.Lock()
	privacy := c.privacy
	c.Unlock()

	var requestID [32]byte
	if _, err := rand.Reader.Read(requestID[:]); err != nil {
		return [32]byte{}, nil, fmt.Errorf("client: request id: %w", err)
	}
	sig := c.priv.SignMessage(requestID[:])
	proof := shard.ComputeUserProof(requestID, c.priv.PublicKey(), sig)

	logical := make([]byte, 8+len(burst))
	binary.BigEndian.PutUint64(logical, uint64(len(burst)))
	copy(logical[8:], burst)

	chunks, err := erasure.ChunkAndEncode(logical)
	if err != nil {
		return [32]byte{}, nil, fmt.Errorf("client: encode: %w", err)
	}

	hops := privacy.MinRelays()
	shards := make([]*shard.Shard, 0, len(chunks)*erasure.TotalShards)
	for _, ch := range chunks {
		for idx, pl := range ch.Shards {
			s := &shard.Shard{
				Type:          shard.TypeRequest,
				RequestID:     requestID,
				UserPubkey:    c.id,
				Destination:   exit,
				UserProof:     proof,
				SenderPubkey:  c.id,
				HopsRemaining: hops,
				TotalHops:     hops,
				ShardIndex:    uint8(idx),
				TotalShards:   erasure.TotalShards,
				ChunkIndex:    ch.Index,
				TotalChunks:   uint16(len(chunks)),
				Payload:       pl,
			}
			s.ID = shard.ComputeID(s.RequestID, s.UserPubkey, s.Type, s.ChunkIndex, s.ShardIndex, s.Payload)
			shards = append(shards, s)
		}
	}

	// Resolve every first hop before anything is transmitted so a
	// routeless mesh fails the request instead of half launching it.
	hopsOut := make([][32]byte, len(shards))
	for i, s := range shards {
		peer, err := c.firstHop(s, exit, privacy)
		if err != nil {
			return [32]byte{}, nil, err
		}
		hopsOut[i] = peer
	}

	p := newClientPending(requestID, proof)
	c.pending.add(p, time.Now().Add(c.cfg.deadline()))

	for i, s := range shards {
		s, peer := s, hopsOut[i]
		c.Go(func() {
			c.transmit(peer, s)
		})
	}

	c.Lock()
	c.sent++
	sent := c.sent
	c.Unlock()
	c.notify(Event{Type: EventStat, RequestsSent: sent})
	c.log.Debugf("Request %x launched, %d shards, %d hops", requestID[:8], len(shards), hops)
	return requestID, p.resultCh, nil
}

// SendHTTPRequest serializes the request record, sends it through the
// pinned exit, and blocks for the decoded response.
func (c *Client) SendHTTPRequest(req *payload.HTTPRequest) (*payload.HTTPResponse, error) {
	c.Lock()
	if c.state != StateConnected || !c.hasExit {
		c.Unlock()
		return nil, ErrNotConnected
	}
	exit := c.exit.Pubkey
	c.Unlock()

	_, resultCh, err := c.SendRequest(exit, payload.BuildHTTPBurst(req))
	if err != nil {
		return nil, err
	}
	select {
	case r := <-resultCh:
		if r.Err != nil {
			return nil, r.Err
		}
		return payload.DecodeHTTPResponse(r.Bytes)
	case <-c.HaltCh():
		return nil, ErrHalted
	}
}

// firstHop resolves the launch peer for one shard.  Direct privacy
// delivers straight to the exit; any other level requires a relay and
// never hands the exit the first leg.
func (c *Client) firstHop(s *shard.Shard, exit [32]byte, privacy PrivacyLevel) ([32]byte, error) {
	if privacy == Direct {
		return exit, nil
	}
	peers := c.discovery.FindPeers(network.RegionAuto)
	candidates := peers[:0]
	for _, p := range peers {
		if p == exit || p == c.id {
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		return [32]byte{}, ErrNoFirstHop
	}
	sort.Slice(candidates, func(i, j int) bool {
		return bytesLess(candidates[i], candidates[j])
	})
	h := sha256.New()
	h.Write(s.ID[:])
	h.Write(c.id[:])
	idx := binary.BigEndian.Uint64(h.Sum(nil)[:8]) % uint64(len(candidates))
	return candidates[idx], nil
}

func (c *Client) transmit(peer [32]byte, s *shard.Shard) {
	rb, err := c.substrate.SendShard(peer, s.Encode())
	if err != nil {
		c.log.Warningf("Transmit to %x failed: %v", peer[:8], err)
		return
	}
	if len(rb) == 0 {
		c.log.Debugf("Shard %x rejected by %x", s.ID[:8], peer[:8])
		return
	}
	receipt, err := shard.DecodeReceipt(rb)
	if err != nil {
		c.log.Debugf("Undecodable receipt from %x: %v", peer[:8], err)
		return
	}
	if receipt.ReceiverPubkey != peer || receipt.ShardID != s.ID {
		c.log.Warningf("Receipt from %x does not match the exchange", peer[:8])
		return
	}
	if err := c.ledger.Record(receipt); err != nil {
		c.log.Debugf("Receipt from %x rejected: %v", peer[:8], err)
	}
}

func (c *Client) inboundWorker() {
	for {
		select {
		case <-c.HaltCh():
			return
		case d, ok := <-c.substrate.Inbound():
			if !ok {
				return
			}
			c.onDelivery(d)
		}
	}
}

func (c *Client) onDelivery(d network.Delivery) {
	s, err := shard.DecodeCapped(d.Bytes, c.cfg.maxPayload())
	if err != nil {
		c.log.Debugf("Dropping malformed shard from %x: %v", d.From[:8], err)
		d.Respond(nil)
		return
	}
	if s.Type != shard.TypeResponse {
		c.log.Debugf("Dropping non response shard from %x", d.From[:8])
		d.Respond(nil)
		return
	}
	if s.SenderPubkey != d.From {
		c.log.Warningf("Sender spoof: shard %x claims %x, arrived from %x", s.ID[:8], s.SenderPubkey[:8], d.From[:8])
		d.Respond(nil)
		return
	}
	if s.Destination != c.id {
		c.log.Debugf("Dropping misdelivered shard %x for %x", s.ID[:8], s.Destination[:8])
		d.Respond(nil)
		return
	}

	p := c.pending.lookup(s.RequestID)
	if p == nil {
		// Late or unsolicited.  Nothing is owed for it.
		d.Respond(nil)
		return
	}
	if s.UserProof != p.userProof {
		c.log.Warningf("User proof mismatch on response %x", s.RequestID[:8])
		d.Respond(nil)
		return
	}

	receipt := shard.NewForwardReceipt(c.priv, s)
	rb, err := shard.EncodeReceipt(receipt)
	if err != nil {
		c.log.Errorf("Receipt encode failed: %v", err)
		d.Respond(nil)
		return
	}
	d.Respond(rb)

	out, complete := p.file(s)
	if !complete {
		return
	}
	c.pending.remove(s.RequestID)
	p.resolve(Result{Bytes: out})

	c.Lock()
	c.completed++
	completed := c.completed
	c.Unlock()
	c.notify(Event{Type: EventStat, RequestsCompleted: completed})
	c.log.Debugf("Request %x completed, %d bytes", s.RequestID[:8], len(out))
}
