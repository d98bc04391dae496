// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the TunnelCraft node daemon.
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/katzenpost/hpqc/sign/ed25519"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/shard"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
	"github.com/tunnelcraft/tunnelcraft/ledger"
	"github.com/tunnelcraft/tunnelcraft/network"
	"github.com/tunnelcraft/tunnelcraft/network/quictransport"
	"github.com/tunnelcraft/tunnelcraft/server/config"
	"github.com/tunnelcraft/tunnelcraft/server/internal/exit"
	"github.com/tunnelcraft/tunnelcraft/server/internal/instrument"
	"github.com/tunnelcraft/tunnelcraft/server/internal/relay"
)

const identityKeyFile = "identity.key"

// Server is a TunnelCraft node instance running the relay engine, the
// exit engine, or both.
type Server struct {
	cfg *config.Config

	identityKey *ed25519.PrivateKey
	id          [32]byte

	logBackend *log.Backend
	log        *logging.Logger

	ledger    *ledger.Ledger
	transport *quictransport.Transport
	mux       *roleMux
	relay     *relay.Relay
	exit      *exit.Exit
	metrics   *instrument.Listener

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// IdentityKey returns the running node's identity public key.
func (s *Server) IdentityKey() *ed25519.PublicKey {
	return s.identityKey.PublicKey()
}

// ID returns the running node's identity.
func (s *Server) ID() [32]byte {
	return s.id
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
		return
	}
	s.log.Notice("Log rotated.")
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	if s.metrics != nil {
		s.metrics.Shutdown()
		s.metrics = nil
	}

	// Engines first so nothing is consuming the substrate when it
	// goes away.
	if s.relay != nil {
		s.relay.Shutdown()
		s.relay = nil
	}
	if s.exit != nil {
		s.exit.Shutdown()
		s.exit = nil
	}
	if s.mux != nil {
		s.mux.Halt()
		s.mux = nil
	}
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	if s.ledger != nil {
		s.ledger.Shutdown()
		s.ledger = nil
	}

	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)

	// Initialize the node identity.
	var err error
	keyFile := filepath.Join(s.cfg.Server.DataDir, identityKeyFile)
	if s.identityKey, _, err = crypto.LoadOrGenerateKey(keyFile); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	copy(s.id[:], s.identityKey.PublicKey().Bytes())
	s.log.Noticef("Server identity public key is: %x", s.id)

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	if s.ledger, err = ledger.New(s.cfg.Server.DataDir, s.logBackend); err != nil {
		s.log.Errorf("Failed to initialize receipt ledger: %v", err)
		return nil, err
	}

	if s.transport, err = quictransport.New(s.id, &quictransport.Config{
		ListenAddress: s.cfg.Server.Address,
		AddressBook:   s.cfg.AddressBook(),
	}, s.logBackend); err != nil {
		s.log.Errorf("Failed to initialize transport: %v", err)
		return nil, err
	}

	directory := s.cfg.Directory()

	// A dual role node splits the inbound stream between the two
	// engines, everything else runs against the transport directly.
	var relaySubstrate, exitSubstrate network.Substrate = s.transport, s.transport
	if s.cfg.Server.IsRelayNode && s.cfg.Server.IsExitNode {
		s.mux = newRoleMux(s.transport, s.id, s.logBackend)
		relaySubstrate = s.mux.relayEndpoint()
		exitSubstrate = s.mux.exitEndpoint()
	}

	if s.cfg.Server.IsRelayNode {
		rCfg := &relay.Config{
			ForwardUnverifiedResponses: *s.cfg.Relay.ForwardUnverifiedResponses,
			CacheTTL:                   s.cfg.Relay.CacheTTL(),
			CacheCapacity:              s.cfg.Relay.CacheCapacity,
			RouteSlack:                 uint8(s.cfg.Relay.RouteSlack),
		}
		if s.relay, err = relay.New(s.identityKey, rCfg, relaySubstrate, directory, s.ledger, nil, s.logBackend); err != nil {
			s.log.Errorf("Failed to initialize relay engine: %v", err)
			return nil, err
		}
		s.log.Notice("Relay engine is up.")
	}

	if s.cfg.Server.IsExitNode {
		eCfg := &exit.Config{
			BlockedDomains:     s.cfg.Exit.BlockedDomains,
			MaxResponseSize:    s.cfg.Exit.MaxResponseSize,
			PendingTTL:         s.cfg.Exit.PendingTTL(),
			SessionIdleTimeout: s.cfg.Exit.SessionIdleTimeout(),
			SweepInterval:      s.cfg.Exit.SweepInterval(),
			PerUserSessionCap:  s.cfg.Exit.PerUserSessionCap,
		}
		if s.exit, err = exit.New(s.identityKey, eCfg, exitSubstrate, directory, s.ledger, s.logBackend); err != nil {
			s.log.Errorf("Failed to initialize exit engine: %v", err)
			return nil, err
		}
		s.log.Notice("Exit engine is up.")
	}

	if s.cfg.Server.MetricsAddress != "" {
		s.metrics = instrument.StartMetricsListener(s.cfg.Server.MetricsAddress)
		s.log.Noticef("Metrics listener is up on %v.", s.cfg.Server.MetricsAddress)
	}

	isOk = true
	return s, nil
}

// roleMux fans the substrate's inbound stream out to the relay and
// exit engines on a dual role node.  Request shards addressed to this
// node belong to the exit, everything else belongs to the relay.
type roleMux struct {
	worker.Worker

	log   *logging.Logger
	inner network.Substrate
	id    [32]byte

	relayCh chan network.Delivery
	exitCh  chan network.Delivery
}

func newRoleMux(inner network.Substrate, id [32]byte, logBackend *log.Backend) *roleMux {
	m := &roleMux{
		log:     logBackend.GetLogger("rolemux"),
		inner:   inner,
		id:      id,
		relayCh: make(chan network.Delivery, 64),
		exitCh:  make(chan network.Delivery, 64),
	}
	m.Go(m.splitWorker)
	return m
}

func (m *roleMux) splitWorker() {
	for {
		select {
		case <-m.HaltCh():
			return
		case d, ok := <-m.inner.Inbound():
			if !ok {
				return
			}
			select {
			case m.route(d) <- d:
			case <-m.HaltCh():
				return
			}
		}
	}
}

func (m *roleMux) route(d network.Delivery) chan network.Delivery {
	s, err := shard.Decode(d.Bytes)
	if err != nil {
		// The relay owns the malformed reject path.
		return m.relayCh
	}
	if s.Type == shard.TypeRequest && s.Destination == m.id {
		return m.exitCh
	}
	return m.relayCh
}

func (m *roleMux) relayEndpoint() network.Substrate {
	return &muxEndpoint{inner: m.inner, ch: m.relayCh}
}

func (m *roleMux) exitEndpoint() network.Substrate {
	return &muxEndpoint{inner: m.inner, ch: m.exitCh}
}

// muxEndpoint is one engine's view of a shared substrate.  Close is a
// no-op, the daemon owns the transport's lifetime.
type muxEndpoint struct {
	inner network.Substrate
	ch    chan network.Delivery
}

func (ep *muxEndpoint) SendShard(peer [32]byte, b []byte) ([]byte, error) {
	return ep.inner.SendShard(peer, b)
}

func (ep *muxEndpoint) Inbound() <-chan network.Delivery {
	return ep.ch
}

func (ep *muxEndpoint) Close() error {
	return nil
}
