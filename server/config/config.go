// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides the TunnelCraft server configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tunnelcraft/tunnelcraft/network"
)

const (
	defaultLogLevel = "NOTICE"

	defaultCacheTTLSeconds      = 300
	defaultCacheCapacity        = 100000
	defaultPendingTTLSeconds    = 60
	defaultSessionIdleSeconds   = 120
	defaultSweepIntervalSeconds = 30
	defaultPerUserSessionCap    = 32
	defaultMaxResponseSize      = 16 * 1024 * 1024
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the top level server section.
type Server struct {
	// Identifier is the human readable identifier for the node.
	Identifier string

	// Address is the listener address the QUIC endpoint binds to.
	Address string

	// MetricsAddress is the address/port to bind the prometheus
	// metrics endpoint to, empty disabling it.
	MetricsAddress string

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// Region is the node's advertised region code.
	Region string

	// IsRelayNode runs the shard forwarding engine.
	IsRelayNode bool

	// IsExitNode runs the exit dispatch engine.
	IsExitNode bool
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if sCfg.Address == "" {
		return errors.New("config: Server: Address is not set")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.Region == "" {
		sCfg.Region = string(network.RegionAuto)
	}
	if !network.Region(sCfg.Region).Valid() {
		return fmt.Errorf("config: Server: Region '%v' is invalid", sCfg.Region)
	}
	if !sCfg.IsRelayNode && !sCfg.IsExitNode {
		return errors.New("config: Server: node is neither relay nor exit")
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Relay holds the forwarding engine tunables.
type Relay struct {
	// ForwardUnverifiedResponses forwards response shards whose
	// request binding is unknown instead of rejecting them.
	ForwardUnverifiedResponses *bool

	// CacheTTLSeconds bounds request binding lifetime.
	CacheTTLSeconds int

	// CacheCapacity bounds the binding cache size.
	CacheCapacity int

	// RouteSlack is the sighting allowance on top of total_hops.
	RouteSlack int
}

func (rCfg *Relay) applyDefaults() {
	if rCfg.ForwardUnverifiedResponses == nil {
		t := true
		rCfg.ForwardUnverifiedResponses = &t
	}
	if rCfg.CacheTTLSeconds == 0 {
		rCfg.CacheTTLSeconds = defaultCacheTTLSeconds
	}
	if rCfg.CacheCapacity == 0 {
		rCfg.CacheCapacity = defaultCacheCapacity
	}
}

func (rCfg *Relay) validate() error {
	if rCfg.RouteSlack < 0 || rCfg.RouteSlack > 255 {
		return fmt.Errorf("config: Relay: RouteSlack '%v' is out of range", rCfg.RouteSlack)
	}
	return nil
}

// CacheTTL returns the binding TTL as a duration.
func (rCfg *Relay) CacheTTL() time.Duration {
	return time.Duration(rCfg.CacheTTLSeconds) * time.Second
}

// Exit holds the exit engine tunables.
type Exit struct {
	// BlockedDomains lists hostnames refused with a synthetic 451,
	// subdomains included.
	BlockedDomains []string

	// MaxResponseSize caps upstream HTTP response bodies in bytes.
	MaxResponseSize int64

	// PendingTTLSeconds bounds half assembled request lifetime.
	PendingTTLSeconds int

	// SessionIdleSeconds reaps tunnel sessions idle longer than this.
	SessionIdleSeconds int

	// SweepIntervalSeconds paces the background hygiene pass.
	SweepIntervalSeconds int

	// PerUserSessionCap bounds concurrent tunnel sessions per user.
	PerUserSessionCap int
}

func (eCfg *Exit) applyDefaults() {
	if eCfg.MaxResponseSize == 0 {
		eCfg.MaxResponseSize = defaultMaxResponseSize
	}
	if eCfg.PendingTTLSeconds == 0 {
		eCfg.PendingTTLSeconds = defaultPendingTTLSeconds
	}
	if eCfg.SessionIdleSeconds == 0 {
		eCfg.SessionIdleSeconds = defaultSessionIdleSeconds
	}
	if eCfg.SweepIntervalSeconds == 0 {
		eCfg.SweepIntervalSeconds = defaultSweepIntervalSeconds
	}
	if eCfg.PerUserSessionCap == 0 {
		eCfg.PerUserSessionCap = defaultPerUserSessionCap
	}
}

// PendingTTL returns the pending request TTL as a duration.
func (eCfg *Exit) PendingTTL() time.Duration {
	return time.Duration(eCfg.PendingTTLSeconds) * time.Second
}

// SessionIdleTimeout returns the session idle threshold as a duration.
func (eCfg *Exit) SessionIdleTimeout() time.Duration {
	return time.Duration(eCfg.SessionIdleSeconds) * time.Second
}

// SweepInterval returns the hygiene pass period as a duration.
func (eCfg *Exit) SweepInterval() time.Duration {
	return time.Duration(eCfg.SweepIntervalSeconds) * time.Second
}

// Peer is one statically configured peer node.
type Peer struct {
	// PublicKey is the peer identity, hex encoded.
	PublicKey string

	// Address is the dialable host:port of the peer's QUIC endpoint.
	Address string

	// Region is the peer's advertised region code.
	Region string

	// IsExit marks the peer as an advertised exit.
	IsExit bool

	// AdvertisedLoad is the exit's self reported load figure.
	AdvertisedLoad uint32
}

func (pCfg *Peer) validate() error {
	if _, err := DecodeKey(pCfg.PublicKey); err != nil {
		return fmt.Errorf("config: Peer: PublicKey: %w", err)
	}
	if pCfg.Address == "" {
		return fmt.Errorf("config: Peer '%v' has no Address", pCfg.PublicKey)
	}
	if pCfg.Region == "" {
		pCfg.Region = string(network.RegionAuto)
	}
	if !network.Region(pCfg.Region).Valid() {
		return fmt.Errorf("config: Peer: Region '%v' is invalid", pCfg.Region)
	}
	return nil
}

// Config is the top level server configuration.
type Config struct {
	Server  *Server
	Logging *Logging
	Relay   *Relay
	Exit    *Exit

	Peers []*Peer
}

// Directory builds the static discovery view from the configured
// peers.
func (cfg *Config) Directory() *network.StaticDirectory {
	d := network.NewStaticDirectory()
	for _, p := range cfg.Peers {
		id, _ := DecodeKey(p.PublicKey)
		d.AddPeer(id, network.Region(p.Region))
		if p.IsExit {
			d.AddExit(network.ExitInfo{
				Pubkey:         id,
				Region:         network.Region(p.Region),
				AdvertisedLoad: p.AdvertisedLoad,
			})
		}
	}
	return d
}

// AddressBook builds the transport dialing table.
func (cfg *Config) AddressBook() map[[32]byte]string {
	book := make(map[[32]byte]string)
	for _, p := range cfg.Peers {
		id, _ := DecodeKey(p.PublicKey)
		book[id] = p.Address
	}
	return book
}

// FixupAndValidate applies defaults to config entries and validates
// the configuration sections.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Relay == nil {
		cfg.Relay = &Relay{}
	}
	if cfg.Exit == nil {
		cfg.Exit = &Exit{}
	}
	cfg.Relay.applyDefaults()
	cfg.Exit.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Relay.validate(); err != nil {
		return err
	}
	for _, p := range cfg.Peers {
		if err := p.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file
// body and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// DecodeKey parses a hex encoded 32 byte identity.
func DecodeKey(s string) ([32]byte, error) {
	var id [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != 32 {
		return id, fmt.Errorf("key is %d bytes, want 32", len(b))
	}
	copy(id[:], b)
	return id, nil
}
