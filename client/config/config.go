// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config implements the client daemon configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tunnelcraft/tunnelcraft/client"
	"github.com/tunnelcraft/tunnelcraft/network"
)

const (
	defaultLogLevel        = "NOTICE"
	defaultSOCKSAddress    = "127.0.0.1:1080"
	defaultIPCSocket       = "tunnelcraft.sock"
	defaultRequestTimeout  = 30
	defaultIdentityKeyFile = "identity.key"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
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

// Peer is one statically configured relay peer.
type Peer struct {
	// PublicKey is the peer identity, hex encoded.
	PublicKey string

	// Address is the dialable host:port of the peer's QUIC endpoint.
	Address string

	// Region is the peer's advertised region code.
	Region string
}

func (p *Peer) validate() error {
	if _, err := decodeKey(p.PublicKey); err != nil {
		return fmt.Errorf("config: Peer: PublicKey: %w", err)
	}
	if p.Address == "" {
		return fmt.Errorf("config: Peer '%v' has no Address", p.PublicKey)
	}
	if p.Region == "" {
		p.Region = string(network.RegionAuto)
	}
	if !network.Region(p.Region).Valid() {
		return fmt.Errorf("config: Peer: Region '%v' is invalid", p.Region)
	}
	return nil
}

// Exit is one statically configured exit.
type Exit struct {
	// PublicKey is the exit identity, hex encoded.
	PublicKey string

	// Address is the dialable host:port of the exit's QUIC endpoint.
	Address string

	// Region is the exit's advertised region code.
	Region string

	// AdvertisedLoad is the exit's self reported load figure.
	AdvertisedLoad uint32
}

func (e *Exit) validate() error {
	if _, err := decodeKey(e.PublicKey); err != nil {
		return fmt.Errorf("config: Exit: PublicKey: %w", err)
	}
	if e.Address == "" {
		return fmt.Errorf("config: Exit '%v' has no Address", e.PublicKey)
	}
	if e.Region == "" {
		e.Region = string(network.RegionAuto)
	}
	if !network.Region(e.Region).Valid() {
		return fmt.Errorf("config: Exit: Region '%v' is invalid", e.Region)
	}
	return nil
}

// Proxy configures the local listeners.
type Proxy struct {
	// SOCKSAddress is the loopback address the SOCKS5 server binds.
	SOCKSAddress string

	// IPCSocket is the Unix socket path of the control protocol.
	IPCSocket string
}

func (p *Proxy) fixup() {
	if p.SOCKSAddress == "" {
		p.SOCKSAddress = defaultSOCKSAddress
	}
	if p.IPCSocket == "" {
		p.IPCSocket = defaultIPCSocket
	}
}

// Debug holds tunables nobody should need in production.
type Debug struct {
	// RequestTimeout is the pending request deadline in seconds.
	RequestTimeout int
}

func (d *Debug) fixup() {
	if d.RequestTimeout == 0 {
		d.RequestTimeout = defaultRequestTimeout
	}
}

// Config is the top level client daemon configuration.
type Config struct {
	// DataDir is where keys and the receipt ledger live.
	DataDir string

	// IdentityKeyFile is the signing key path relative to DataDir,
	// generated on first use when absent.
	IdentityKeyFile string

	// ListenAddress is the local QUIC endpoint, empty for outbound
	// only operation.
	ListenAddress string

	// PrivacyLevel is the startup privacy level: Direct, Light,
	// Standard or Paranoid.
	PrivacyLevel string

	// Region biases exit selection.
	Region string

	Proxy   *Proxy
	Logging *Logging
	Debug   *Debug

	Peers []*Peer
	Exits []*Exit
}

// ParsedPrivacyLevel maps the configured name to the engine level.
func (c *Config) ParsedPrivacyLevel() client.PrivacyLevel {
	switch strings.ToLower(c.PrivacyLevel) {
	case "direct":
		return client.Direct
	case "light":
		return client.Light
	case "", "standard":
		return client.Standard
	case "paranoid":
		return client.Paranoid
	default:
		return client.Standard
	}
}

// Directory builds the static discovery view from the configured
// peers and exits.
func (c *Config) Directory() *network.StaticDirectory {
	d := network.NewStaticDirectory()
	for _, p := range c.Peers {
		id, _ := decodeKey(p.PublicKey)
		d.AddPeer(id, network.Region(p.Region))
	}
	for _, e := range c.Exits {
		id, _ := decodeKey(e.PublicKey)
		d.AddExit(network.ExitInfo{
			Pubkey:         id,
			Region:         network.Region(e.Region),
			AdvertisedLoad: e.AdvertisedLoad,
		})
	}
	return d
}

// AddressBook builds the transport dialing table.
func (c *Config) AddressBook() map[[32]byte]string {
	book := make(map[[32]byte]string)
	for _, p := range c.Peers {
		id, _ := decodeKey(p.PublicKey)
		book[id] = p.Address
	}
	for _, e := range c.Exits {
		id, _ := decodeKey(e.PublicKey)
		book[id] = e.Address
	}
	return book
}

// FixupAndValidate applies defaults to config entries and validates
// the configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: No DataDir was present")
	}
	if c.IdentityKeyFile == "" {
		c.IdentityKeyFile = defaultIdentityKeyFile
	}
	if c.Logging == nil {
		c.Logging = &defaultLogging
	}
	if c.Proxy == nil {
		c.Proxy = &Proxy{}
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}
	c.Proxy.fixup()
	c.Debug.fixup()

	if err := c.Logging.validate(); err != nil {
		return err
	}
	switch strings.ToLower(c.PrivacyLevel) {
	case "", "direct", "light", "standard", "paranoid":
	default:
		return fmt.Errorf("config: PrivacyLevel '%v' is invalid", c.PrivacyLevel)
	}
	if c.Region != "" && !network.Region(c.Region).Valid() {
		return fmt.Errorf("config: Region '%v' is invalid", c.Region)
	}
	for _, p := range c.Peers {
		if err := p.validate(); err != nil {
			return err
		}
	}
	for _, e := range c.Exits {
		if err := e.validate(); err != nil {
			return err
		}
	}
	return nil
}

// DaemonConfig assembles the validated configuration into the client
// daemon's wiring.
func (c *Config) DaemonConfig() *client.DaemonConfig {
	region := network.RegionAuto
	if c.Region != "" {
		region = network.Region(c.Region)
	}
	return &client.DaemonConfig{
		DataDir:         c.DataDir,
		IdentityKeyFile: c.IdentityKeyFile,
		ListenAddress:   c.ListenAddress,
		SOCKSAddress:    c.Proxy.SOCKSAddress,
		IPCSocket:       c.Proxy.IPCSocket,
		PrivacyLevel:    c.ParsedPrivacyLevel(),
		Region:          region,
		RequestDeadline: time.Duration(c.Debug.RequestTimeout) * time.Second,
		Directory:       c.Directory(),
		AddressBook:     c.AddressBook(),
		LogFile:         c.Logging.File,
		LogLevel:        c.Logging.Level,
		LogDisable:      c.Logging.Disable,
	}
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

func decodeKey(s string) ([32]byte, error) {
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
