// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/sign/ed25519"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/ledger"
	"github.com/tunnelcraft/tunnelcraft/network"
	"github.com/tunnelcraft/tunnelcraft/network/quictransport"
)

// DaemonConfig is everything the assembled client daemon needs, built
// by the config package from the TOML file.
type DaemonConfig struct {
	// DataDir holds the identity key and the receipt ledger.
	DataDir string

	// IdentityKeyFile is the signing key path relative to DataDir.
	IdentityKeyFile string

	// ListenAddress is the local QUIC endpoint, empty for outbound
	// only operation.
	ListenAddress string

	// SOCKSAddress and IPCSocket are the local proxy surfaces.
	SOCKSAddress string
	IPCSocket    string

	// PrivacyLevel and Region seed the engine configuration.
	PrivacyLevel PrivacyLevel
	Region       network.Region

	// RequestDeadline bounds every request, zero selecting the
	// default.
	RequestDeadline time.Duration

	// Directory and AddressBook describe the statically configured
	// mesh.
	Directory   network.Discovery
	AddressBook map[[32]byte]string

	// LogFile, LogLevel and LogDisable configure the backend.
	LogFile    string
	LogLevel   string
	LogDisable bool
}

// Daemon bundles the client engine with its SOCKS5 and IPC frontends.
type Daemon struct {
	cfg *DaemonConfig

	identityKey *ed25519.PrivateKey

	logBackend *log.Backend
	log        *logging.Logger

	ledger    *ledger.Ledger
	transport *quictransport.Transport
	client    *Client
	socks     *SOCKSServer
	ipc       *IPCServer

	haltedCh chan interface{}
	haltOnce sync.Once
}

func (d *Daemon) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	dir := d.cfg.DataDir

	if fi, err := os.Lstat(dir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("client: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(dir, dirMode); err != nil {
			return fmt.Errorf("client: failed to create DataDir: %v", err)
		}
	} else if !fi.IsDir() {
		return fmt.Errorf("client: DataDir '%v' is not a directory", dir)
	}
	return nil
}

func (d *Daemon) initLogging() error {
	p := d.cfg.LogFile
	if !d.cfg.LogDisable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(d.cfg.DataDir, p)
	}

	var err error
	d.logBackend, err = log.New(p, d.cfg.LogLevel, d.cfg.LogDisable)
	if err == nil {
		d.log = d.logBackend.GetLogger("daemon")
	}
	return err
}

// Client returns the embedded client engine.
func (d *Daemon) Client() *Client {
	return d.client
}

// Shutdown cleanly shuts down the daemon.
func (d *Daemon) Shutdown() {
	d.haltOnce.Do(func() { d.halt() })
}

// Wait waits till the daemon is terminated for any reason.
func (d *Daemon) Wait() {
	<-d.haltedCh
}

func (d *Daemon) halt() {
	d.log.Noticef("Starting graceful shutdown.")

	if d.socks != nil {
		d.socks.Shutdown()
		d.socks = nil
	}
	if d.ipc != nil {
		d.ipc.Shutdown()
		d.ipc = nil
	}
	if d.client != nil {
		d.client.Shutdown()
		d.client = nil
	}
	if d.transport != nil {
		_ = d.transport.Close()
		d.transport = nil
	}
	if d.ledger != nil {
		d.ledger.Shutdown()
		d.ledger = nil
	}

	d.log.Noticef("Shutdown complete.")
	close(d.haltedCh)
}

// NewDaemon assembles and starts the client daemon.
func NewDaemon(cfg *DaemonConfig) (*Daemon, error) {
	d := &Daemon{
		cfg:      cfg,
		haltedCh: make(chan interface{}),
	}

	if err := d.initDataDir(); err != nil {
		return nil, err
	}
	if err := d.initLogging(); err != nil {
		return nil, err
	}

	var err error
	keyFile := filepath.Join(cfg.DataDir, cfg.IdentityKeyFile)
	if d.identityKey, _, err = crypto.LoadOrGenerateKey(keyFile); err != nil {
		d.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	d.log.Noticef("Client identity public key is: %x", d.identityKey.PublicKey().Bytes())

	isOk := false
	defer func() {
		if !isOk {
			d.Shutdown()
		}
	}()

	if d.ledger, err = ledger.New(cfg.DataDir, d.logBackend); err != nil {
		d.log.Errorf("Failed to initialize receipt ledger: %v", err)
		return nil, err
	}

	var id [32]byte
	copy(id[:], d.identityKey.PublicKey().Bytes())
	if d.transport, err = quictransport.New(id, &quictransport.Config{
		ListenAddress: cfg.ListenAddress,
		AddressBook:   cfg.AddressBook,
	}, d.logBackend); err != nil {
		d.log.Errorf("Failed to initialize transport: %v", err)
		return nil, err
	}

	cCfg := &Config{
		PrivacyLevel:    cfg.PrivacyLevel,
		Region:          cfg.Region,
		RequestDeadline: cfg.RequestDeadline,
	}
	if d.client, err = New(d.identityKey, cCfg, d.transport, cfg.Directory, d.ledger, d.logBackend); err != nil {
		d.log.Errorf("Failed to initialize client engine: %v", err)
		return nil, err
	}

	if cfg.SOCKSAddress != "" {
		if d.socks, err = NewSOCKSServer(d.client, cfg.SOCKSAddress, d.logBackend); err != nil {
			d.log.Errorf("Failed to initialize SOCKS server: %v", err)
			return nil, err
		}
		d.log.Noticef("SOCKS5 proxy is up on %v.", d.socks.Addr())
	}

	ipcPath := cfg.IPCSocket
	if ipcPath != "" {
		if !filepath.IsAbs(ipcPath) {
			ipcPath = filepath.Join(cfg.DataDir, ipcPath)
		}
		if d.ipc, err = NewIPCServer(d.client, ipcPath, d.logBackend); err != nil {
			d.log.Errorf("Failed to initialize IPC server: %v", err)
			return nil, err
		}
		d.log.Noticef("IPC listener is up on %v.", ipcPath)
	}

	isOk = true
	return d, nil
}
