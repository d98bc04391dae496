// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/client"
	"github.com/tunnelcraft/tunnelcraft/network"
)

const peerKey = "1111111111111111111111111111111111111111111111111111111111111111"
const exitKey = "2222222222222222222222222222222222222222222222222222222222222222"

func TestLoadFull(t *testing.T) {
	require := require.New(t)

	raw := `
DataDir = "/var/lib/tunnelcraft"
PrivacyLevel = "paranoid"
Region = "eu"

[Proxy]
SOCKSAddress = "127.0.0.1:9050"
IPCSocket = "/run/tunnelcraft.sock"

[Logging]
Level = "debug"

[[Peers]]
PublicKey = "` + peerKey + `"
Address = "relay-1.example:6363"
Region = "eu"

[[Exits]]
PublicKey = "` + exitKey + `"
Address = "exit-1.example:6363"
Region = "na"
AdvertisedLoad = 17
`
	cfg, err := Load([]byte(raw))
	require.NoError(err)
	require.Equal(client.Paranoid, cfg.ParsedPrivacyLevel())
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal("127.0.0.1:9050", cfg.Proxy.SOCKSAddress)
	require.Equal(defaultRequestTimeout, cfg.Debug.RequestTimeout)

	dir := cfg.Directory()
	require.Len(dir.FindPeers(network.RegionEU), 1)
	exits := dir.FindExits()
	require.Len(exits, 1)
	require.Equal(uint32(17), exits[0].AdvertisedLoad)

	book := cfg.AddressBook()
	require.Len(book, 2)
}

func TestLoadDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`DataDir = "/tmp/tc"`))
	require.NoError(err)
	require.Equal(client.Standard, cfg.ParsedPrivacyLevel())
	require.Equal(defaultSOCKSAddress, cfg.Proxy.SOCKSAddress)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load([]byte("DataDir = \"/tmp/tc\"\nBogusKey = 1\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "Undecoded")
}

func TestLoadRejectsMissingDataDir(t *testing.T) {
	_, err := Load([]byte(`PrivacyLevel = "light"`))
	require.Error(t, err)
}

func TestLoadRejectsBadPeer(t *testing.T) {
	raw := `
DataDir = "/tmp/tc"

[[Peers]]
PublicKey = "deadbeef"
Address = "x:1"
`
	_, err := Load([]byte(raw))
	require.Error(t, err)

	raw = strings.Replace(raw, `"deadbeef"`, `"`+peerKey+`"`, 1)
	raw = strings.Replace(raw, `Address = "x:1"`, `Address = ""`, 1)
	_, err = Load([]byte(raw))
	require.Error(t, err)
}

func TestLoadRejectsBadPrivacyLevel(t *testing.T) {
	_, err := Load([]byte("DataDir = \"/tmp/tc\"\nPrivacyLevel = \"invisible\"\n"))
	require.Error(t, err)
}
