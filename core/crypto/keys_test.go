// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateKey(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")

	priv1, pub1, err := LoadOrGenerateKey(path)
	require.NoError(err)
	require.NotNil(priv1)
	require.NotNil(pub1)

	fi, err := os.Stat(path)
	require.NoError(err)
	require.Equal(os.FileMode(0600), fi.Mode().Perm(), "key file permissions")

	priv2, pub2, err := LoadOrGenerateKey(path)
	require.NoError(err)
	require.Equal(priv1.Bytes(), priv2.Bytes(), "reload must yield the same private key")
	require.Equal(pub1.Bytes(), pub2.Bytes(), "reload must yield the same public key")
}

func TestLoadKeyRejectsTruncated(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "identity.key")
	require.NoError(os.WriteFile(path, []byte("short"), 0600))

	_, err := LoadKey(path)
	require.Error(err)
}

func TestSignRoundTrip(t *testing.T) {
	require := require.New(t)

	priv, pub, err := GenerateKeypair()
	require.NoError(err)

	msg := []byte("shard bytes to be receipted")
	sig := priv.SignMessage(msg)
	require.True(pub.Verify(sig, msg))
	require.False(pub.Verify(sig, append(msg, 0x00)))

	pub2, err := PublicKeyFromBytes(pub.Bytes())
	require.NoError(err)
	require.True(pub2.Verify(sig, msg))
}
