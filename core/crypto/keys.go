// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package crypto provides identity key persistence for tunnelcraft nodes
// and clients.  An identity is an ed25519 keypair, stored on disk as the
// raw private key bytes.
package crypto

import (
	"fmt"
	"os"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
)

const keyFileMode = 0600

// GenerateKeypair generates a fresh ed25519 identity keypair.
func GenerateKeypair() (*ed25519.PrivateKey, *ed25519.PublicKey, error) {
	return ed25519.NewKeypair(rand.Reader)
}

// LoadKey loads an identity private key from the raw key file at path.
func LoadKey(path string) (*ed25519.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto: identity key file %s: unexpected size %d", path, len(b))
	}
	k := ed25519.NewEmptyPrivateKey()
	if err := k.FromBytes(b); err != nil {
		return nil, fmt.Errorf("crypto: identity key file %s: %w", path, err)
	}
	return k, nil
}

// SaveKey persists an identity private key to path as raw bytes, with
// permissions restricted to the owning user.
func SaveKey(path string, k *ed25519.PrivateKey) error {
	return os.WriteFile(path, k.Bytes(), keyFileMode)
}

// LoadOrGenerateKey loads the identity key stored at path, generating and
// persisting a fresh keypair when no key file exists yet.
func LoadOrGenerateKey(path string) (*ed25519.PrivateKey, *ed25519.PublicKey, error) {
	if _, err := os.Stat(path); err == nil {
		k, err := LoadKey(path)
		if err != nil {
			return nil, nil, err
		}
		return k, k.PublicKey(), nil
	} else if !os.IsNotExist(err) {
		return nil, nil, err
	}

	k, pub, err := GenerateKeypair()
	if err != nil {
		return nil, nil, err
	}
	if err := SaveKey(path, k); err != nil {
		return nil, nil, err
	}
	return k, pub, nil
}

// PublicKeyFromBytes deserializes a 32 byte ed25519 public key.
func PublicKeyFromBytes(b []byte) (*ed25519.PublicKey, error) {
	k := new(ed25519.PublicKey)
	if err := k.FromBytes(b); err != nil {
		return nil, err
	}
	return k, nil
}
