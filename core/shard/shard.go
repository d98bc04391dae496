// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package shard implements the tunnelcraft shard model and its wire
// codec.  Shards are the atomic unit of traversal: one coded fragment
// of a logical request or response, carried from hop to hop with only
// two mutable fields, the hop counter and the sender key.
package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/tunnelcraft/tunnelcraft/core/erasure"
)

const (
	// IDSize is the size of a ShardId or RequestId in bytes.
	IDSize = 32

	// KeySize is the size of a serialized public key in bytes.
	KeySize = 32

	// Version is the supported wire format version.
	Version = 1

	// DefaultMaxPayload is the default cap on a shard payload.
	DefaultMaxPayload = 64 * 1024

	preambleSize = 6
	headerSize   = preambleSize + 6*IDSize + 4 + 2 + 2 + 4
)

// magic is the 4 byte wire preamble constant.
var magic = [4]byte{0x54, 0x43, 0x53, 0x48}

// ErrMalformed is returned, wrapped with detail, whenever shard or
// receipt bytes fail to decode.
var ErrMalformed = errors.New("shard: malformed")

// Type discriminates request shards from response shards.
type Type uint8

const (
	// TypeRequest marks a shard travelling from a client toward an exit.
	TypeRequest Type = 0x00

	// TypeResponse marks a shard travelling from an exit back to a client.
	TypeResponse Type = 0x01
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Shard is one coded fragment of a logical payload in flight.  Relays
// mutate only HopsRemaining and SenderPubkey, so ID is stable across
// hops.
type Shard struct {
	Type Type

	ID          [IDSize]byte
	RequestID   [IDSize]byte
	UserPubkey  [KeySize]byte
	Destination [KeySize]byte
	UserProof   [IDSize]byte

	// SenderPubkey is the key of the process that last transmitted the
	// shard, overwritten on each hop.
	SenderPubkey [KeySize]byte

	HopsRemaining uint8
	TotalHops     uint8
	ShardIndex    uint8
	TotalShards   uint8

	ChunkIndex  uint16
	TotalChunks uint16

	Payload []byte
}

// ComputeID derives the deterministic shard identifier from the
// immutable shard fields.
func ComputeID(requestID, userPubkey [32]byte, shardType Type, chunkIndex uint16, shardIndex uint8, payload []byte) [IDSize]byte {
	h := sha256.New()
	h.Write(requestID[:])
	h.Write(userPubkey[:])
	h.Write([]byte{byte(shardType)})
	var idx [2]byte
	binary.BigEndian.PutUint16(idx[:], chunkIndex)
	h.Write(idx[:])
	h.Write([]byte{shardIndex})
	h.Write(payload)
	var id [IDSize]byte
	copy(id[:], h.Sum(nil))
	return id
}

// ComputeUserProof derives the settlement pool binding carried by every
// shard of a request: a hash over the request id, the user key, and the
// user's signature over the request id.  The signature itself never
// travels, so observers cannot link the proof back to the account
// without the client's cooperation.
func ComputeUserProof(requestID [32]byte, userPubkey *ed25519.PublicKey, requestIDSig []byte) [IDSize]byte {
	h := sha256.New()
	h.Write(requestID[:])
	h.Write(userPubkey.Bytes())
	h.Write(requestIDSig)
	var p [IDSize]byte
	copy(p[:], h.Sum(nil))
	return p
}

// BlindToken derives the per-hop pool token recorded in receipts in
// place of the raw user proof, so that colluding relays cannot
// correlate receipts for the same pool across hops.
func BlindToken(userProof, shardID [32]byte, receiverPubkey []byte) [IDSize]byte {
	h := sha256.New()
	h.Write(userProof[:])
	h.Write(shardID[:])
	h.Write(receiverPubkey)
	var t [IDSize]byte
	copy(t[:], h.Sum(nil))
	return t
}

// Encode serializes the shard into its wire representation.
func (s *Shard) Encode() []byte {
	b := make([]byte, 0, headerSize+len(s.Payload))
	b = append(b, magic[:]...)
	b = append(b, Version, byte(s.Type))
	b = append(b, s.ID[:]...)
	b = append(b, s.RequestID[:]...)
	b = append(b, s.UserPubkey[:]...)
	b = append(b, s.Destination[:]...)
	b = append(b, s.UserProof[:]...)
	b = append(b, s.SenderPubkey[:]...)
	b = append(b, s.HopsRemaining, s.TotalHops, s.ShardIndex, s.TotalShards)
	b = binary.BigEndian.AppendUint16(b, s.ChunkIndex)
	b = binary.BigEndian.AppendUint16(b, s.TotalChunks)
	b = binary.BigEndian.AppendUint32(b, uint32(len(s.Payload)))
	b = append(b, s.Payload...)
	return b
}

// Decode parses shard wire bytes, enforcing the default payload cap.
func Decode(b []byte) (*Shard, error) {
	return DecodeCapped(b, DefaultMaxPayload)
}

// DecodeCapped parses shard wire bytes with an explicit payload cap.
func DecodeCapped(b []byte, maxPayload uint32) (*Shard, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: truncated header: %d bytes", ErrMalformed, len(b))
	}
	if [4]byte(b[0:4]) != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	if b[4] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, b[4])
	}
	t := Type(b[5])
	if t != TypeRequest && t != TypeResponse {
		return nil, fmt.Errorf("%w: unknown shard type 0x%02x", ErrMalformed, b[5])
	}

	s := &Shard{Type: t}
	off := preambleSize
	for _, dst := range [][]byte{
		s.ID[:],
		s.RequestID[:],
		s.UserPubkey[:],
		s.Destination[:],
		s.UserProof[:],
		s.SenderPubkey[:],
	} {
		copy(dst, b[off:off+IDSize])
		off += IDSize
	}
	s.HopsRemaining = b[off]
	s.TotalHops = b[off+1]
	s.ShardIndex = b[off+2]
	s.TotalShards = b[off+3]
	off += 4
	s.ChunkIndex = binary.BigEndian.Uint16(b[off:])
	s.TotalChunks = binary.BigEndian.Uint16(b[off+2:])
	off += 4
	payloadLen := binary.BigEndian.Uint32(b[off:])
	off += 4

	if s.TotalShards != erasure.TotalShards {
		return nil, fmt.Errorf("%w: total_shards %d, expected %d", ErrMalformed, s.TotalShards, erasure.TotalShards)
	}
	if s.ShardIndex >= s.TotalShards {
		return nil, fmt.Errorf("%w: shard_index %d out of range", ErrMalformed, s.ShardIndex)
	}
	if s.TotalChunks == 0 || s.ChunkIndex >= s.TotalChunks {
		return nil, fmt.Errorf("%w: chunk_index %d out of range of %d", ErrMalformed, s.ChunkIndex, s.TotalChunks)
	}
	if payloadLen > maxPayload {
		return nil, fmt.Errorf("%w: payload length %d exceeds cap %d", ErrMalformed, payloadLen, maxPayload)
	}
	if uint32(len(b)-off) != payloadLen {
		return nil, fmt.Errorf("%w: payload length %d, have %d bytes", ErrMalformed, payloadLen, len(b)-off)
	}

	s.Payload = make([]byte, payloadLen)
	copy(s.Payload, b[off:])
	return s, nil
}

// Copy returns a deep copy of the shard, used when an engine needs to
// mutate the hop fields without aliasing the inbound buffer.
func (s *Shard) Copy() *Shard {
	c := *s
	c.Payload = make([]byte, len(s.Payload))
	copy(c.Payload, s.Payload)
	return &c
}
