// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package shard

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/tunnelcraft/tunnelcraft/core/epochtime"
)

// SignatureSize is the size of a receipt signature in bytes.
const SignatureSize = 64

// receiptSignableSize is the fixed size of the receipt signature base.
const receiptSignableSize = 5*IDSize + 4 + 8 + 8

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic("shard: cbor encoder init: " + err.Error())
	}
}

// ForwardReceipt is produced by the receiver of a shard and returned to
// the sender as proof of delivery.  The UserProof slot carries the per
// hop blind token rather than the shard's raw user proof.
type ForwardReceipt struct {
	RequestID      [IDSize]byte            `cbor:"request_id"`
	ShardID        [IDSize]byte            `cbor:"shard_id"`
	SenderPubkey   [KeySize]byte           `cbor:"sender_pubkey"`
	ReceiverPubkey [KeySize]byte           `cbor:"receiver_pubkey"`
	UserProof      [IDSize]byte            `cbor:"user_proof"`
	PayloadSize    uint32                  `cbor:"payload_size"`
	Epoch          uint64                  `cbor:"epoch"`
	Timestamp      uint64                  `cbor:"timestamp"`
	Signature      [SignatureSize]byte     `cbor:"signature"`
}

// Signable returns the fixed width signature base: every field except
// the signature, scalars in little endian order.
func (r *ForwardReceipt) Signable() []byte {
	b := make([]byte, 0, receiptSignableSize)
	b = append(b, r.RequestID[:]...)
	b = append(b, r.ShardID[:]...)
	b = append(b, r.SenderPubkey[:]...)
	b = append(b, r.ReceiverPubkey[:]...)
	b = append(b, r.UserProof[:]...)
	b = append(b,
		byte(r.PayloadSize), byte(r.PayloadSize>>8), byte(r.PayloadSize>>16), byte(r.PayloadSize>>24))
	for i := 0; i < 8; i++ {
		b = append(b, byte(r.Epoch>>(8*i)))
	}
	for i := 0; i < 8; i++ {
		b = append(b, byte(r.Timestamp>>(8*i)))
	}
	return b
}

// Sign signs the receipt with the receiver's identity key.  The
// ReceiverPubkey field must already be populated with the signer's key.
func (r *ForwardReceipt) Sign(k *ed25519.PrivateKey) {
	copy(r.Signature[:], k.SignMessage(r.Signable()))
}

// Verify checks the receipt signature against the embedded receiver key.
func (r *ForwardReceipt) Verify() error {
	pub := new(ed25519.PublicKey)
	if err := pub.FromBytes(r.ReceiverPubkey[:]); err != nil {
		return fmt.Errorf("%w: receiver key: %v", ErrMalformed, err)
	}
	if !pub.Verify(r.Signature[:], r.Signable()) {
		return fmt.Errorf("%w: bad receipt signature", ErrMalformed)
	}
	return nil
}

// NewForwardReceipt builds and signs a receipt for an accepted shard,
// crediting the shard's current sender.
func NewForwardReceipt(k *ed25519.PrivateKey, s *Shard) *ForwardReceipt {
	receiver := k.PublicKey()
	epoch, _, _ := epochtime.Now()
	r := &ForwardReceipt{
		RequestID:    s.RequestID,
		ShardID:      s.ID,
		SenderPubkey: s.SenderPubkey,
		UserProof:    BlindToken(s.UserProof, s.ID, receiver.Bytes()),
		PayloadSize:  uint32(len(s.Payload)),
		Epoch:        epoch,
		Timestamp:    uint64(time.Now().Unix()),
	}
	copy(r.ReceiverPubkey[:], receiver.Bytes())
	r.Sign(k)
	return r
}

// EncodeReceipt serializes a receipt for the substrate return channel.
func EncodeReceipt(r *ForwardReceipt) ([]byte, error) {
	return cborEnc.Marshal(r)
}

// DecodeReceipt parses receipt bytes.
func DecodeReceipt(b []byte) (*ForwardReceipt, error) {
	r := new(ForwardReceipt)
	if err := cbor.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("%w: receipt: %v", ErrMalformed, err)
	}
	return r, nil
}
