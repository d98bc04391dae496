// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger implements the local receipt ledger.  Every node
// accrues forwarding receipts as shards pass through it; the ledger
// deduplicates them, survives restarts when given a data directory,
// and serves the bandwidth aggregates the settlement collaborator
// reads.
package ledger

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/shard"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
)

const (
	receiptsBucket  = "receipts"
	handedOffBucket = "handedOff"

	writeBackInterval = 30 * time.Second
)

// Key is the receipt dedup key.  The same shard reaching a receiver
// twice must not double credit.
type Key struct {
	RequestID      [32]byte
	ShardID        [32]byte
	ReceiverPubkey [32]byte
}

func keyOf(r *shard.ForwardReceipt) Key {
	return Key{
		RequestID:      r.RequestID,
		ShardID:        r.ShardID,
		ReceiverPubkey: r.ReceiverPubkey,
	}
}

func (k Key) bytes() []byte {
	b := make([]byte, 0, 96)
	b = append(b, k.RequestID[:]...)
	b = append(b, k.ShardID[:]...)
	b = append(b, k.ReceiverPubkey[:]...)
	return b
}

type entry struct {
	receipt *shard.ForwardReceipt // nil once handed off

	sender      [32]byte
	payloadSize uint32
	recordedAt  time.Time

	dirty bool
}

// Ledger is the local receipt store.
type Ledger struct {
	worker.Worker
	sync.Mutex

	log     *logging.Logger
	db      *bbolt.DB
	entries map[Key]*entry
}

// New creates a receipt ledger.  When dataDir is empty the ledger is
// purely in memory; otherwise recorded receipts are written back to a
// bbolt store under dataDir so drained bodies survive a crash until
// the settlement collaborator confirms them.
func New(dataDir string, logBackend *log.Backend) (*Ledger, error) {
	l := &Ledger{
		log:     logBackend.GetLogger("ledger"),
		entries: make(map[Key]*entry),
	}

	if dataDir != "" {
		var err error
		l.db, err = bbolt.Open(filepath.Join(dataDir, "ledger.db"), 0600, nil)
		if err != nil {
			return nil, fmt.Errorf("ledger: failed to open store: %w", err)
		}
		if err := l.initStore(); err != nil {
			l.db.Close()
			return nil, err
		}
		l.Go(l.writeBackWorker)
	}
	return l, nil
}

// Record inserts a receipt idempotently.  The signature is verified,
// and duplicates, including keys already handed off, are ignored.
func (l *Ledger) Record(r *shard.ForwardReceipt) error {
	if err := r.Verify(); err != nil {
		return err
	}

	l.Lock()
	defer l.Unlock()

	k := keyOf(r)
	if _, ok := l.entries[k]; ok {
		return nil
	}
	l.entries[k] = &entry{
		receipt:     r,
		sender:      r.SenderPubkey,
		payloadSize: r.PayloadSize,
		recordedAt:  time.Now(),
		dirty:       true,
	}
	return nil
}

// DrainBatch returns at most max receipts and marks them as handed
// off.  The ledger keeps the keys for dedup but drops the bodies.
func (l *Ledger) DrainBatch(max int) []*shard.ForwardReceipt {
	l.Lock()
	defer l.Unlock()

	out := make([]*shard.ForwardReceipt, 0, max)
	for _, e := range l.entries {
		if len(out) >= max {
			break
		}
		if e.receipt == nil {
			continue
		}
		out = append(out, e.receipt)
		e.receipt = nil
		e.dirty = true
	}
	return out
}

// BandwidthByPeer aggregates payload bytes per credited sender over
// the trailing window.
func (l *Ledger) BandwidthByPeer(window time.Duration) map[[32]byte]uint64 {
	cutoff := time.Now().Add(-window)

	l.Lock()
	defer l.Unlock()

	out := make(map[[32]byte]uint64)
	for _, e := range l.entries {
		if e.recordedAt.Before(cutoff) {
			continue
		}
		out[e.sender] += uint64(e.payloadSize)
	}
	return out
}

// Count returns the number of known receipt keys, drained or not.
func (l *Ledger) Count() int {
	l.Lock()
	defer l.Unlock()
	return len(l.entries)
}

// Shutdown halts the write back worker, flushes, and closes the store.
func (l *Ledger) Shutdown() {
	l.Halt()
	if l.db != nil {
		if err := l.doWriteBack(); err != nil {
			l.log.Errorf("Final write back failed: %v", err)
		}
		l.db.Close()
	}
}

func (l *Ledger) initStore() error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		recBkt, err := tx.CreateBucketIfNotExists([]byte(receiptsBucket))
		if err != nil {
			return err
		}
		offBkt, err := tx.CreateBucketIfNotExists([]byte(handedOffBucket))
		if err != nil {
			return err
		}

		// Warm the in memory index from whatever survived the last run.
		if err := recBkt.ForEach(func(k, v []byte) error {
			key, e, err := decodeStoredReceipt(k, v)
			if err != nil {
				return err
			}
			l.entries[key] = e
			return nil
		}); err != nil {
			return fmt.Errorf("ledger: corrupt receipts bucket: %w", err)
		}
		if err := offBkt.ForEach(func(k, v []byte) error {
			key, e, err := decodeStoredKey(k, v)
			if err != nil {
				return err
			}
			l.entries[key] = e
			return nil
		}); err != nil {
			return fmt.Errorf("ledger: corrupt handedOff bucket: %w", err)
		}
		return nil
	})
}

func (l *Ledger) writeBackWorker() {
	t := time.NewTicker(writeBackInterval)
	defer t.Stop()
	for {
		select {
		case <-l.HaltCh():
			return
		case <-t.C:
		}
		if err := l.doWriteBack(); err != nil {
			l.log.Errorf("Write back failed: %v", err)
		}
	}
}

func (l *Ledger) doWriteBack() error {
	type dirtyEntry struct {
		k Key
		e entry
	}

	l.Lock()
	dirty := make([]dirtyEntry, 0)
	for k, e := range l.entries {
		if e.dirty {
			dirty = append(dirty, dirtyEntry{k, *e})
			e.dirty = false
		}
	}
	l.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		recBkt := tx.Bucket([]byte(receiptsBucket))
		offBkt := tx.Bucket([]byte(handedOffBucket))
		for _, d := range dirty {
			kb := d.k.bytes()
			if d.e.receipt != nil {
				v, err := encodeStoredReceipt(&d.e)
				if err != nil {
					return err
				}
				if err := recBkt.Put(kb, v); err != nil {
					return err
				}
			} else {
				if err := recBkt.Delete(kb); err != nil {
					return err
				}
				if err := offBkt.Put(kb, encodeStoredKey(&d.e)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func encodeStoredReceipt(e *entry) ([]byte, error) {
	body, err := shard.EncodeReceipt(e.receipt)
	if err != nil {
		return nil, err
	}
	v := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint64(v, uint64(e.recordedAt.Unix()))
	return append(v, body...), nil
}

func decodeStoredReceipt(k, v []byte) (Key, *entry, error) {
	key, ok := keyFromBytes(k)
	if !ok || len(v) < 8 {
		return Key{}, nil, fmt.Errorf("ledger: truncated receipt record")
	}
	r, err := shard.DecodeReceipt(v[8:])
	if err != nil {
		return Key{}, nil, err
	}
	return key, &entry{
		receipt:     r,
		sender:      r.SenderPubkey,
		payloadSize: r.PayloadSize,
		recordedAt:  time.Unix(int64(binary.BigEndian.Uint64(v)), 0),
	}, nil
}

func encodeStoredKey(e *entry) []byte {
	v := make([]byte, 8+32+4)
	binary.BigEndian.PutUint64(v, uint64(e.recordedAt.Unix()))
	copy(v[8:], e.sender[:])
	binary.BigEndian.PutUint32(v[40:], e.payloadSize)
	return v
}

func decodeStoredKey(k, v []byte) (Key, *entry, error) {
	key, ok := keyFromBytes(k)
	if !ok || len(v) != 8+32+4 {
		return Key{}, nil, fmt.Errorf("ledger: truncated handedOff record")
	}
	e := &entry{
		recordedAt:  time.Unix(int64(binary.BigEndian.Uint64(v)), 0),
		payloadSize: binary.BigEndian.Uint32(v[40:]),
	}
	copy(e.sender[:], v[8:40])
	return key, e, nil
}

func keyFromBytes(b []byte) (Key, bool) {
	if len(b) != 96 {
		return Key{}, false
	}
	var k Key
	copy(k.RequestID[:], b[0:32])
	copy(k.ShardID[:], b[32:64])
	copy(k.ReceiverPubkey[:], b[64:96])
	return k, true
}
