// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign/ed25519"
	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/client"
	"github.com/tunnelcraft/tunnelcraft/core/erasure"
	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/shard"
	"github.com/tunnelcraft/tunnelcraft/ledger"
	"github.com/tunnelcraft/tunnelcraft/network"
	"github.com/tunnelcraft/tunnelcraft/network/memnet"
	"github.com/tunnelcraft/tunnelcraft/server/internal/exit"
	"github.com/tunnelcraft/tunnelcraft/server/internal/relay"
)

func testBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend
}

func testIdentity(t *testing.T) (*ed25519.PrivateKey, [32]byte) {
	priv, pub, err := ed25519.NewKeypair(rand.Reader)
	require.NoError(t, err)
	var id [32]byte
	copy(id[:], pub.Bytes())
	return priv, id
}

type e2eRelay struct {
	*relay.Relay
	id     [32]byte
	node   *memnet.Node
	ledger *ledger.Ledger
}

func newE2ERelay(t *testing.T, mesh *memnet.Mesh, dir network.Discovery, cfg *relay.Config) *e2eRelay {
	backend := testBackend(t)
	priv, id := testIdentity(t)
	node := mesh.Node(id)
	lgr, err := ledger.New("", backend)
	require.NoError(t, err)
	r, err := relay.New(priv, cfg, node, dir, lgr, nil, backend)
	require.NoError(t, err)
	return &e2eRelay{Relay: r, id: id, node: node, ledger: lgr}
}

func (r *e2eRelay) teardown() {
	r.Shutdown()
	r.node.Close()
	r.ledger.Shutdown()
}

type e2eExit struct {
	*exit.Exit
	id     [32]byte
	node   *memnet.Node
	ledger *ledger.Ledger
}

func newE2EExit(t *testing.T, mesh *memnet.Mesh, dir network.Discovery, cfg *exit.Config) *e2eExit {
	backend := testBackend(t)
	priv, id := testIdentity(t)
	node := mesh.Node(id)
	lgr, err := ledger.New("", backend)
	require.NoError(t, err)
	e, err := exit.New(priv, cfg, node, dir, lgr, backend)
	require.NoError(t, err)
	return &e2eExit{Exit: e, id: id, node: node, ledger: lgr}
}

func (e *e2eExit) teardown() {
	e.Shutdown()
	e.node.Close()
	e.ledger.Shutdown()
}

type e2eClient struct {
	*client.Client
	id     [32]byte
	node   *memnet.Node
	ledger *ledger.Ledger
}

func newE2EClient(t *testing.T, mesh *memnet.Mesh, dir network.Discovery, cfg *client.Config) *e2eClient {
	backend := testBackend(t)
	priv, id := testIdentity(t)
	node := mesh.Node(id)
	lgr, err := ledger.New("", backend)
	require.NoError(t, err)
	c, err := client.New(priv, cfg, node, dir, lgr, backend)
	require.NoError(t, err)
	return &e2eClient{Client: c, id: id, node: node, ledger: lgr}
}

func (c *e2eClient) teardown() {
	c.Shutdown()
	c.node.Close()
	c.ledger.Shutdown()
}

// receiptsFrom lists the receipt signers present in a ledger.
func receiptsFrom(l *ledger.Ledger) map[[32]byte]int {
	out := make(map[[32]byte]int)
	for _, r := range l.DrainBatch(1 << 16) {
		out[r.ReceiverPubkey]++
	}
	return out
}

func upstreamHTTP(t *testing.T, body string) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

// Direct GET to the exit, no relays in the path.
func TestScenarioDirectHTTPGet(t *testing.T) {
	require := require.New(t)

	ts := upstreamHTTP(t, "OK")
	mesh := memnet.NewMesh()

	exitDir := network.NewStaticDirectory()
	ex := newE2EExit(t, mesh, exitDir, &exit.Config{})
	defer ex.teardown()

	clientDir := network.NewStaticDirectory()
	clientDir.AddExit(network.ExitInfo{Pubkey: ex.id, Region: network.RegionAuto})
	c := newE2EClient(t, mesh, clientDir, &client.Config{PrivacyLevel: client.Direct})
	defer c.teardown()

	// The exit delivers zero hop responses straight to the user.
	exitDir.AddPeer(c.id, network.RegionAuto)

	require.NoError(c.Connect())
	resp, err := c.SendHTTPRequest(&payload.HTTPRequest{Method: "GET", URL: ts.URL})
	require.NoError(err)
	require.Equal(uint16(200), resp.Status)
	require.Equal([]byte("OK"), resp.Body)

	// The client holds receipts signed by the exit, the exit holds
	// receipts signed by the client.
	require.Contains(receiptsFrom(c.ledger), ex.id)
	require.Eventually(func() bool {
		_, ok := receiptsFrom(ex.ledger)[c.id]
		return ok
	}, 10*time.Second, 50*time.Millisecond)
}

// Standard privacy, two relay hops each way.
func TestScenarioTwoRelayPath(t *testing.T) {
	require := require.New(t)

	ts := upstreamHTTP(t, "routed")
	mesh := memnet.NewMesh()

	r1Dir := network.NewStaticDirectory()
	r2Dir := network.NewStaticDirectory()
	exitDir := network.NewStaticDirectory()
	clientDir := network.NewStaticDirectory()

	r1 := newE2ERelay(t, mesh, r1Dir, &relay.Config{ForwardUnverifiedResponses: true})
	defer r1.teardown()
	r2 := newE2ERelay(t, mesh, r2Dir, &relay.Config{ForwardUnverifiedResponses: true})
	defer r2.teardown()
	ex := newE2EExit(t, mesh, exitDir, &exit.Config{})
	defer ex.teardown()
	c := newE2EClient(t, mesh, clientDir, &client.Config{PrivacyLevel: client.Standard})
	defer c.teardown()

	// Funnel topology so every shard walks U, R1, R2, E and back.
	clientDir.AddPeer(r1.id, network.RegionAuto)
	clientDir.AddExit(network.ExitInfo{Pubkey: ex.id, Region: network.RegionAuto})
	r1Dir.AddPeer(r2.id, network.RegionAuto)
	r1Dir.AddPeer(c.id, network.RegionAuto)
	r2Dir.AddPeer(ex.id, network.RegionAuto)
	r2Dir.AddPeer(r1.id, network.RegionAuto)
	exitDir.AddPeer(r2.id, network.RegionAuto)

	require.NoError(c.Connect())
	resp, err := c.SendHTTPRequest(&payload.HTTPRequest{Method: "GET", URL: ts.URL})
	require.NoError(err)
	require.Equal(uint16(200), resp.Status)
	require.Equal([]byte("routed"), resp.Body)

	// Every leg earned receipts from its next hop.
	require.Contains(receiptsFrom(c.ledger), r1.id)
	require.Eventually(func() bool {
		_, ok := receiptsFrom(ex.ledger)[r2.id]
		return ok
	}, 10*time.Second, 50*time.Millisecond)
	require.Eventually(func() bool {
		fromR1 := receiptsFrom(r1.ledger)
		fromR2 := receiptsFrom(r2.ledger)
		_, r1ok := fromR1[r2.id]
		_, r2ok := fromR2[ex.id]
		return r1ok && r2ok
	}, 10*time.Second, 50*time.Millisecond)
}

// rogueExit issues receipts for inbound request shards and answers each
// completed request with response shards it builds itself, letting
// tests forge the destination or delay the reply.
type rogueExit struct {
	priv *ed25519.PrivateKey
	id   [32]byte
	node *memnet.Node

	sync.Mutex
	seen map[[32]byte]int
}

func newRogueExit(t *testing.T, mesh *memnet.Mesh) *rogueExit {
	priv, id := testIdentity(t)
	return &rogueExit{
		priv: priv,
		id:   id,
		node: mesh.Node(id),
		seen: make(map[[32]byte]int),
	}
}

// serve invokes onComplete with a template shard once per fully
// received request.
func (x *rogueExit) serve(onComplete func(s *shard.Shard)) {
	go func() {
		for d := range x.node.Inbound() {
			s, err := shard.Decode(d.Bytes)
			if err != nil {
				d.Respond(nil)
				continue
			}
			rb, err := shard.EncodeReceipt(shard.NewForwardReceipt(x.priv, s))
			if err != nil {
				d.Respond(nil)
				continue
			}
			d.Respond(rb)

			x.Lock()
			x.seen[s.RequestID]++
			complete := x.seen[s.RequestID] == int(erasure.TotalShards)
			x.Unlock()
			if complete {
				go onComplete(s)
			}
		}
	}()
}

// respond shards body back toward nextHop, forging dest as the
// response destination.  Receipt bytes from each transmit land on out.
func (x *rogueExit) respond(t *testing.T, tmpl *shard.Shard, dest, nextHop [32]byte, body []byte, out chan<- []byte) {
	logical := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(logical, uint64(len(body)))
	copy(logical[8:], body)

	chunks, err := erasure.ChunkAndEncode(logical)
	require.NoError(t, err)
	for _, ch := range chunks {
		for idx, pl := range ch.Shards {
			s := &shard.Shard{
				Type:          shard.TypeResponse,
				RequestID:     tmpl.RequestID,
				UserPubkey:    tmpl.UserPubkey,
				Destination:   dest,
				UserProof:     tmpl.UserProof,
				SenderPubkey:  x.id,
				HopsRemaining: tmpl.TotalHops,
				TotalHops:     tmpl.TotalHops,
				ShardIndex:    uint8(idx),
				TotalShards:   erasure.TotalShards,
				ChunkIndex:    ch.Index,
				TotalChunks:   uint16(len(chunks)),
				Payload:       pl,
			}
			s.ID = shard.ComputeID(s.RequestID, s.UserPubkey, s.Type, s.ChunkIndex, s.ShardIndex, s.Payload)
			rb, _ := x.node.SendShard(nextHop, s.Encode())
			select {
			case out <- rb:
			default:
			}
		}
	}
}

// A forged response destination dies at the relay's cache check and
// earns the exit nothing.
func TestScenarioMaliciousRedirectDropped(t *testing.T) {
	require := require.New(t)

	mesh := memnet.NewMesh()
	r1Dir := network.NewStaticDirectory()
	clientDir := network.NewStaticDirectory()

	r1 := newE2ERelay(t, mesh, r1Dir, &relay.Config{ForwardUnverifiedResponses: true})
	defer r1.teardown()
	rogue := newRogueExit(t, mesh)
	c := newE2EClient(t, mesh, clientDir, &client.Config{
		PrivacyLevel:    client.Light,
		RequestDeadline: 2 * time.Second,
	})
	defer c.teardown()

	clientDir.AddPeer(r1.id, network.RegionAuto)
	clientDir.AddExit(network.ExitInfo{Pubkey: rogue.id, Region: network.RegionAuto})
	r1Dir.AddPeer(c.id, network.RegionAuto)
	r1Dir.AddPeer(rogue.id, network.RegionAuto)

	attacker := randomID(t)
	receipts := make(chan []byte, erasure.TotalShards)
	rogue.serve(func(s *shard.Shard) {
		rogue.respond(t, s, attacker, r1.id, []byte("stolen"), receipts)
	})

	require.NoError(c.Connect())
	_, resultCh, err := c.SendRequest(rogue.id, []byte("\x00opaque"))
	require.NoError(err)

	// The relay refuses every forged shard, so no receipt is issued
	// and the request starves.
	for i := 0; i < int(erasure.TotalShards); i++ {
		select {
		case rb := <-receipts:
			require.Nil(rb)
		case <-time.After(10 * time.Second):
			t.Fatal("forged response shards never reached the relay")
		}
	}
	select {
	case r := <-resultCh:
		require.ErrorIs(r.Err, client.ErrTimeout)
	case <-time.After(10 * time.Second):
		t.Fatal("request never resolved")
	}
}

// TCP tunnel over the two relay path against a live upstream.
func TestScenarioTunnelThroughRelays(t *testing.T) {
	require := require.New(t)

	// Byte echo upstream.
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer upstream.Close()
	go func() {
		for {
			conn, err := upstream.Accept()
			if err != nil {
				return
			}
			go func() { _, _ = io.Copy(conn, conn) }()
		}
	}()

	mesh := memnet.NewMesh()
	r1Dir := network.NewStaticDirectory()
	r2Dir := network.NewStaticDirectory()
	exitDir := network.NewStaticDirectory()
	clientDir := network.NewStaticDirectory()

	r1 := newE2ERelay(t, mesh, r1Dir, &relay.Config{ForwardUnverifiedResponses: true})
	defer r1.teardown()
	r2 := newE2ERelay(t, mesh, r2Dir, &relay.Config{ForwardUnverifiedResponses: true})
	defer r2.teardown()
	ex := newE2EExit(t, mesh, exitDir, &exit.Config{})
	defer ex.teardown()
	c := newE2EClient(t, mesh, clientDir, &client.Config{PrivacyLevel: client.Standard})
	defer c.teardown()

	clientDir.AddPeer(r1.id, network.RegionAuto)
	clientDir.AddExit(network.ExitInfo{Pubkey: ex.id, Region: network.RegionAuto})
	r1Dir.AddPeer(r2.id, network.RegionAuto)
	r1Dir.AddPeer(c.id, network.RegionAuto)
	r2Dir.AddPeer(ex.id, network.RegionAuto)
	r2Dir.AddPeer(r1.id, network.RegionAuto)
	exitDir.AddPeer(r2.id, network.RegionAuto)

	require.NoError(c.Connect())

	backend := testBackend(t)
	socks, err := client.NewSOCKSServer(c.Client, "127.0.0.1:0", backend)
	require.NoError(err)
	defer socks.Shutdown()

	conn, err := net.Dial("tcp", socks.Addr().String())
	require.NoError(err)
	defer conn.Close()

	// RFC 1928 negotiation for a CONNECT to the upstream.
	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	require.NoError(err)
	require.Equal([]byte{0x05, 0x00}, reply)

	addr := upstream.Addr().(*net.TCPAddr)
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, addr.IP.To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(addr.Port))
	_, err = conn.Write(req)
	require.NoError(err)
	connectReply := make([]byte, 10)
	_, err = io.ReadFull(conn, connectReply)
	require.NoError(err)
	require.Equal(byte(0x00), connectReply[1])

	msg := []byte("through two relays and back")
	_, err = conn.Write(msg)
	require.NoError(err)

	got := make([]byte, len(msg))
	require.NoError(conn.SetReadDeadline(time.Now().Add(30 * time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(err)
	require.Equal(msg, got)
}

// Losing as many response shards as there are parity shards is survivable.
func TestScenarioResponseShardLoss(t *testing.T) {
	require := require.New(t)

	ts := upstreamHTTP(t, "lossy but fine")
	mesh := memnet.NewMesh()

	r1Dir := network.NewStaticDirectory()
	r2Dir := network.NewStaticDirectory()
	exitDir := network.NewStaticDirectory()
	clientDir := network.NewStaticDirectory()

	r1 := newE2ERelay(t, mesh, r1Dir, &relay.Config{ForwardUnverifiedResponses: true})
	defer r1.teardown()
	r2 := newE2ERelay(t, mesh, r2Dir, &relay.Config{ForwardUnverifiedResponses: true})
	defer r2.teardown()
	ex := newE2EExit(t, mesh, exitDir, &exit.Config{})
	defer ex.teardown()
	c := newE2EClient(t, mesh, clientDir, &client.Config{PrivacyLevel: client.Standard})
	defer c.teardown()

	clientDir.AddPeer(r1.id, network.RegionAuto)
	clientDir.AddExit(network.ExitInfo{Pubkey: ex.id, Region: network.RegionAuto})
	r1Dir.AddPeer(r2.id, network.RegionAuto)
	r1Dir.AddPeer(c.id, network.RegionAuto)
	r2Dir.AddPeer(ex.id, network.RegionAuto)
	r2Dir.AddPeer(r1.id, network.RegionAuto)
	exitDir.AddPeer(r2.id, network.RegionAuto)

	// Swallow the first two response shards on the R2 to R1 leg.
	var mu sync.Mutex
	dropped := 0
	mesh.SetFault(func(from, to [32]byte, b []byte) bool {
		if from != r2.id || to != r1.id {
			return false
		}
		s, err := shard.Decode(b)
		if err != nil || s.Type != shard.TypeResponse {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if dropped < int(erasure.ParityShards) {
			dropped++
			return true
		}
		return false
	})
	defer mesh.SetFault(nil)

	require.NoError(c.Connect())
	resp, err := c.SendHTTPRequest(&payload.HTTPRequest{Method: "GET", URL: ts.URL})
	require.NoError(err)
	require.Equal([]byte("lossy but fine"), resp.Body)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(int(erasure.ParityShards), dropped)
}

// An expired relay binding leaves the response to the configured
// policy: forward unverified, or starve the request.
func TestScenarioCacheExpiryPolicy(t *testing.T) {
	for _, tc := range []struct {
		name    string
		forward bool
	}{
		{"forward", true},
		{"reject", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)

			mesh := memnet.NewMesh()
			r1Dir := network.NewStaticDirectory()
			clientDir := network.NewStaticDirectory()

			r1 := newE2ERelay(t, mesh, r1Dir, &relay.Config{
				ForwardUnverifiedResponses: tc.forward,
				CacheTTL:                   100 * time.Millisecond,
			})
			defer r1.teardown()
			rogue := newRogueExit(t, mesh)
			c := newE2EClient(t, mesh, clientDir, &client.Config{
				PrivacyLevel:    client.Light,
				RequestDeadline: 3 * time.Second,
			})
			defer c.teardown()

			clientDir.AddPeer(r1.id, network.RegionAuto)
			clientDir.AddExit(network.ExitInfo{Pubkey: rogue.id, Region: network.RegionAuto})
			r1Dir.AddPeer(c.id, network.RegionAuto)
			r1Dir.AddPeer(rogue.id, network.RegionAuto)

			receipts := make(chan []byte, erasure.TotalShards)
			rogue.serve(func(s *shard.Shard) {
				// Outlive the relay's binding before replying.
				time.Sleep(500 * time.Millisecond)
				rogue.respond(t, s, s.UserPubkey, r1.id, []byte("slow"), receipts)
			})

			require.NoError(c.Connect())
			_, resultCh, err := c.SendRequest(rogue.id, []byte("\x00opaque"))
			require.NoError(err)

			select {
			case r := <-resultCh:
				if tc.forward {
					require.NoError(r.Err)
					require.Equal([]byte("slow"), r.Bytes)
				} else {
					require.ErrorIs(r.Err, client.ErrTimeout)
				}
			case <-time.After(15 * time.Second):
				t.Fatal("request never resolved")
			}
		})
	}
}
