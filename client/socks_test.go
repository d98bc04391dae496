// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/shard"
	"github.com/tunnelcraft/tunnelcraft/network"
	"github.com/tunnelcraft/tunnelcraft/network/memnet"
)

// tunnelEcho answers every tunnel burst with an uppercase free echo of
// its data and tracks close bursts.
func tunnelEcho(t *testing.T, exit *fakeExit, closed chan<- [32]byte) {
	exit.serve(func(s *shard.Shard, body []byte) {
		require.NotEmpty(t, body)
		require.Equal(t, byte(payload.ModeTunnel), body[0])
		meta, data, err := payload.ParseTunnelBurst(body[1:])
		require.NoError(t, err)
		if meta.IsClose {
			select {
			case closed <- meta.SessionID:
			default:
			}
			return
		}
		exit.respond(t, s, data)
	})
}

func socksRig(t *testing.T, closed chan<- [32]byte) (*testClientRig, *SOCKSServer, *fakeExit) {
	mesh := memnet.NewMesh()
	exit := newFakeExit(t, mesh)
	tunnelEcho(t, exit, closed)

	dir := network.NewStaticDirectory()
	dir.AddExit(network.ExitInfo{Pubkey: exit.id, Region: network.RegionAuto})

	rig := newTestRig(t, mesh, dir, &Config{PrivacyLevel: Direct})
	require.NoError(t, rig.Connect())

	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	srv, err := NewSOCKSServer(rig.Client, "127.0.0.1:0", backend)
	require.NoError(t, err)
	return rig, srv, exit
}

// socksConnect runs the RFC 1928 negotiation for a CONNECT to
// example.com:80 and leaves the stream ready for data.
func socksConnect(t *testing.T, addr string) net.Conn {
	require := require.New(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(err)

	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	require.NoError(err)
	require.Equal([]byte{0x05, 0x00}, reply)

	host := "example.com"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, host...)
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, 80)
	req = append(req, port...)
	_, err = conn.Write(req)
	require.NoError(err)

	connectReply := make([]byte, 10)
	_, err = io.ReadFull(conn, connectReply)
	require.NoError(err)
	require.Equal(byte(0x00), connectReply[1])
	return conn
}

func TestSOCKSConnectEcho(t *testing.T) {
	require := require.New(t)

	closed := make(chan [32]byte, 1)
	rig, srv, _ := socksRig(t, closed)
	defer rig.teardown()
	defer srv.Shutdown()

	conn := socksConnect(t, srv.Addr().String())

	msg := []byte("round and round it goes")
	_, err := conn.Write(msg)
	require.NoError(err)

	got := make([]byte, len(msg))
	require.NoError(conn.SetReadDeadline(time.Now().Add(10 * time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(err)
	require.Equal(msg, got)

	// Local close triggers the teardown burst.
	require.NoError(conn.Close())
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("close burst never reached the exit")
	}
}

func TestSOCKSLargeTransfer(t *testing.T) {
	require := require.New(t)

	closed := make(chan [32]byte, 1)
	rig, srv, _ := socksRig(t, closed)
	defer rig.teardown()
	defer srv.Shutdown()

	conn := socksConnect(t, srv.Addr().String())
	defer conn.Close()

	// Enough to trip the high water mark several times over.
	msg := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	go func() {
		_, _ = conn.Write(msg)
	}()

	got := make([]byte, 0, len(msg))
	buf := make([]byte, 32*1024)
	require.NoError(conn.SetReadDeadline(time.Now().Add(30 * time.Second)))
	for len(got) < len(msg) {
		n, err := conn.Read(buf)
		require.NoError(err)
		got = append(got, buf[:n]...)
	}
	require.Equal(msg, got)
}

func TestSOCKSInteropDialer(t *testing.T) {
	require := require.New(t)

	closed := make(chan [32]byte, 1)
	rig, srv, _ := socksRig(t, closed)
	defer rig.teardown()
	defer srv.Shutdown()

	dialer, err := proxy.SOCKS5("tcp", srv.Addr().String(), nil, proxy.Direct)
	require.NoError(err)
	conn, err := dialer.Dial("tcp", "example.com:80")
	require.NoError(err)
	defer conn.Close()

	msg := []byte("dialed through a stock client")
	_, err = conn.Write(msg)
	require.NoError(err)

	got := make([]byte, len(msg))
	require.NoError(conn.SetReadDeadline(time.Now().Add(10 * time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(err)
	require.Equal(msg, got)
}

func TestSOCKSRejectsNonConnect(t *testing.T) {
	require := require.New(t)

	closed := make(chan [32]byte, 1)
	rig, srv, _ := socksRig(t, closed)
	defer rig.teardown()
	defer srv.Shutdown()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	require.NoError(err)

	// BIND is not served.
	_, err = conn.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	require.NoError(err)
	connectReply := make([]byte, 10)
	_, err = io.ReadFull(conn, connectReply)
	require.NoError(err)
	require.Equal(byte(0x07), connectReply[1])
}

func TestSOCKSRejectsBadAuthMenu(t *testing.T) {
	require := require.New(t)

	closed := make(chan [32]byte, 1)
	rig, srv, _ := socksRig(t, closed)
	defer rig.teardown()
	defer srv.Shutdown()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(err)
	defer conn.Close()

	// Username/password only.
	_, err = conn.Write([]byte{0x05, 0x01, 0x02})
	require.NoError(err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	require.NoError(err)
	require.Equal([]byte{0x05, 0xff}, reply)
}
