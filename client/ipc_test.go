// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/network"
	"github.com/tunnelcraft/tunnelcraft/network/memnet"
)

type ipcRig struct {
	*testClientRig
	server *IPCServer
	conn   net.Conn
	rd     *bufio.Reader
}

func newIPCRig(t *testing.T, dir network.Discovery) *ipcRig {
	mesh := memnet.NewMesh()
	rig := newTestRig(t, mesh, dir, &Config{PrivacyLevel: Standard})

	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ipc.sock")
	srv, err := NewIPCServer(rig.Client, path, backend)
	require.NoError(t, err)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	return &ipcRig{
		testClientRig: rig,
		server:        srv,
		conn:          conn,
		rd:            bufio.NewReader(conn),
	}
}

func (r *ipcRig) teardown() {
	_ = r.conn.Close()
	r.server.Shutdown()
	r.testClientRig.teardown()
}

func (r *ipcRig) call(t *testing.T, method string, params interface{}) *rpcResponse {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = r.conn.Write(append(b, '\n'))
	require.NoError(t, err)

	require.NoError(t, r.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := r.rd.ReadBytes('\n')
	require.NoError(t, err)
	resp := new(rpcResponse)
	require.NoError(t, json.Unmarshal(line, resp))
	return resp
}

func TestIPCStatus(t *testing.T) {
	require := require.New(t)

	rig := newIPCRig(t, network.NewStaticDirectory())
	defer rig.teardown()

	resp := rig.call(t, "status", nil)
	require.Nil(resp.Error)

	st, ok := resp.Result.(map[string]interface{})
	require.True(ok)
	require.Equal("disconnected", st["state"])
	require.Equal("Standard", st["privacy_level"])
}

func TestIPCSetPrivacyLevel(t *testing.T) {
	require := require.New(t)

	rig := newIPCRig(t, network.NewStaticDirectory())
	defer rig.teardown()

	resp := rig.call(t, "set_privacy_level", map[string]int{"level": 3})
	require.Nil(resp.Error)
	require.Equal(Paranoid, rig.PrivacyLevel())

	resp = rig.call(t, "set_privacy_level", map[string]int{"level": 9})
	require.NotNil(resp.Error)
	require.Equal(rpcInvalidParams, resp.Error.Code)
}

func TestIPCConnectAndSelectExit(t *testing.T) {
	require := require.New(t)

	dir := network.NewStaticDirectory()
	var exitID [32]byte
	exitID[0] = 0x5a
	dir.AddExit(network.ExitInfo{Pubkey: exitID, Region: network.RegionEU, AdvertisedLoad: 3})

	rig := newIPCRig(t, dir)
	defer rig.teardown()

	resp := rig.call(t, "select_exit", map[string]string{"region": "eu"})
	require.Nil(resp.Error)

	resp = rig.call(t, "connect", nil)
	require.Nil(resp.Error)
	require.Equal(StateConnected, rig.State())

	resp = rig.call(t, "select_exit", map[string]string{"region": "bogus"})
	require.NotNil(resp.Error)
	require.Equal(rpcInvalidParams, resp.Error.Code)

	resp = rig.call(t, "disconnect", nil)
	require.Nil(resp.Error)
	require.Equal(StateDisconnected, rig.State())
}

func TestIPCUnknownMethod(t *testing.T) {
	require := require.New(t)

	rig := newIPCRig(t, network.NewStaticDirectory())
	defer rig.teardown()

	resp := rig.call(t, "frobnicate", nil)
	require.NotNil(resp.Error)
	require.Equal(rpcMethodNotFound, resp.Error.Code)
}

func TestIPCSubscribeEvents(t *testing.T) {
	require := require.New(t)

	dir := network.NewStaticDirectory()
	var exitID [32]byte
	exitID[0] = 0x77
	dir.AddExit(network.ExitInfo{Pubkey: exitID, Region: network.RegionNA})

	rig := newIPCRig(t, dir)
	defer rig.teardown()

	resp := rig.call(t, "subscribe_events", nil)
	require.Nil(resp.Error)

	require.NoError(rig.Connect())

	require.NoError(rig.conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	var states []string
	for len(states) < 2 {
		line, err := rig.rd.ReadBytes('\n')
		require.NoError(err)
		var note struct {
			Method string `json:"method"`
			Params Event  `json:"params"`
		}
		require.NoError(json.Unmarshal(line, &note))
		require.Equal("event", note.Method)
		if note.Params.Type == EventState {
			states = append(states, note.Params.State)
		}
	}
	require.Equal([]string{"connecting", "connected"}, states)
}

func TestIPCParseError(t *testing.T) {
	require := require.New(t)

	rig := newIPCRig(t, network.NewStaticDirectory())
	defer rig.teardown()

	_, err := rig.conn.Write([]byte("this is not json\n"))
	require.NoError(err)
	require.NoError(rig.conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	line, err := rig.rd.ReadBytes('\n')
	require.NoError(err)
	resp := new(rpcResponse)
	require.NoError(json.Unmarshal(line, resp))
	require.NotNil(resp.Error)
	require.Equal(rpcParseError, resp.Error.Code)
}
