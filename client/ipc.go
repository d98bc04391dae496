// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
	"github.com/tunnelcraft/tunnelcraft/network"
)

const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000

	// ipcMaxLine bounds one request line.  Large HTTP bodies ride
	// base64 inside it.
	ipcMaxLine = 4 * 1024 * 1024
)

type rpcRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type rpcNotification struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// IPCServer serves the control protocol on a Unix socket, one JSON-RPC
// 2.0 message per line.
type IPCServer struct {
	worker.Worker

	log    *logging.Logger
	client *Client
	ln     net.Listener
	path   string
}

// NewIPCServer binds the Unix socket at path, replacing a stale one,
// and starts accepting.
func NewIPCServer(c *Client, path string, logBackend *log.Backend) (*IPCServer, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("client: ipc socket cleanup: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("client: ipc listen: %w", err)
	}
	s := &IPCServer{
		log:    logBackend.GetLogger("client/ipc"),
		client: c,
		ln:     ln,
		path:   path,
	}
	s.Go(s.acceptWorker)
	return s, nil
}

// Shutdown stops the listener and removes the socket file.
func (s *IPCServer) Shutdown() {
	s.Halt()
	_ = s.ln.Close()
	_ = os.Remove(s.path)
}

func (s *IPCServer) acceptWorker() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.HaltCh():
				return
			default:
			}
			s.log.Warningf("Accept failed: %v", err)
			return
		}
		s.Go(func() {
			s.handleConn(conn)
		})
	}
}

// ipcConn serializes writes so event notifications do not interleave
// with responses.
type ipcConn struct {
	sync.Mutex
	conn net.Conn
}

func (c *ipcConn) writeLine(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.Lock()
	defer c.Unlock()
	if _, err := c.conn.Write(b); err != nil {
		return err
	}
	_, err = c.conn.Write([]byte{'\n'})
	return err
}

func (s *IPCServer) handleConn(raw net.Conn) {
	defer raw.Close()
	conn := &ipcConn{conn: raw}

	var unsubscribe func()
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
	}()

	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 64*1024), ipcMaxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = conn.writeLine(&rpcResponse{Jsonrpc: "2.0", Error: &rpcError{Code: rpcParseError, Message: "parse error"}})
			continue
		}
		if req.Jsonrpc != "2.0" || req.Method == "" {
			_ = conn.writeLine(&rpcResponse{Jsonrpc: "2.0", ID: req.ID, Error: &rpcError{Code: rpcInvalidRequest, Message: "invalid request"}})
			continue
		}

		if req.Method == "subscribe_events" {
			if unsubscribe == nil {
				var events <-chan Event
				events, unsubscribe = s.client.Subscribe()
				s.Go(func() {
					s.eventWriter(conn, events)
				})
			}
			_ = conn.writeLine(&rpcResponse{Jsonrpc: "2.0", ID: req.ID, Result: true})
			continue
		}

		result, rerr := s.dispatch(&req)
		resp := &rpcResponse{Jsonrpc: "2.0", ID: req.ID}
		if rerr != nil {
			resp.Error = rerr
		} else {
			resp.Result = result
		}
		if err := conn.writeLine(resp); err != nil {
			return
		}
	}
}

func (s *IPCServer) eventWriter(conn *ipcConn, events <-chan Event) {
	for {
		select {
		case <-s.HaltCh():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.writeLine(&rpcNotification{Jsonrpc: "2.0", Method: "event", Params: ev}); err != nil {
				return
			}
		}
	}
}

func (s *IPCServer) dispatch(req *rpcRequest) (interface{}, *rpcError) {
	switch req.Method {
	case "connect":
		if err := s.client.Connect(); err != nil {
			return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
		}
		return map[string]string{"state": s.client.State().String()}, nil

	case "disconnect":
		s.client.Disconnect()
		return map[string]string{"state": s.client.State().String()}, nil

	case "status":
		return s.client.Status(), nil

	case "set_privacy_level":
		var p struct {
			Level int `json:"level"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "level required"}
		}
		if err := s.client.SetPrivacyLevel(PrivacyLevel(p.Level)); err != nil {
			return nil, &rpcError{Code: rpcInvalidParams, Message: err.Error()}
		}
		return map[string]string{"privacy_level": s.client.PrivacyLevel().String()}, nil

	case "select_exit":
		var p struct {
			Region string `json:"region"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "region required"}
		}
		region := network.Region(p.Region)
		if region == "" {
			region = network.RegionAuto
		}
		if !region.Valid() {
			return nil, &rpcError{Code: rpcInvalidParams, Message: fmt.Sprintf("unknown region %q", p.Region)}
		}
		info, err := s.client.SelectExit(region)
		if err != nil {
			return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
		}
		return map[string]interface{}{
			"pubkey": fmt.Sprintf("%x", info.Pubkey),
			"region": info.Region,
			"load":   info.AdvertisedLoad,
		}, nil

	case "send_http_request":
		var p struct {
			Method  string            `json:"method"`
			URL     string            `json:"url"`
			Headers map[string]string `json:"headers,omitempty"`
			Body    string            `json:"body,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "method and url required"}
		}
		if p.Method == "" || p.URL == "" {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "method and url required"}
		}
		body, err := base64.StdEncoding.DecodeString(p.Body)
		if err != nil {
			return nil, &rpcError{Code: rpcInvalidParams, Message: "body must be base64"}
		}
		resp, err := s.client.SendHTTPRequest(&payload.HTTPRequest{
			Method:  p.Method,
			URL:     p.URL,
			Headers: p.Headers,
			Body:    body,
		})
		if err != nil {
			return nil, &rpcError{Code: rpcServerError, Message: err.Error()}
		}
		return map[string]interface{}{
			"status":  resp.Status,
			"headers": resp.Headers,
			"body":    base64.StdEncoding.EncodeToString(resp.Body),
		}, nil

	default:
		return nil, &rpcError{Code: rpcMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}
