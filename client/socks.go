// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/log"
	"github.com/tunnelcraft/tunnelcraft/core/payload"
	"github.com/tunnelcraft/tunnelcraft/core/worker"
)

const (
	socksVersion      = 0x05
	socksCmdConnect   = 0x01
	socksAtypIPv4     = 0x01
	socksAtypDomain   = 0x03
	socksAtypIPv6     = 0x04
	socksNoAuth       = 0x00
	socksNoAcceptable = 0xff

	socksReplySucceeded      = 0x00
	socksReplyFailure        = 0x01
	socksReplyCmdUnsupported = 0x07

	// tunnelFlushInterval and tunnelHighWater pace the streaming loop.
	// A burst departs when either trips.
	tunnelFlushInterval = 50 * time.Millisecond
	tunnelHighWater     = 18 * 1024
)

var errSocksVersion = errors.New("client: unsupported socks version")

// SOCKSServer accepts local CONNECT sessions and streams them through
// the engine's tunnel mode.
type SOCKSServer struct {
	worker.Worker

	log    *logging.Logger
	client *Client
	ln     net.Listener
}

// NewSOCKSServer binds addr and starts accepting.  addr should be a
// loopback address; nothing here authenticates the local caller.
func NewSOCKSServer(c *Client, addr string, logBackend *log.Backend) (*SOCKSServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: socks listen: %w", err)
	}
	s := &SOCKSServer{
		log:    logBackend.GetLogger("client/socks"),
		client: c,
		ln:     ln,
	}
	s.Go(s.acceptWorker)
	return s, nil
}

// Addr returns the bound listener address.
func (s *SOCKSServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Shutdown stops the listener.  In flight sessions drain on their own.
func (s *SOCKSServer) Shutdown() {
	s.Halt()
	_ = s.ln.Close()
}

func (s *SOCKSServer) acceptWorker() {
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

func (s *SOCKSServer) handleConn(conn net.Conn) {
	defer conn.Close()

	host, port, err := s.handshake(conn)
	if err != nil {
		s.log.Debugf("Handshake with %v failed: %v", conn.RemoteAddr(), err)
		return
	}
	s.log.Debugf("CONNECT %s:%d from %v", host, port, conn.RemoteAddr())
	if err := s.tunnel(conn, host, port); err != nil {
		s.log.Debugf("Tunnel %s:%d ended: %v", host, port, err)
	}
}

// handshake runs the RFC 1928 negotiation and returns the CONNECT
// target.  Only the no-auth method and the CONNECT command are served.
func (s *SOCKSServer) handshake(conn net.Conn) (string, uint16, error) {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", 0, err
	}
	if hdr[0] != socksVersion {
		return "", 0, errSocksVersion
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", 0, err
	}
	offered := false
	for _, m := range methods {
		if m == socksNoAuth {
			offered = true
			break
		}
	}
	if !offered {
		_, _ = conn.Write([]byte{socksVersion, socksNoAcceptable})
		return "", 0, errors.New("client: no acceptable auth method")
	}
	if _, err := conn.Write([]byte{socksVersion, socksNoAuth}); err != nil {
		return "", 0, err
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		return "", 0, err
	}
	if req[0] != socksVersion {
		return "", 0, errSocksVersion
	}
	if req[1] != socksCmdConnect {
		s.reply(conn, socksReplyCmdUnsupported)
		return "", 0, fmt.Errorf("client: unsupported socks command %d", req[1])
	}

	var host string
	switch req[3] {
	case socksAtypIPv4:
		b := make([]byte, 4)
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", 0, err
		}
		host = net.IP(b).String()
	case socksAtypDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return "", 0, err
		}
		b := make([]byte, int(l[0]))
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", 0, err
		}
		host = string(b)
	case socksAtypIPv6:
		b := make([]byte, 16)
		if _, err := io.ReadFull(conn, b); err != nil {
			return "", 0, err
		}
		host = net.IP(b).String()
	default:
		s.reply(conn, socksReplyFailure)
		return "", 0, fmt.Errorf("client: unknown address type %d", req[3])
	}

	pb := make([]byte, 2)
	if _, err := io.ReadFull(conn, pb); err != nil {
		return "", 0, err
	}
	port := binary.BigEndian.Uint16(pb)

	if err := s.replyErr(conn, socksReplySucceeded); err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func (s *SOCKSServer) reply(conn net.Conn, code byte) {
	_ = s.replyErr(conn, code)
}

func (s *SOCKSServer) replyErr(conn net.Conn, code byte) error {
	_, err := conn.Write([]byte{socksVersion, code, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// tunnel is the per session streaming loop.  Outbound bytes gather
// until the high water mark or the flush interval, every burst also
// polling the exit for upstream bytes, so an idle local side still
// drains the remote one.
func (s *SOCKSServer) tunnel(conn net.Conn, host string, port uint16) error {
	exit, ok := s.client.Exit()
	if !ok || s.client.State() != StateConnected {
		return ErrNotConnected
	}

	var sessionID [32]byte
	if _, err := rand.Reader.Read(sessionID[:]); err != nil {
		return err
	}
	meta := &payload.TunnelMetadata{Host: host, Port: port, SessionID: sessionID}

	readCh := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go func() {
		defer close(readCh)
		buf := make([]byte, tunnelHighWater)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				readCh <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	defer s.sendClose(exit.Pubkey, meta)

	var pendingBytes []byte
	flush := time.NewTicker(tunnelFlushInterval)
	defer flush.Stop()

	localClosed := false
	for {
		send := false
		select {
		case b, ok := <-readCh:
			if !ok {
				localClosed = true
				send = true
				break
			}
			pendingBytes = append(pendingBytes, b...)
			if len(pendingBytes) >= tunnelHighWater {
				send = true
			}
		case <-flush.C:
			send = true
		case <-s.HaltCh():
			return nil
		}
		if !send {
			continue
		}

		out := pendingBytes
		pendingBytes = nil
		burst, err := payload.BuildTunnelBurst(meta, out)
		if err != nil {
			return err
		}
		_, resultCh, err := s.client.SendRequest(exit.Pubkey, burst)
		if err != nil {
			return err
		}
		select {
		case r := <-resultCh:
			if r.Err != nil {
				return r.Err
			}
			if len(r.Bytes) > 0 {
				if _, err := conn.Write(r.Bytes); err != nil {
					return err
				}
			}
		case <-s.HaltCh():
			return nil
		}

		if localClosed && len(pendingBytes) == 0 {
			select {
			case err := <-readErr:
				if err != io.EOF {
					return err
				}
			default:
			}
			return nil
		}
	}
}

// sendClose fires the teardown burst.  The exit produces no response
// for it, so the pending entry is dropped instead of awaited.
func (s *SOCKSServer) sendClose(exit [32]byte, meta *payload.TunnelMetadata) {
	closeMeta := &payload.TunnelMetadata{
		Host:      meta.Host,
		Port:      meta.Port,
		SessionID: meta.SessionID,
		IsClose:   true,
	}
	burst, err := payload.BuildTunnelBurst(closeMeta, nil)
	if err != nil {
		return
	}
	requestID, _, err := s.client.SendRequest(exit, burst)
	if err != nil {
		s.log.Debugf("Close burst failed: %v", err)
		return
	}
	s.client.pending.remove(requestID)
}
