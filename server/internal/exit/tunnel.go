// SPDX-FileCopyrightText: Copyright (C) 2025 TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package exit

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/payload"
)

const (
	// burstReadCap bounds how many upstream bytes one burst response
	// may carry.
	burstReadCap = 256 * 1024

	// readIdle is how long a burst read waits for the upstream socket
	// before returning what it has.
	readIdle = 100 * time.Millisecond

	dialTimeout = 10 * time.Second
)

var errSessionCap = errors.New("exit: per user session cap reached")

type sessionState int

const (
	stateNew sessionState = iota
	stateOpen
	stateHalfClosed
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateNew:
		return "New"
	case stateOpen:
		return "Open"
	case stateHalfClosed:
		return "HalfClosed"
	case stateClosed:
		return "Closed"
	default:
		return "invalid"
	}
}

// session is one upstream TCP connection, owned by the pool and
// serialized by its own lock.
type session struct {
	sync.Mutex

	id         [32]byte
	user       [32]byte
	state      sessionState
	conn       net.Conn
	lastActive time.Time
}

// exchange writes a burst to the upstream socket and drains whatever
// the far side has ready within the read idle window.
func (s *session) exchange(data []byte) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	if s.state != stateOpen && s.state != stateHalfClosed {
		return nil, fmt.Errorf("exit: session %x is %v", s.id[:8], s.state)
	}
	s.lastActive = time.Now()

	if len(data) > 0 && s.state == stateOpen {
		if _, err := s.conn.Write(data); err != nil {
			s.closeLocked()
			return nil, fmt.Errorf("exit: upstream write: %w", err)
		}
	}

	_ = s.conn.SetReadDeadline(time.Now().Add(readIdle))
	buf := make([]byte, burstReadCap)
	total := 0
	for total < len(buf) {
		n, err := s.conn.Read(buf[total:])
		total += n
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				break
			}
			// EOF or a hard error ends the read half.
			if s.state == stateOpen {
				s.state = stateHalfClosed
			} else {
				s.closeLocked()
			}
			break
		}
	}
	return buf[:total], nil
}

func (s *session) close() {
	s.Lock()
	defer s.Unlock()
	s.closeLocked()
}

func (s *session) closeLocked() {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *session) idleSince() time.Time {
	s.Lock()
	defer s.Unlock()
	return s.lastActive
}

// sessionPool owns every live tunnel session.
type sessionPool struct {
	sync.Mutex

	log         *logging.Logger
	idleTimeout time.Duration
	perUserCap  int

	sessions map[[32]byte]*session
	byUser   map[[32]byte]int

	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

func newSessionPool(log *logging.Logger, idleTimeout time.Duration, perUserCap int) *sessionPool {
	return &sessionPool{
		log:         log,
		idleTimeout: idleTimeout,
		perUserCap:  perUserCap,
		sessions:    make(map[[32]byte]*session),
		byUser:      make(map[[32]byte]int),
		dial:        net.DialTimeout,
	}
}

// burst handles one tunnel mode burst and returns the upstream bytes
// to ship back.
func (p *sessionPool) burst(user [32]byte, m *payload.TunnelMetadata, data []byte) ([]byte, error) {
	if m.IsClose {
		p.remove(m.SessionID)
		return nil, nil
	}

	s, err := p.lookupOrOpen(user, m)
	if err != nil {
		return nil, err
	}
	out, err := s.exchange(data)
	if err != nil {
		p.remove(m.SessionID)
		return nil, err
	}
	if s.currentState() == stateClosed {
		p.remove(m.SessionID)
	}
	return out, nil
}

func (s *session) currentState() sessionState {
	s.Lock()
	defer s.Unlock()
	return s.state
}

func (p *sessionPool) lookupOrOpen(user [32]byte, m *payload.TunnelMetadata) (*session, error) {
	p.Lock()
	if s, ok := p.sessions[m.SessionID]; ok {
		p.Unlock()
		return s, nil
	}
	if p.byUser[user] >= p.perUserCap {
		p.Unlock()
		return nil, errSessionCap
	}
	// Reserve the slot before dialing so concurrent bursts for the
	// same new session agree on one owner.
	s := &session{id: m.SessionID, user: user, state: stateNew, lastActive: time.Now()}
	s.Lock()
	p.sessions[m.SessionID] = s
	p.byUser[user]++
	p.Unlock()

	conn, err := p.dial("tcp", net.JoinHostPort(m.Host, fmt.Sprintf("%d", m.Port)), dialTimeout)
	if err != nil {
		s.state = stateClosed
		s.Unlock()
		p.remove(m.SessionID)
		return nil, fmt.Errorf("exit: dial %s:%d: %w", m.Host, m.Port, err)
	}
	s.conn = conn
	s.state = stateOpen
	s.Unlock()
	p.log.Debugf("Opened tunnel session %x to %s:%d", m.SessionID[:8], m.Host, m.Port)
	return s, nil
}

func (p *sessionPool) remove(id [32]byte) {
	p.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
		p.byUser[s.user]--
		if p.byUser[s.user] <= 0 {
			delete(p.byUser, s.user)
		}
	}
	p.Unlock()
	if ok {
		s.close()
	}
}

// reap closes sessions idle past the pool threshold and returns how
// many were torn down.
func (p *sessionPool) reap() int {
	p.Lock()
	var stale [][32]byte
	for id, s := range p.sessions {
		if time.Since(s.idleSince()) >= p.idleTimeout {
			stale = append(stale, id)
		}
	}
	p.Unlock()

	for _, id := range stale {
		p.remove(id)
	}
	return len(stale)
}

func (p *sessionPool) closeAll() {
	p.Lock()
	all := make([][32]byte, 0, len(p.sessions))
	for id := range p.sessions {
		all = append(all, id)
	}
	p.Unlock()
	for _, id := range all {
		p.remove(id)
	}
}

func (p *sessionPool) len() int {
	p.Lock()
	defer p.Unlock()
	return len(p.sessions)
}
