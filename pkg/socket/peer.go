// Copyright 2026 The QMI-sub000 Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package socket

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
	"github.com/QuTech-Delft/QMI-sub000/pkg/wire"
)

const (
	connectTimeout  = 2 * time.Second
	handshakeTimeout = 30 * time.Second
)

// ---- TCP accept loop (incoming connections) ----

func (m *Manager) acceptLoop(ln net.Listener, stop chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				m.logger.Warn("tcp accept failed", zap.Error(err))
				return
			}
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		go m.handleIncoming(conn)
	}
}

func (m *Manager) handleIncoming(conn net.Conn) {
	p := &PeerConn{
		conn:            conn,
		writer:          bufio.NewWriter(conn),
		outgoing:        false,
		state:           StateHandshakePending,
		pendingRequests: make(map[uint64]wire.IsRequest),
		limiter:         m.newLimiter(),
	}

	// Greet right away: each side sends its own handshake without
	// waiting for the other's.
	greeting := wire.Handshake{Source: address.Address{ContextID: m.cfg.ContextID}, Version: m.cfg.Version, IsServer: true}
	if err := wire.WriteFrame(p.writer, greeting); err != nil {
		m.logger.Debug("failed to send handshake to incoming connection", zap.Error(err))
		conn.Close()
		return
	}
	if err := p.writer.Flush(); err != nil {
		conn.Close()
		return
	}

	alias, err := m.registerPending(p)
	if err != nil {
		conn.Close()
		return
	}
	p.alias = alias

	m.readLoop(p)
}

// registerPending assigns a "$client_N" alias and adds p to the peer
// table, serialized through the event loop.
func (m *Manager) registerPending(p *PeerConn) (string, error) {
	v, err := m.loop.Call(func() (interface{}, error) {
		m.clientAliasSeq++
		alias := fmt.Sprintf("$client_%d", m.clientAliasSeq)
		m.mu.Lock()
		m.peers[alias] = p
		m.mu.Unlock()
		return alias, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ---- outgoing connections ----

// ConnectToPeer dials name at addr, performs the client side of the
// handshake in the calling goroutine (spec.md §4.5: connect_to_peer
// runs synchronously in the caller, not the event loop), then hands
// the established connection to the event loop for registration.
func (m *Manager) ConnectToPeer(name, addr string) error {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("connect to %s at %s: %v", name, addr, err))
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	p := &PeerConn{
		conn:            conn,
		writer:          bufio.NewWriter(conn),
		outgoing:        true,
		state:           StateHandshakePending,
		name:            name,
		alias:           name,
		pendingRequests: make(map[uint64]wire.IsRequest),
		limiter:         m.newLimiter(),
	}

	greeting := wire.Handshake{Source: address.Address{ContextID: m.cfg.ContextID}, Version: m.cfg.Version, IsServer: false}
	if err := wire.WriteFrame(p.writer, greeting); err != nil {
		conn.Close()
		return cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("handshake write to %s: %v", name, err))
	}
	if err := p.writer.Flush(); err != nil {
		conn.Close()
		return cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("handshake flush to %s: %v", name, err))
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	reader := bufio.NewReader(conn)
	msg, err := wire.ReadFrame(reader)
	if err != nil {
		conn.Close()
		return cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("handshake read from %s: %v", name, err))
	}
	conn.SetReadDeadline(time.Time{})

	hs, ok := msg.(wire.Handshake)
	if !ok || !hs.IsServer {
		conn.Close()
		return cerror.ErrProtocol.GenWithStackByArgs(fmt.Sprintf("expected server handshake from %s, got %T", name, msg))
	}
	if hs.Source.ContextID != name {
		conn.Close()
		return cerror.ErrProtocol.GenWithStackByArgs(fmt.Sprintf("peer identified itself as %q, expected %q", hs.Source.ContextID, name))
	}
	if hs.Version != m.cfg.Version && !m.cfg.SuppressVersionWarning {
		m.logger.Warn("peer version mismatch", zap.String("peer", name), zap.String("local_version", m.cfg.Version), zap.String("peer_version", hs.Version))
	}
	p.version = hs.Version
	p.state = StateEstablished

	_, err = m.loop.Call(func() (interface{}, error) {
		m.mu.Lock()
		m.peers[p.alias] = p
		m.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		conn.Close()
		return err
	}

	if m.hooks.PeerAdded != nil {
		m.hooks.PeerAdded(name)
	}

	go m.readLoop(p)
	return nil
}

// DisconnectFromPeer closes the named peer's connection and
// synthesizes ErrorReplys for any of its still-pending requests.
func (m *Manager) DisconnectFromPeer(name string) error {
	_, err := m.loop.Call(func() (interface{}, error) {
		m.mu.Lock()
		p, ok := m.peers[name]
		m.mu.Unlock()
		if !ok {
			return nil, cerror.ErrUnknownName.GenWithStackByArgs(name)
		}
		m.closeConnLocked(name, p, "disconnected by local request")
		return nil, nil
	})
	return err
}

// closeConnLocked must be called from inside the event loop. It
// closes the socket, synthesizes ErrorReplys for pending requests and
// removes the peer from the registry.
func (m *Manager) closeConnLocked(alias string, p *PeerConn, reason string) {
	p.conn.Close()
	m.mu.Lock()
	delete(m.peers, alias)
	m.mu.Unlock()

	for _, req := range p.pendingRequests {
		if m.hooks.Deliver != nil {
			m.hooks.Deliver(syntheticErrorReply(req, reason))
		}
	}
	p.pendingRequests = nil

	if m.hooks.PeerRemoved != nil {
		m.hooks.PeerRemoved(p.Name())
	}
}

func syntheticErrorReply(req wire.IsRequest, reason string) wire.Message {
	return wire.ErrorReply{Source: req.DestinationAddr(), Destination: req.SourceAddr(), InReplyTo: req.RequestIDValue(), Reason: reason}
}

// ---- read loop: one goroutine per connection, feeding the event loop ----

func (m *Manager) readLoop(p *PeerConn) {
	reader := bufio.NewReader(p.conn)
	for {
		msg, err := wire.ReadFrame(reader)
		if err != nil {
			alias := p.Name()
			m.loop.Post(func() {
				m.mu.Lock()
				cur, ok := m.peers[alias]
				m.mu.Unlock()
				if ok && cur == p {
					m.closeConnLocked(alias, p, fmt.Sprintf("connection lost: %v", err))
				}
			})
			return
		}
		m.loop.Post(func() { m.handleFrame(p, msg) })
	}
}

// handleFrame runs inside the event loop. It enforces the handshake
// state machine (closing a connection whose first message is not a
// handshake), rewrites Source to the peer's alias for every message on
// an established connection, retires
// pendingRequests entries as their replies arrive (the counterpart of
// SendToPeer's bookkeeping, used for close-time ErrorReply synthesis),
// and hands the message to the router via Hooks.Deliver.
func (m *Manager) handleFrame(p *PeerConn, msg wire.Message) {
	if p.state == StateHandshakePending {
		hs, ok := msg.(wire.Handshake)
		if !ok {
			m.logger.Warn("expected handshake, closing connection", zap.String("peer", p.alias))
			m.closeConnLocked(p.alias, p, "protocol violation: expected handshake")
			return
		}
		if hs.IsServer {
			m.logger.Warn("unexpected server handshake on incoming connection, closing", zap.String("peer", p.alias))
			m.closeConnLocked(p.alias, p, "protocol violation: duplicate handshake")
			return
		}
		oldAlias := p.alias
		p.name = hs.Source.ContextID
		p.version = hs.Version
		p.state = StateEstablished
		m.mu.Lock()
		delete(m.peers, oldAlias)
		m.peers[p.name] = p
		m.mu.Unlock()
		p.alias = p.name
		if hs.Version != m.cfg.Version && !m.cfg.SuppressVersionWarning {
			m.logger.Warn("peer version mismatch", zap.String("peer", p.name), zap.String("local_version", m.cfg.Version), zap.String("peer_version", hs.Version))
		}
		return
	}

	// Only replies retire entries here: pendingRequests tracks requests
	// *we* sent over this connection (recorded by SendToPeer), so a
	// reply arriving from the peer is what clears it. Requests the peer
	// sends us are the RPC worker's bookkeeping, not this connection's.
	if rep, ok := msg.(wire.IsReply); ok {
		delete(p.pendingRequests, rep.InReplyToValue())
	}

	msg = rewriteSource(msg, p.alias)

	if m.hooks.Deliver != nil {
		m.hooks.Deliver(msg)
	}
}

// rewriteSource overwrites the message's declared Source context with
// the alias this manager actually trusts, so a peer cannot impersonate
// another context by lying in its own handshake-derived Source field.
func rewriteSource(msg wire.Message, alias string) wire.Message {
	switch m := msg.(type) {
	case wire.MethodRpcRequest:
		m.Source.ContextID = alias
		return m
	case wire.MethodRpcReply:
		m.Source.ContextID = alias
		return m
	case wire.LockRpcRequest:
		m.Source.ContextID = alias
		return m
	case wire.LockRpcReply:
		m.Source.ContextID = alias
		return m
	case wire.SignalMessage:
		m.Source.ContextID = alias
		return m
	case wire.SignalSubscriptionRequest:
		m.Source.ContextID = alias
		return m
	case wire.SignalSubscriptionReply:
		m.Source.ContextID = alias
		return m
	case wire.SignalRemovedMessage:
		m.Source.ContextID = alias
		return m
	case wire.ErrorReply:
		m.Source.ContextID = alias
		return m
	default:
		return msg
	}
}

// ---- sending ----

// SendToPeer submits msg to be written to the named peer's
// connection. It never blocks the caller on the socket write: the
// write itself is posted as a fire-and-forget task onto the event
// loop, per spec.md §4.3/§5 ("sending a remote message: never
// suspends the caller; the event loop does the blocking write"). The
// only synchronous check is for a known connection, matching
// router.SendMessage's immediate-ErrorReply path for an unknown peer.
func (m *Manager) SendToPeer(name string, msg wire.Message) error {
	m.mu.Lock()
	_, ok := m.peers[name]
	m.mu.Unlock()
	if !ok {
		return cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("no connection to %s", name))
	}

	m.loop.Post(func() {
		m.mu.Lock()
		p, ok := m.peers[name]
		m.mu.Unlock()
		if !ok {
			// Peer disconnected between the check above and this task
			// running; nothing to write to.
			return
		}
		if p.limiter != nil && !p.limiter.Allow() {
			m.logger.Debug("dropping send: rate limit exceeded", zap.String("peer", name))
			return
		}
		if req, ok := msg.(wire.IsRequest); ok {
			p.pendingRequests[req.RequestIDValue()] = req
		}
		p.writeMu.Lock()
		err := wire.WriteFrame(p.writer, msg)
		if err == nil {
			err = p.writer.Flush()
		}
		p.writeMu.Unlock()
		if err != nil {
			m.closeConnLocked(name, p, fmt.Sprintf("write error: %v", err))
		}
	})
	return nil
}

// Connected reports the names of all established peer connections. It
// may be called from outside the event loop.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.peers))
	for alias, p := range m.peers {
		if p.state == StateEstablished {
			names = append(names, alias)
		}
	}
	return names
}
