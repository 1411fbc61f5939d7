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

// Package socket implements the socket manager of spec.md §4.4: the
// UDP discovery responder, the optional TCP listener, and the set of
// peer TCP connections with their handshake state machine. It is
// grounded on the teacher's pkg/p2p.MessageServer peer registry
// (cdcPeer, the single-goroutine run() loop serializing all state
// mutation) adapted to a hand-framed TCP protocol instead of gRPC
// streams.
package socket

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	"github.com/QuTech-Delft/QMI-sub000/pkg/eventloop"
	"github.com/QuTech-Delft/QMI-sub000/pkg/wire"
)

// ConnState is the peer connection's handshake state machine
// (spec.md §4.4).
type ConnState int

const (
	StateHandshakePending ConnState = iota
	StateEstablished
)

// PeerConn represents one TCP connection to (or from) a peer context.
// All mutable fields except writeMu/conn are only ever touched from
// inside the owning Manager's event loop goroutine.
type PeerConn struct {
	conn   net.Conn
	writer *bufio.Writer
	writeMu sync.Mutex

	outgoing bool
	state    ConnState

	// alias is the name local handlers see as the source context of
	// messages from this peer: the declared peer name once known, or
	// "$client_N" before that for incoming connections.
	alias string
	// name is the peer's declared context name, set once the
	// handshake completes. Empty while StateHandshakePending on an
	// incoming connection.
	name    string
	version string

	limiter *rate.Limiter

	pendingRequests map[uint64]wire.IsRequest
}

// Name returns the peer's current registry name: the declared name if
// established, otherwise the temporary alias.
func (p *PeerConn) Name() string {
	if p.name != "" {
		return p.name
	}
	return p.alias
}

// Hooks lets the socket manager call back into the router and into
// context-level peer bookkeeping without importing those packages
// (they import this one).
type Hooks struct {
	// Deliver is called once per message destined for this context,
	// already demuxed and with Source rewritten to the peer's alias.
	Deliver func(msg wire.Message)
	// PeerAdded fires for outgoing connections only, once established.
	PeerAdded func(name string)
	// PeerRemoved fires for both directions, once a connection closes.
	PeerRemoved func(name string)
}

// Config configures a Manager.
type Config struct {
	ContextID              string
	Version                string
	SuppressVersionWarning bool
	// AllowRemoteKill gates whether a UDP KillRequest actually
	// terminates the process. Defaults to false: spec.md §9 flags the
	// original unconditional-exit behavior as a security hazard on
	// open networks, so this port requires an explicit opt-in.
	AllowRemoteKill bool
	Workgroup       string
	// SendRateLimitPerStream, if non-zero, caps outbound messages per
	// peer connection per second (teacher's pkg/p2p SendRateLimitPerStream).
	SendRateLimitPerStream float64
}

// Manager owns the UDP responder, TCP listener and peer connection
// set for one router. It must be driven by an eventloop.Loop; all
// state-mutating methods run their bodies inside that loop.
type Manager struct {
	logger *zap.Logger
	cfg    Config
	hooks  Hooks
	loop   *eventloop.Loop

	mu    sync.Mutex // guards peers only; read from Connected() off-loop
	peers map[string]*PeerConn // keyed by alias

	clientAliasSeq int

	udpConn  net.PacketConn
	tcpLn    net.Listener
	tcpPort  int
	stopUDP  chan struct{}
	stopTCP  chan struct{}
}

// NewManager creates a Manager bound to loop. loop must already be
// running (or about to run); the manager does not start it.
func NewManager(logger *zap.Logger, loop *eventloop.Loop, cfg Config, hooks Hooks) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger,
		cfg:    cfg,
		hooks:  hooks,
		loop:   loop,
		peers:  make(map[string]*PeerConn),
	}
}

// newLimiter returns a fresh per-connection rate limiter, or nil if
// Config.SendRateLimitPerStream is unset.
func (m *Manager) newLimiter() *rate.Limiter {
	if m.cfg.SendRateLimitPerStream <= 0 {
		return nil
	}
	burst := int(m.cfg.SendRateLimitPerStream)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(m.cfg.SendRateLimitPerStream), burst)
}

// StartUDPResponder binds conn as the discovery/kill responder and
// starts its receive loop. conn is typically pre-bound by the caller
// (router.StartUDPResponder), mirroring how pkg/p2p hands a listener
// to the socket manager rather than owning bind() itself.
func (m *Manager) StartUDPResponder(conn net.PacketConn) {
	m.udpConn = conn
	m.stopUDP = make(chan struct{})
	go m.udpLoop(conn, m.stopUDP)
}

// StartTCPServer starts accepting connections on ln.
func (m *Manager) StartTCPServer(ln net.Listener) {
	m.tcpLn = ln
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		m.tcpPort = tcpAddr.Port
	}
	m.stopTCP = make(chan struct{})
	go m.acceptLoop(ln, m.stopTCP)
}

// TCPPort returns the bound TCP listener port, or -1 if there is none.
func (m *Manager) TCPPort() int {
	if m.tcpLn == nil {
		return -1
	}
	return m.tcpPort
}

// Shutdown stops the UDP/TCP listen loops and closes every peer
// connection (synthesizing ErrorReplys for any pending requests). It
// must be called from outside the event loop; it blocks on the loop
// via Call to do the actual teardown.
func (m *Manager) Shutdown() {
	if m.stopUDP != nil {
		close(m.stopUDP)
		m.udpConn.Close()
	}
	if m.stopTCP != nil {
		close(m.stopTCP)
		m.tcpLn.Close()
	}
	_, _ = m.loop.Call(func() (interface{}, error) {
		for alias, p := range m.peers {
			m.closeConnLocked(alias, p, "context shutdown")
		}
		return nil, nil
	})
}

// ---- UDP discovery responder ----

func (m *Manager) udpLoop(conn net.PacketConn, stop chan struct{}) {
	buf := make([]byte, 2048)
	for {
		select {
		case <-stop:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-stop:
				return
			default:
				m.logger.Debug("udp responder read error", zap.Error(err))
				continue
			}
		}
		pkt, err := wire.Unpack(buf[:n])
		if err != nil {
			m.logger.Debug("udp responder: malformed packet", zap.Error(err))
			continue
		}
		m.handleUDPPacket(conn, addr, pkt)
	}
}

func (m *Manager) handleUDPPacket(conn net.PacketConn, addr net.Addr, pkt wire.AnyPacket) {
	switch {
	case pkt.InfoReq != nil:
		if !wire.MatchFilter(pkt.InfoReq.WorkgroupNameFilter, m.cfg.Workgroup) {
			return
		}
		if !wire.MatchFilter(pkt.InfoReq.ContextNameFilter, m.cfg.ContextID) {
			return
		}
		resp := wire.ContextInfoResponse{
			CommonHeader:        wire.CommonHeader{PktID: randomPktID(), PktTimestamp: nowUnix()},
			RequestPktID:        pkt.InfoReq.PktID,
			RequestPktTimestamp: pkt.InfoReq.PktTimestamp,
			Descriptor: wire.ContextDescriptor{
				PID:           int32(os.Getpid()),
				Name:          m.cfg.ContextID,
				WorkgroupName: m.cfg.Workgroup,
				Port:          int32(m.TCPPort()),
			},
		}
		raw := wire.PackContextInfoResponse(resp)
		if _, err := conn.WriteTo(raw, addr); err != nil {
			m.logger.Debug("udp responder: failed to send response", zap.Error(err))
		}
	case pkt.Kill != nil:
		if !m.cfg.AllowRemoteKill {
			m.logger.Warn("udp responder: received kill request but AllowRemoteKill is false, ignoring")
			return
		}
		fmt.Fprintf(os.Stderr, "qmi: context %s killed by remote request\n", m.cfg.ContextID)
		os.Exit(1)
	}
}

func randomPktID() uint64 {
	return address.NewRequestID()
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
