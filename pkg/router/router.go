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

// Package router implements the message router of spec.md §4.5: the
// local handler registry, deliver/send split, and the peer-connection
// lifecycle operations layered over pkg/socket. Grounded on the
// teacher's pkg/p2p.MessageServer handler map and Start/Stop shape.
package router

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
	"github.com/QuTech-Delft/QMI-sub000/pkg/eventloop"
	"github.com/QuTech-Delft/QMI-sub000/pkg/metrics"
	"github.com/QuTech-Delft/QMI-sub000/pkg/socket"
	"github.com/QuTech-Delft/QMI-sub000/pkg/wire"
)

// Handler is invoked synchronously by DeliverMessage for every message
// addressed to the object it is registered under.
type Handler func(msg wire.Message)

// Config configures a Router.
type Config struct {
	ContextID              string
	Version                string
	Workgroup              string
	AllowRemoteKill         bool
	SuppressVersionWarning  bool
	SendRateLimitPerStream  float64
	EventLoopQueueDepth     int
}

// Router is the per-context message router. It must be Started before
// any handler registration, connection or send operation, and Stopped
// exactly once when the owning context shuts down.
type Router struct {
	logger *zap.Logger
	cfg    Config

	mu       sync.RWMutex
	handlers map[string]Handler
	started  bool

	// outgoing tracks the set of peer names we have dialed ourselves,
	// so a second ConnectToPeer to the same name is rejected before it
	// ever reaches the socket layer (spec.md §4.4's duplicate-outgoing
	// rule is the router's responsibility, not the socket manager's).
	outgoing map[string]bool

	peerAddedCb   func(name string)
	peerRemovedCb func(name string)

	loop *eventloop.Loop
	sock *socket.Manager
}

// New creates a Router. It does nothing until Start is called.
func New(logger *zap.Logger, cfg Config) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:   logger,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		outgoing: make(map[string]bool),
	}
}

// Start spins up the event loop and the socket manager. It must be
// called exactly once, before any other Router method except
// SetPeerContextCallbacks.
func (r *Router) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return cerror.ErrInvalidOperation.GenWithStackByArgs("router already started")
	}
	r.started = true
	r.mu.Unlock()

	depth := r.cfg.EventLoopQueueDepth
	if depth <= 0 {
		depth = 64
	}
	r.loop = eventloop.New(r.logger, depth, nil)
	go r.loop.Run()
	select {
	case <-r.loop.Ready():
	case <-time.After(5 * time.Second):
		return cerror.ErrInvalidOperation.GenWithStackByArgs("event loop never became ready")
	}

	r.sock = socket.NewManager(r.logger, r.loop, socket.Config{
		ContextID:              r.cfg.ContextID,
		Version:                r.cfg.Version,
		SuppressVersionWarning: r.cfg.SuppressVersionWarning,
		AllowRemoteKill:        r.cfg.AllowRemoteKill,
		Workgroup:              r.cfg.Workgroup,
		SendRateLimitPerStream: r.cfg.SendRateLimitPerStream,
	}, socket.Hooks{
		Deliver:     r.deliverFromSocket,
		PeerAdded:   r.onPeerAdded,
		PeerRemoved: r.onPeerRemoved,
	})
	return nil
}

// Stop tears down every peer connection and listener, then stops the
// event loop. It blocks until both have fully exited.
func (r *Router) Stop() {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	if !started {
		return
	}
	r.sock.Shutdown()
	r.loop.Shutdown()
	<-r.loop.Done()
}

// deliverFromSocket is the socket manager's Deliver hook: every
// message arriving over a peer connection comes through here on its
// way to DeliverMessage.
func (r *Router) deliverFromSocket(msg wire.Message) {
	if err := r.DeliverMessage(msg); err != nil {
		r.logger.Warn("failed to deliver message received from peer", zap.Error(err))
	}
}

func (r *Router) onPeerAdded(name string) {
	r.mu.RLock()
	cb := r.peerAddedCb
	r.mu.RUnlock()
	if cb != nil {
		cb(name)
	}
}

func (r *Router) onPeerRemoved(name string) {
	r.mu.Lock()
	delete(r.outgoing, name)
	cb := r.peerRemovedCb
	r.mu.Unlock()
	if cb != nil {
		cb(name)
	}
}

// RegisterHandler registers h as the handler for objectID. It fails
// with ErrDuplicateName if a handler is already registered there.
func (r *Router) RegisterHandler(objectID string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[objectID]; exists {
		return cerror.ErrDuplicateName.GenWithStackByArgs(objectID)
	}
	r.handlers[objectID] = h
	return nil
}

// UnregisterHandler removes the handler for objectID, if any.
func (r *Router) UnregisterHandler(objectID string) {
	r.mu.Lock()
	delete(r.handlers, objectID)
	r.mu.Unlock()
}

// DeliverMessage looks up the handler for msg's destination object
// and invokes it synchronously. It is safe to call from any goroutine.
func (r *Router) DeliverMessage(msg wire.Message) error {
	d, ok := msg.(wire.Destined)
	if !ok {
		return cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("message kind %s has no destination", msg.Kind()))
	}
	dest := d.DestinationAddr()
	if dest.ContextID != r.cfg.ContextID {
		return cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("message addressed to context %q, this is %q", dest.ContextID, r.cfg.ContextID))
	}

	r.mu.RLock()
	h, ok := r.handlers[dest.ObjectID]
	r.mu.RUnlock()
	if !ok {
		return cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("no handler registered for object %q", dest.ObjectID))
	}

	r.runHandlerSafely(h, msg)
	metrics.Router.Delivered.WithLabelValues(string(msg.Kind())).Inc()
	return nil
}

func (r *Router) runHandlerSafely(h Handler, msg wire.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("router: handler panicked, swallowed", zap.Any("panic", rec), zap.String("kind", string(msg.Kind())))
		}
	}()
	h(msg)
}

// SendMessage routes msg to its destination: locally via
// DeliverMessage, or remotely by forwarding the write into the event
// loop. If there is no connection to a remote destination and msg is
// a Request, a synthetic ErrorReply is delivered back to the (local)
// source instead of returning an error. Sending through a router that
// was never started returns ErrInvalidOperation.
func (r *Router) SendMessage(msg wire.Message) error {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	if !started {
		return cerror.ErrInvalidOperation.GenWithStackByArgs("router not started")
	}

	d, ok := msg.(wire.Destined)
	if !ok {
		return cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("message kind %s has no destination", msg.Kind()))
	}
	dest := d.DestinationAddr()

	if dest.ContextID == r.cfg.ContextID {
		return r.DeliverMessage(msg)
	}

	src := d.SourceAddr()
	if src.ContextID != r.cfg.ContextID {
		return cerror.ErrInvalidOperation.GenWithStackByArgs("remote-to-remote forwarding is forbidden")
	}

	connected := false
	for _, name := range r.sock.Connected() {
		if name == dest.ContextID {
			connected = true
			break
		}
	}
	if !connected {
		metrics.Router.Synthesized.WithLabelValues("no_connection").Inc()
		if req, ok := msg.(wire.IsRequest); ok {
			return r.DeliverMessage(syntheticNoConnectionReply(req))
		}
		return cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("no connection to %s", dest.ContextID))
	}

	if err := r.sock.SendToPeer(dest.ContextID, msg); err != nil {
		return err
	}
	metrics.Router.Forwarded.WithLabelValues(dest.ContextID).Inc()
	return nil
}

func syntheticNoConnectionReply(req wire.IsRequest) wire.Message {
	reason := fmt.Sprintf("no connection to %s", req.DestinationAddr().ContextID)
	return wire.ErrorReply{Source: req.DestinationAddr(), Destination: req.SourceAddr(), InReplyTo: req.RequestIDValue(), Reason: reason}
}

// StartTCPServer binds a TCP listener on port (0 for OS-assigned) and
// hands it to the socket manager. It returns the bound port.
func (r *Router) StartTCPServer(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, cerror.ErrConfiguration.GenWithStackByArgs(fmt.Sprintf("failed to bind tcp server: %v", err))
	}
	r.sock.StartTCPServer(ln)
	return r.sock.TCPPort(), nil
}

// StartUDPResponder binds the discovery/kill UDP responder on port
// (typically wire.DefaultDiscoveryPort).
func (r *Router) StartUDPResponder(port int) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return cerror.ErrConfiguration.GenWithStackByArgs(fmt.Sprintf("failed to bind udp responder: %v", err))
	}
	r.sock.StartUDPResponder(conn)
	return nil
}

// ConnectToPeer opens an outgoing connection to name at addr,
// rejecting a second outgoing connection to the same name.
func (r *Router) ConnectToPeer(name, addr string) error {
	if !address.IsValidName(name) {
		return cerror.ErrUsage.GenWithStackByArgs(fmt.Sprintf("invalid peer name %q", name))
	}
	r.mu.Lock()
	if r.outgoing[name] {
		r.mu.Unlock()
		return cerror.ErrDuplicateName.GenWithStackByArgs(fmt.Sprintf("already have an outgoing connection to %s", name))
	}
	r.outgoing[name] = true
	r.mu.Unlock()

	if err := r.sock.ConnectToPeer(name, addr); err != nil {
		r.mu.Lock()
		delete(r.outgoing, name)
		r.mu.Unlock()
		return err
	}
	return nil
}

// DisconnectFromPeer closes the named peer connection, whichever
// direction it was established in.
func (r *Router) DisconnectFromPeer(name string) error {
	r.mu.Lock()
	delete(r.outgoing, name)
	r.mu.Unlock()
	return r.sock.DisconnectFromPeer(name)
}

// SetPeerContextCallbacks registers added/removed callbacks. It must
// be called before Start; a later call returns ErrInvalidOperation.
func (r *Router) SetPeerContextCallbacks(added, removed func(name string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return cerror.ErrInvalidOperation.GenWithStackByArgs("peer context callbacks must be set before Start")
	}
	r.peerAddedCb = added
	r.peerRemovedCb = removed
	return nil
}

// Connected returns the names of every established peer connection.
func (r *Router) Connected() []string {
	return r.sock.Connected()
}
