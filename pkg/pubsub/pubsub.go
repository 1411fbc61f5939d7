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

// Package pubsub implements the per-context publish/subscribe manager
// of spec.md §4.8: a local subscription table, a remote subscription
// state machine reconciled through pending requests, and signal
// fan-out to Receivers. Grounded on original_source/qmi/core/pubsub.py's
// two pending-request maps, generalized with the teacher's
// mutex-guarded-map-plus-outside-lock-delivery idiom from
// pkg/p2p/server.go's handler dispatch.
package pubsub

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
	"github.com/QuTech-Delft/QMI-sub000/pkg/metrics"
	"github.com/QuTech-Delft/QMI-sub000/pkg/wire"
)

// ObjectID is the reserved address this manager answers to within its
// context, per spec.md §6.
const ObjectID = "$pubsub"

// Sender is the slice of *router.Router the manager needs to forward
// subscription traffic and signals to remote contexts.
type Sender interface {
	SendMessage(msg wire.Message) error
}

// ObjectLookup reports whether a local RPC object is currently
// registered, used to validate a local publisher before subscribing.
type ObjectLookup func(objectID string) bool

func signalKey(publisherContext, publisherName, signalName string) string {
	return fmt.Sprintf("%s.%s.%s", publisherContext, publisherName, signalName)
}

func remoteKey(publisherName, signalName string) string {
	return publisherName + "." + signalName
}

// pendingRequest tracks one in-flight subscribe/unsubscribe exchange
// with a remote context.
type pendingRequest struct {
	requestID        uint64
	isSubscribe      bool
	publisherContext string
	publisherName    string
	signalName       string
	receiversToAttach map[*Receiver]struct{}

	done    chan struct{}
	success bool
	errText string
}

// Manager is the per-context pub/sub manager, registered as a message
// handler under ObjectID.
type Manager struct {
	logger    *zap.Logger
	contextID string
	sender    Sender
	lookup    ObjectLookup

	mu                        sync.Mutex
	localSubscriptions        map[string]map[*Receiver]struct{}
	remoteSubscriptions       map[string]map[string]struct{}
	pendingByRequestID        map[uint64]*pendingRequest
	pendingBySignal           map[string]*pendingRequest
}

// New builds a Manager for the owning context. lookup is consulted to
// validate that a local publisher object still exists.
func New(logger *zap.Logger, contextID string, sender Sender, lookup ObjectLookup) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:              logger,
		contextID:           contextID,
		sender:              sender,
		lookup:              lookup,
		localSubscriptions:  make(map[string]map[*Receiver]struct{}),
		remoteSubscriptions: make(map[string]map[string]struct{}),
		pendingByRequestID:  make(map[uint64]*pendingRequest),
		pendingBySignal:     make(map[string]*pendingRequest),
	}
}

// HandleMessage dispatches an inbound message addressed to $pubsub.
func (m *Manager) HandleMessage(msg wire.Message) {
	switch req := msg.(type) {
	case wire.SignalSubscriptionRequest:
		m.handleSubscriptionRequest(req)
	case wire.SignalSubscriptionReply:
		m.handleSubscriptionReply(req)
	case wire.ErrorReply:
		m.handleErrorReply(req)
	case wire.SignalMessage:
		m.handleIncomingSignal(req)
	case wire.SignalRemovedMessage:
		m.handleSignalRemoved(req)
	}
}

// Subscribe attaches receiver to publisherContext.publisherName.signalName,
// per spec.md §4.8's local-subscribe algorithm. An empty
// publisherContext resolves to this manager's own context.
func (m *Manager) Subscribe(publisherContext, publisherName, signalName string, receiver *Receiver) error {
	if publisherContext == "" {
		publisherContext = m.contextID
	}

	if publisherContext == m.contextID {
		if !m.lookup(publisherName) {
			return cerror.ErrUsage.GenWithStackByArgs(fmt.Sprintf("no such publisher object %q", publisherName))
		}
		key := signalKey(publisherContext, publisherName, signalName)
		m.mu.Lock()
		m.addLocalSubscriber(key, receiver)
		m.mu.Unlock()

		if !m.lookup(publisherName) {
			m.mu.Lock()
			m.removeLocalSubscriber(key, receiver)
			m.mu.Unlock()
			return cerror.ErrUsage.GenWithStackByArgs(fmt.Sprintf("publisher object %q vanished during subscribe", publisherName))
		}
		metrics.PubSub.Subscriptions.WithLabelValues("local").Inc()
		return nil
	}

	key := signalKey(publisherContext, publisherName, signalName)
	rkey := remoteKey(publisherName, signalName)

	m.mu.Lock()
	if subs, ok := m.localSubscriptions[key]; ok && len(subs) > 0 {
		m.addLocalSubscriber(key, receiver)
		m.mu.Unlock()
		metrics.PubSub.Subscriptions.WithLabelValues("remote").Inc()
		return nil
	}

	pend, ok := m.pendingBySignal[rkey]
	var toSend wire.Message
	if !ok {
		pend = &pendingRequest{
			requestID:        address.NewRequestID(),
			isSubscribe:      true,
			publisherContext: publisherContext,
			publisherName:    publisherName,
			signalName:       signalName,
			receiversToAttach: map[*Receiver]struct{}{},
			done:             make(chan struct{}),
		}
		m.pendingByRequestID[pend.requestID] = pend
		m.pendingBySignal[rkey] = pend
		toSend = wire.SignalSubscriptionRequest{
			Source:        address.Address{ContextID: m.contextID, ObjectID: ObjectID},
			Destination:   address.Address{ContextID: publisherContext, ObjectID: ObjectID},
			RequestID:     pend.requestID,
			PublisherName: publisherName,
			SignalName:    signalName,
			Subscribe:     true,
		}
	}
	pend.receiversToAttach[receiver] = struct{}{}
	m.mu.Unlock()

	if toSend != nil {
		if err := m.sender.SendMessage(toSend); err != nil {
			m.logger.Debug("failed to send subscription request", zap.Error(err))
		}
	}

	<-pend.done
	if !pend.success {
		return cerror.ErrSignalSubscription.GenWithStackByArgs(pend.errText)
	}
	return nil
}

// Unsubscribe detaches receiver from the given signal, per spec.md
// §4.8's local-unsubscribe algorithm. Unsubscribe never raises to the
// caller.
func (m *Manager) Unsubscribe(publisherContext, publisherName, signalName string, receiver *Receiver) {
	if publisherContext == "" {
		publisherContext = m.contextID
	}
	key := signalKey(publisherContext, publisherName, signalName)

	if publisherContext == m.contextID {
		m.mu.Lock()
		removed := false
		if set, ok := m.localSubscriptions[key]; ok {
			if _, present := set[receiver]; present {
				removed = true
			}
		}
		m.removeLocalSubscriber(key, receiver)
		m.mu.Unlock()
		if removed {
			metrics.PubSub.Subscriptions.WithLabelValues("local").Dec()
		}
		return
	}

	rkey := remoteKey(publisherName, signalName)
	m.mu.Lock()
	removed := false
	if set, ok := m.localSubscriptions[key]; ok {
		if _, present := set[receiver]; present {
			removed = true
		}
	}
	lastLocal := m.removeLocalSubscriberLocked(key, receiver)
	var toSend wire.Message
	if lastLocal {
		if _, pending := m.pendingBySignal[rkey]; !pending {
			pend := &pendingRequest{
				requestID:        address.NewRequestID(),
				isSubscribe:      false,
				publisherContext: publisherContext,
				publisherName:    publisherName,
				signalName:       signalName,
				receiversToAttach: map[*Receiver]struct{}{},
				done:             make(chan struct{}),
			}
			m.pendingByRequestID[pend.requestID] = pend
			m.pendingBySignal[rkey] = pend
			toSend = wire.SignalSubscriptionRequest{
				Source:        address.Address{ContextID: m.contextID, ObjectID: ObjectID},
				Destination:   address.Address{ContextID: publisherContext, ObjectID: ObjectID},
				RequestID:     pend.requestID,
				PublisherName: publisherName,
				SignalName:    signalName,
				Subscribe:     false,
			}
		}
	}
	m.mu.Unlock()

	if removed {
		metrics.PubSub.Subscriptions.WithLabelValues("remote").Dec()
	}
	if toSend != nil {
		if err := m.sender.SendMessage(toSend); err != nil {
			m.logger.Debug("failed to send unsubscription request", zap.Error(err))
		}
	}
}

func (m *Manager) addLocalSubscriber(key string, receiver *Receiver) {
	set, ok := m.localSubscriptions[key]
	if !ok {
		set = make(map[*Receiver]struct{})
		m.localSubscriptions[key] = set
	}
	set[receiver] = struct{}{}
}

func (m *Manager) removeLocalSubscriber(key string, receiver *Receiver) {
	m.removeLocalSubscriberLocked(key, receiver)
}

// removeLocalSubscriberLocked removes receiver from key's subscriber
// set and reports whether that removal emptied the set.
func (m *Manager) removeLocalSubscriberLocked(key string, receiver *Receiver) bool {
	set, ok := m.localSubscriptions[key]
	if !ok {
		return false
	}
	delete(set, receiver)
	if len(set) == 0 {
		delete(m.localSubscriptions, key)
		return true
	}
	return false
}

func (m *Manager) handleSubscriptionRequest(req wire.SignalSubscriptionRequest) {
	rkey := remoteKey(req.PublisherName, req.SignalName)
	reply := wire.SignalSubscriptionReply{
		Source:      req.Destination,
		Destination: req.Source,
		InReplyTo:   req.RequestID,
	}

	if req.Subscribe {
		if !m.lookup(req.PublisherName) {
			reply.Success = false
			reply.ErrorText = fmt.Sprintf("no such publisher object %q", req.PublisherName)
			m.send(reply)
			return
		}
		m.mu.Lock()
		set, ok := m.remoteSubscriptions[rkey]
		if !ok {
			set = make(map[string]struct{})
			m.remoteSubscriptions[rkey] = set
		}
		set[req.Source.ContextID] = struct{}{}
		m.mu.Unlock()

		if !m.lookup(req.PublisherName) {
			m.mu.Lock()
			delete(set, req.Source.ContextID)
			if len(set) == 0 {
				delete(m.remoteSubscriptions, rkey)
			}
			m.mu.Unlock()
			reply.Success = false
			reply.ErrorText = fmt.Sprintf("publisher object %q vanished during subscribe", req.PublisherName)
			m.send(reply)
			return
		}
		reply.Success = true
		m.send(reply)
		return
	}

	m.mu.Lock()
	if set, ok := m.remoteSubscriptions[rkey]; ok {
		delete(set, req.Source.ContextID)
		if len(set) == 0 {
			delete(m.remoteSubscriptions, rkey)
		}
	}
	m.mu.Unlock()
	reply.Success = true
	m.send(reply)
}

func (m *Manager) handleSubscriptionReply(rep wire.SignalSubscriptionReply) {
	m.completePending(rep.InReplyTo, rep.Success, rep.ErrorText)
}

func (m *Manager) handleErrorReply(rep wire.ErrorReply) {
	m.completePending(rep.InReplyTo, false, rep.Reason)
}

func (m *Manager) completePending(requestID uint64, success bool, errText string) {
	m.mu.Lock()
	pend, ok := m.pendingByRequestID[requestID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pendingByRequestID, requestID)
	delete(m.pendingBySignal, remoteKey(pend.publisherName, pend.signalName))

	var resubscribe wire.Message
	attached := 0
	if pend.isSubscribe && success {
		key := signalKey(pend.publisherContext, pend.publisherName, pend.signalName)
		set, ok := m.localSubscriptions[key]
		if !ok {
			set = make(map[*Receiver]struct{})
			m.localSubscriptions[key] = set
		}
		for r := range pend.receiversToAttach {
			set[r] = struct{}{}
			attached++
		}
	} else if !pend.isSubscribe && len(pend.receiversToAttach) > 0 {
		newPend := &pendingRequest{
			requestID:         address.NewRequestID(),
			isSubscribe:       true,
			publisherContext:  pend.publisherContext,
			publisherName:     pend.publisherName,
			signalName:        pend.signalName,
			receiversToAttach: pend.receiversToAttach,
			done:              make(chan struct{}),
		}
		m.pendingByRequestID[newPend.requestID] = newPend
		m.pendingBySignal[remoteKey(newPend.publisherName, newPend.signalName)] = newPend
		resubscribe = wire.SignalSubscriptionRequest{
			Source:        address.Address{ContextID: m.contextID, ObjectID: ObjectID},
			Destination:   address.Address{ContextID: newPend.publisherContext, ObjectID: ObjectID},
			RequestID:     newPend.requestID,
			PublisherName: newPend.publisherName,
			SignalName:    newPend.signalName,
			Subscribe:     true,
		}
	}
	m.mu.Unlock()

	pend.success = success
	pend.errText = errText
	close(pend.done)

	if attached > 0 {
		metrics.PubSub.Subscriptions.WithLabelValues("remote").Add(float64(attached))
	}
	if resubscribe != nil {
		if err := m.sender.SendMessage(resubscribe); err != nil {
			m.logger.Debug("failed to re-send subscription after unsubscribe race", zap.Error(err))
		}
	}
}

// Publish delivers a signal locally (synchronously, outside the
// manager's mutex) and forwards it to every remote subscriber.
func (m *Manager) Publish(publisherName, signalName string, args []interface{}) {
	key := signalKey(m.contextID, publisherName, signalName)
	m.mu.Lock()
	var receivers []*Receiver
	for r := range m.localSubscriptions[key] {
		receivers = append(receivers, r)
	}
	var remotes []string
	for ctx := range m.remoteSubscriptions[remoteKey(publisherName, signalName)] {
		remotes = append(remotes, ctx)
	}
	m.mu.Unlock()

	for _, r := range receivers {
		r.deliver(m.contextID, publisherName, signalName, args)
	}
	metrics.PubSub.Published.WithLabelValues(publisherName).Inc()

	for _, ctx := range remotes {
		msg := wire.SignalMessage{
			Source:      address.Address{ContextID: m.contextID, ObjectID: ObjectID},
			Destination: address.Address{ContextID: ctx, ObjectID: ObjectID},
			Publisher:   publisherName,
			SignalName:  signalName,
			Args:        args,
		}
		if err := m.sender.SendMessage(msg); err != nil {
			m.logger.Debug("dropping signal to remote subscriber", zap.String("context", ctx), zap.Error(err))
		}
	}
}

func (m *Manager) handleIncomingSignal(msg wire.SignalMessage) {
	key := signalKey(msg.Source.ContextID, msg.Publisher, msg.SignalName)
	m.mu.Lock()
	var receivers []*Receiver
	for r := range m.localSubscriptions[key] {
		receivers = append(receivers, r)
	}
	m.mu.Unlock()
	for _, r := range receivers {
		r.deliver(msg.Source.ContextID, msg.Publisher, msg.SignalName, msg.Args)
	}
}

func (m *Manager) handleSignalRemoved(msg wire.SignalRemovedMessage) {
	key := signalKey(msg.Source.ContextID, msg.Publisher, msg.SignalName)
	m.mu.Lock()
	delete(m.localSubscriptions, key)
	m.mu.Unlock()
}

// HandlePeerContextRemoved performs disconnection housekeeping when
// the peer context `name` drops off the router.
func (m *Manager) HandlePeerContextRemoved(name string) {
	m.mu.Lock()
	for k, set := range m.remoteSubscriptions {
		delete(set, name)
		if len(set) == 0 {
			delete(m.remoteSubscriptions, k)
		}
	}
	for k := range m.localSubscriptions {
		// key format is "context.publisher.signal"
		if len(k) > len(name) && k[:len(name)+1] == name+"." {
			delete(m.localSubscriptions, k)
		}
	}
	m.mu.Unlock()
}

// HandleObjectRemoved performs disconnection housekeeping when a local
// RPC object is deregistered: local subscriptions on it are dropped
// and remote subscribers are told via SignalRemovedMessage.
func (m *Manager) HandleObjectRemoved(objectID string, signalNames []string) {
	prefix := m.contextID + "." + objectID + "."
	m.mu.Lock()
	for k := range m.localSubscriptions {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(m.localSubscriptions, k)
		}
	}
	type removal struct{ ctx, sig string }
	var notify []removal
	for _, sig := range signalNames {
		rkey := remoteKey(objectID, sig)
		if set, ok := m.remoteSubscriptions[rkey]; ok {
			for ctx := range set {
				notify = append(notify, removal{ctx: ctx, sig: sig})
			}
			delete(m.remoteSubscriptions, rkey)
		}
	}
	m.mu.Unlock()

	for _, n := range notify {
		msg := wire.SignalRemovedMessage{
			Source:      address.Address{ContextID: m.contextID, ObjectID: ObjectID},
			Destination: address.Address{ContextID: n.ctx, ObjectID: ObjectID},
			Publisher:   objectID,
			SignalName:  n.sig,
		}
		if err := m.sender.SendMessage(msg); err != nil {
			m.logger.Debug("failed to notify remote subscriber of object removal", zap.String("context", n.ctx), zap.Error(err))
		}
	}
}

func (m *Manager) send(msg wire.Message) {
	if err := m.sender.SendMessage(msg); err != nil {
		m.logger.Debug("failed to send pubsub reply", zap.Error(err))
	}
}
