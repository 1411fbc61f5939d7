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

// Package wire implements the message envelopes, their msgpack
// serialization, TCP framing and the UDP discovery packet layout
// described in spec.md §3 and §4.1.
package wire

import "github.com/QuTech-Delft/QMI-sub000/pkg/address"

// Kind discriminates the wire message subtypes (spec.md §3).
type Kind string

const (
	KindHandshake                Kind = "handshake"
	KindMethodRPCRequest         Kind = "method_rpc_request"
	KindMethodRPCReply           Kind = "method_rpc_reply"
	KindLockRPCRequest           Kind = "lock_rpc_request"
	KindLockRPCReply             Kind = "lock_rpc_reply"
	KindErrorReply               Kind = "error_reply"
	KindSignalMessage            Kind = "signal_message"
	KindSignalSubscriptionReq    Kind = "signal_subscription_request"
	KindSignalSubscriptionReply  Kind = "signal_subscription_reply"
	KindSignalRemovedMessage     Kind = "signal_removed_message"
)

// Message is implemented by every wire message subtype.
type Message interface {
	Kind() Kind
}

// Addressed is implemented by messages that carry a source address.
// Handshake carries a source but no destination; everything else
// carries both.
type Addressed interface {
	Message
	SourceAddr() address.Address
}

// Destined is implemented by every message with a destination, i.e.
// everything except Handshake.
type Destined interface {
	Addressed
	DestinationAddr() address.Address
}

// IsRequest is implemented by the messages that carry a request id:
// MethodRpcRequest, LockRpcRequest, SignalSubscriptionRequest.
type IsRequest interface {
	Destined
	RequestIDValue() uint64
}

// IsReply is implemented by the messages that answer a request id:
// MethodRpcReply, LockRpcReply, ErrorReply, SignalSubscriptionReply.
type IsReply interface {
	Destined
	InReplyToValue() uint64
}

// Handshake is the first message exchanged on a new peer TCP
// connection, in both directions.
type Handshake struct {
	Source   address.Address
	Version  string
	IsServer bool
}

func (Handshake) Kind() Kind                      { return KindHandshake }
func (h Handshake) SourceAddr() address.Address   { return h.Source }

// MethodRpcRequest invokes a named method on a remote (or local) object.
type MethodRpcRequest struct {
	Source      address.Address
	Destination address.Address
	RequestID   uint64
	Method      string
	Args        []interface{}
	Kwargs      map[string]interface{}
	LockToken   *address.LockToken
}

func (MethodRpcRequest) Kind() Kind                         { return KindMethodRPCRequest }
func (m MethodRpcRequest) SourceAddr() address.Address      { return m.Source }
func (m MethodRpcRequest) DestinationAddr() address.Address { return m.Destination }
func (m MethodRpcRequest) RequestIDValue() uint64            { return m.RequestID }

// MethodRpcOutcome tags the result carried by a MethodRpcReply.
type MethodRpcOutcome string

const (
	OutcomeValue        MethodRpcOutcome = "value"
	OutcomeException     MethodRpcOutcome = "exception"
	OutcomeObjectLocked MethodRpcOutcome = "object_locked"
)

// MethodRpcReply answers a MethodRpcRequest.
type MethodRpcReply struct {
	Source      address.Address
	Destination address.Address
	InReplyTo   uint64
	Outcome     MethodRpcOutcome
	Value       interface{}
	ErrorText   string
}

func (MethodRpcReply) Kind() Kind                         { return KindMethodRPCReply }
func (m MethodRpcReply) SourceAddr() address.Address      { return m.Source }
func (m MethodRpcReply) DestinationAddr() address.Address { return m.Destination }
func (m MethodRpcReply) InReplyToValue() uint64            { return m.InReplyTo }

// LockAction selects the lock operation carried by a LockRpcRequest.
type LockAction string

const (
	LockAcquire      LockAction = "acquire"
	LockRelease      LockAction = "release"
	LockForceRelease LockAction = "force_release"
	LockQuery        LockAction = "query"
)

// LockRpcRequest manipulates an RPC object's lock slot.
type LockRpcRequest struct {
	Source      address.Address
	Destination address.Address
	RequestID   uint64
	Action      LockAction
	LockToken   address.LockToken
}

func (LockRpcRequest) Kind() Kind                         { return KindLockRPCRequest }
func (m LockRpcRequest) SourceAddr() address.Address      { return m.Source }
func (m LockRpcRequest) DestinationAddr() address.Address { return m.Destination }
func (m LockRpcRequest) RequestIDValue() uint64            { return m.RequestID }

// LockRpcReply answers a LockRpcRequest with the slot's token after
// the action, or one of the sentinel tokens.
type LockRpcReply struct {
	Source      address.Address
	Destination address.Address
	InReplyTo   uint64
	Token       address.LockToken
}

func (LockRpcReply) Kind() Kind                         { return KindLockRPCReply }
func (m LockRpcReply) SourceAddr() address.Address      { return m.Source }
func (m LockRpcReply) DestinationAddr() address.Address { return m.Destination }
func (m LockRpcReply) InReplyToValue() uint64            { return m.InReplyTo }

// ErrorReply is synthesized whenever delivery or dispatch of a Request
// fails. Its Reason is a human-readable text, except in the replies an
// RPC worker synthesizes for requests still queued at shutdown, whose
// Reason is empty.
type ErrorReply struct {
	Source      address.Address
	Destination address.Address
	InReplyTo   uint64
	Reason      string
}

func (ErrorReply) Kind() Kind                         { return KindErrorReply }
func (m ErrorReply) SourceAddr() address.Address      { return m.Source }
func (m ErrorReply) DestinationAddr() address.Address { return m.Destination }
func (m ErrorReply) InReplyToValue() uint64            { return m.InReplyTo }

// SignalMessage is a best-effort broadcast of a published signal.
type SignalMessage struct {
	Source      address.Address
	Destination address.Address
	Publisher   string
	SignalName  string
	Args        []interface{}
}

func (SignalMessage) Kind() Kind                         { return KindSignalMessage }
func (m SignalMessage) SourceAddr() address.Address      { return m.Source }
func (m SignalMessage) DestinationAddr() address.Address { return m.Destination }

// SignalSubscriptionRequest asks a remote context to (un)subscribe us
// to one of its signals.
type SignalSubscriptionRequest struct {
	Source        address.Address
	Destination   address.Address
	RequestID     uint64
	PublisherName string
	SignalName    string
	Subscribe     bool
}

func (SignalSubscriptionRequest) Kind() Kind                         { return KindSignalSubscriptionReq }
func (m SignalSubscriptionRequest) SourceAddr() address.Address      { return m.Source }
func (m SignalSubscriptionRequest) DestinationAddr() address.Address { return m.Destination }
func (m SignalSubscriptionRequest) RequestIDValue() uint64            { return m.RequestID }

// SignalSubscriptionReply answers a SignalSubscriptionRequest.
type SignalSubscriptionReply struct {
	Source      address.Address
	Destination address.Address
	InReplyTo   uint64
	Success     bool
	ErrorText   string
}

func (SignalSubscriptionReply) Kind() Kind                         { return KindSignalSubscriptionReply }
func (m SignalSubscriptionReply) SourceAddr() address.Address      { return m.Source }
func (m SignalSubscriptionReply) DestinationAddr() address.Address { return m.Destination }
func (m SignalSubscriptionReply) InReplyToValue() uint64            { return m.InReplyTo }

// SignalRemovedMessage notifies a remote subscriber that a publisher
// object no longer exists.
type SignalRemovedMessage struct {
	Source      address.Address
	Destination address.Address
	Publisher   string
	SignalName  string
}

func (SignalRemovedMessage) Kind() Kind                         { return KindSignalRemovedMessage }
func (m SignalRemovedMessage) SourceAddr() address.Address      { return m.Source }
func (m SignalRemovedMessage) DestinationAddr() address.Address { return m.Destination }
