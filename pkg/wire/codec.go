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

package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
)

// FrameMagicByte is the single byte that starts every TCP frame.
const FrameMagicByte = 'P'

// MaxMessageSize is the largest payload (in bytes, not counting the
// frame header) this implementation accepts on a peer connection.
// A message of exactly this size is accepted; one byte larger closes
// the connection (spec.md §8 boundary behavior).
const MaxMessageSize = 10_000_000

// envelope is the on-the-wire, self-describing, tagged representation
// of every Message subtype. Only the fields relevant to Kind are
// populated; msgpack's `omitempty` keeps unused ones off the wire.
type envelope struct {
	Kind Kind `msgpack:"kind"`

	Source      address.Address `msgpack:"source,omitempty"`
	Destination address.Address `msgpack:"destination,omitempty"`

	RequestID uint64 `msgpack:"request_id,omitempty"`
	InReplyTo uint64 `msgpack:"in_reply_to,omitempty"`

	// Handshake
	Version  string `msgpack:"version,omitempty"`
	IsServer bool   `msgpack:"is_server,omitempty"`

	// MethodRpcRequest
	Method string                 `msgpack:"method,omitempty"`
	Args   []interface{}          `msgpack:"args,omitempty"`
	Kwargs map[string]interface{} `msgpack:"kwargs,omitempty"`

	LockToken    *address.LockToken `msgpack:"lock_token,omitempty"`
	LockAction   LockAction         `msgpack:"lock_action,omitempty"`
	LockReplyTok address.LockToken  `msgpack:"lock_reply_token,omitempty"`

	// MethodRpcReply
	Outcome   MethodRpcOutcome `msgpack:"outcome,omitempty"`
	Value     interface{}      `msgpack:"value,omitempty"`
	ErrorText string           `msgpack:"error_text,omitempty"`

	// SignalMessage / SignalSubscription*
	Publisher     string `msgpack:"publisher,omitempty"`
	SignalName    string `msgpack:"signal_name,omitempty"`
	PublisherName string `msgpack:"publisher_name,omitempty"`
	Subscribe     bool   `msgpack:"subscribe,omitempty"`
	Success       bool   `msgpack:"success,omitempty"`
}

// ToEnvelope converts a typed Message into its wire representation.
func ToEnvelope(m Message) (envelope, error) {
	switch v := m.(type) {
	case Handshake:
		return envelope{Kind: KindHandshake, Source: v.Source, Version: v.Version, IsServer: v.IsServer}, nil
	case MethodRpcRequest:
		return envelope{
			Kind: KindMethodRPCRequest, Source: v.Source, Destination: v.Destination,
			RequestID: v.RequestID, Method: v.Method, Args: v.Args, Kwargs: v.Kwargs,
			LockToken: v.LockToken,
		}, nil
	case MethodRpcReply:
		return envelope{
			Kind: KindMethodRPCReply, Source: v.Source, Destination: v.Destination,
			InReplyTo: v.InReplyTo, Outcome: v.Outcome, Value: v.Value, ErrorText: v.ErrorText,
		}, nil
	case LockRpcRequest:
		return envelope{
			Kind: KindLockRPCRequest, Source: v.Source, Destination: v.Destination,
			RequestID: v.RequestID, LockAction: v.Action, LockReplyTok: v.LockToken,
		}, nil
	case LockRpcReply:
		return envelope{
			Kind: KindLockRPCReply, Source: v.Source, Destination: v.Destination,
			InReplyTo: v.InReplyTo, LockReplyTok: v.Token,
		}, nil
	case ErrorReply:
		return envelope{
			Kind: KindErrorReply, Source: v.Source, Destination: v.Destination,
			InReplyTo: v.InReplyTo, ErrorText: v.Reason,
		}, nil
	case SignalMessage:
		return envelope{
			Kind: KindSignalMessage, Source: v.Source, Destination: v.Destination,
			Publisher: v.Publisher, SignalName: v.SignalName, Args: v.Args,
		}, nil
	case SignalSubscriptionRequest:
		return envelope{
			Kind: KindSignalSubscriptionReq, Source: v.Source, Destination: v.Destination,
			RequestID: v.RequestID, PublisherName: v.PublisherName, SignalName: v.SignalName,
			Subscribe: v.Subscribe,
		}, nil
	case SignalSubscriptionReply:
		return envelope{
			Kind: KindSignalSubscriptionReply, Source: v.Source, Destination: v.Destination,
			InReplyTo: v.InReplyTo, Success: v.Success, ErrorText: v.ErrorText,
		}, nil
	case SignalRemovedMessage:
		return envelope{
			Kind: KindSignalRemovedMessage, Source: v.Source, Destination: v.Destination,
			Publisher: v.Publisher, SignalName: v.SignalName,
		}, nil
	default:
		return envelope{}, cerror.ErrProtocol.GenWithStackByArgs(fmt.Sprintf("unknown message type %T", m))
	}
}

// FromEnvelope reconstructs the typed Message from its wire envelope.
func FromEnvelope(e envelope) (Message, error) {
	switch e.Kind {
	case KindHandshake:
		return Handshake{Source: e.Source, Version: e.Version, IsServer: e.IsServer}, nil
	case KindMethodRPCRequest:
		return MethodRpcRequest{
			Source: e.Source, Destination: e.Destination, RequestID: e.RequestID,
			Method: e.Method, Args: e.Args, Kwargs: e.Kwargs, LockToken: e.LockToken,
		}, nil
	case KindMethodRPCReply:
		return MethodRpcReply{
			Source: e.Source, Destination: e.Destination, InReplyTo: e.InReplyTo,
			Outcome: e.Outcome, Value: e.Value, ErrorText: e.ErrorText,
		}, nil
	case KindLockRPCRequest:
		return LockRpcRequest{
			Source: e.Source, Destination: e.Destination, RequestID: e.RequestID,
			Action: e.LockAction, LockToken: e.LockReplyTok,
		}, nil
	case KindLockRPCReply:
		return LockRpcReply{
			Source: e.Source, Destination: e.Destination, InReplyTo: e.InReplyTo,
			Token: e.LockReplyTok,
		}, nil
	case KindErrorReply:
		return ErrorReply{
			Source: e.Source, Destination: e.Destination, InReplyTo: e.InReplyTo,
			Reason: e.ErrorText,
		}, nil
	case KindSignalMessage:
		return SignalMessage{
			Source: e.Source, Destination: e.Destination,
			Publisher: e.Publisher, SignalName: e.SignalName, Args: e.Args,
		}, nil
	case KindSignalSubscriptionReq:
		return SignalSubscriptionRequest{
			Source: e.Source, Destination: e.Destination, RequestID: e.RequestID,
			PublisherName: e.PublisherName, SignalName: e.SignalName, Subscribe: e.Subscribe,
		}, nil
	case KindSignalSubscriptionReply:
		return SignalSubscriptionReply{
			Source: e.Source, Destination: e.Destination, InReplyTo: e.InReplyTo,
			Success: e.Success, ErrorText: e.ErrorText,
		}, nil
	case KindSignalRemovedMessage:
		return SignalRemovedMessage{
			Source: e.Source, Destination: e.Destination,
			Publisher: e.Publisher, SignalName: e.SignalName,
		}, nil
	default:
		return nil, cerror.ErrProtocol.GenWithStackByArgs(fmt.Sprintf("unknown wire kind %q", e.Kind))
	}
}

// Marshal serializes a Message to its msgpack-encoded payload.
func Marshal(m Message) ([]byte, error) {
	e, err := ToEnvelope(m)
	if err != nil {
		return nil, err
	}
	buf, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, cerror.Trace(err)
	}
	return buf, nil
}

// Unmarshal deserializes a msgpack-encoded payload back into a Message.
func Unmarshal(buf []byte) (Message, error) {
	var e envelope
	if err := msgpack.Unmarshal(buf, &e); err != nil {
		return nil, cerror.Trace(err)
	}
	return FromEnvelope(e)
}

// WriteFrame writes the 'P' + u64le length + payload frame for m to w.
func WriteFrame(w io.Writer, m Message) error {
	payload, err := Marshal(m)
	if err != nil {
		return err
	}
	if len(payload) > MaxMessageSize {
		return cerror.ErrProtocol.GenWithStackByArgs(fmt.Sprintf("message of %d bytes exceeds MaxMessageSize", len(payload)))
	}
	var header [9]byte
	header[0] = FrameMagicByte
	binary.LittleEndian.PutUint64(header[1:], uint64(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return cerror.Trace(err)
	}
	if _, err := w.Write(payload); err != nil {
		return cerror.Trace(err)
	}
	return nil
}

// ReadFrame reads one frame from r, returning the decoded Message.
// It returns ErrProtocol if the magic byte is wrong or the declared
// length exceeds MaxMessageSize.
func ReadFrame(r *bufio.Reader) (Message, error) {
	magic, err := r.ReadByte()
	if err != nil {
		return nil, cerror.Trace(err)
	}
	if magic != FrameMagicByte {
		return nil, cerror.ErrProtocol.GenWithStackByArgs(fmt.Sprintf("bad frame magic byte 0x%02x", magic))
	}
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, cerror.Trace(err)
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n > MaxMessageSize {
		return nil, cerror.ErrProtocol.GenWithStackByArgs(fmt.Sprintf("frame length %d exceeds MaxMessageSize", n))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, cerror.Trace(err)
	}
	return Unmarshal(payload)
}
