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

// Package address implements the (context_id, object_id) addressing
// scheme, name validation, request-id minting and lock tokens described
// in spec.md §3.
package address

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"

	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
)

// MaxNameLength is the maximum length of a context or object name.
const MaxNameLength = 63

// IsValidName reports whether name is an acceptable context/object name:
// 1 to 63 characters drawn from [A-Za-z0-9_-()], or an internally
// reserved name starting with '$' (which bypasses validation entirely).
func IsValidName(name string) bool {
	if strings.HasPrefix(name, "$") {
		return true
	}
	if len(name) == 0 || len(name) > MaxNameLength {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isNameByte(name[i]) {
			return false
		}
	}
	return true
}

func isNameByte(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z':
		return true
	case b >= 'a' && b <= 'z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '_' || b == '-' || b == '(' || b == ')':
		return true
	}
	return false
}

// Address is the full address of a message handler: the context that
// hosts it and the object id within that context.
type Address struct {
	ContextID string
	ObjectID  string
}

// New builds an Address, returning ErrUsage if either component fails
// name validation.
func New(contextID, objectID string) (Address, error) {
	if !IsValidName(contextID) {
		return Address{}, cerror.ErrUsage.GenWithStackByArgs(fmt.Sprintf("invalid context id %q", contextID))
	}
	if !IsValidName(objectID) {
		return Address{}, cerror.ErrUsage.GenWithStackByArgs(fmt.Sprintf("invalid object id %q", objectID))
	}
	return Address{ContextID: contextID, ObjectID: objectID}, nil
}

// String renders the address in "context_id.object_id" form.
func (a Address) String() string {
	return a.ContextID + "." + a.ObjectID
}

// IsEmpty reports whether a is the zero Address.
func (a Address) IsEmpty() bool {
	return a.ContextID == "" && a.ObjectID == ""
}

// NewRequestID mints a fresh 64-bit random request id, as spec.md §3
// requires for every Request message.
func NewRequestID() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is not something callers can recover
		// from meaningfully; fall back to a degraded but still
		// request-unique value rather than panicking mid-RPC.
		return degradedRequestID()
	}
	return binary.LittleEndian.Uint64(buf[:])
}

var fallbackCounter uint64

func degradedRequestID() uint64 {
	fallbackCounter++
	return fallbackCounter
}

// LockToken identifies a lock held on an RPC object: the context that
// requested it, plus an opaque token string. Equality is by value.
type LockToken struct {
	ContextID string
	Token     string
}

// Sentinel tokens used in LockRpcReply to distinguish "request refused"
// from "object locked, holder undisclosed" without ever leaking the
// real token to a caller that isn't the holder.
var (
	AccessDenied = LockToken{ContextID: "$sentinel", Token: "ACCESS_DENIED"}
	ObjectLocked = LockToken{ContextID: "$sentinel", Token: "OBJECT_LOCKED"}
)

// IsSentinel reports whether t is one of the reserved placeholder tokens.
func (t LockToken) IsSentinel() bool {
	return t == AccessDenied || t == ObjectLocked
}

// IsZero reports whether t is the zero LockToken (no lock held).
func (t LockToken) IsZero() bool {
	return t == LockToken{}
}
