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

package rpccore

import (
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
	"github.com/QuTech-Delft/QMI-sub000/pkg/wire"
)

// TokenMinter mints a lock-token string unique within its owning
// context, per spec.md §6's "$lock_N" reserved-name format.
// *Context already implements this via MakeUniqueToken.
type TokenMinter interface {
	MakeUniqueToken(prefix string) string
}

// fallbackLockCounter backs proxies built without a TokenMinter (e.g.
// in isolation, in tests): it mints the same "$lock_N" shape as
// Context.MakeUniqueToken, from one package-level counter shared by
// every such proxy in the process.
var fallbackLockCounter atomic.Uint64

// Sender is the slice of *router.Router a Proxy needs to address
// requests to a remote (or local) RPC object.
type Sender interface {
	SendMessage(msg wire.Message) error
}

// lockPollInterval is the retry cadence for Proxy.Lock, per spec.md
// §4.6's "retry until the deadline" acquisition algorithm.
const lockPollInterval = 100 * time.Millisecond

// Proxy is the client-side handle to one remote RPC object: it knows
// the object's Descriptor and turns Call/Lock/Unlock into request
// messages sent through a router, blocking on a Future for the reply.
type Proxy struct {
	registry  HandlerRegistry
	sender    Sender
	self      address.Address
	desc      Descriptor
	lockToken *address.LockToken
	minter    TokenMinter
}

// NewProxy builds a Proxy for desc, addressing requests as if sent
// from selfContextID (normally the calling context's own ID).
func NewProxy(registry HandlerRegistry, sender Sender, selfContextID string, desc Descriptor) *Proxy {
	return &Proxy{
		registry: registry,
		sender:   sender,
		self:     address.Address{ContextID: selfContextID},
		desc:     desc,
	}
}

// SetTokenMinter wires a TokenMinter (normally the owning *Context)
// into the proxy, so Lock/TryLock mint "$lock_N" tokens through it
// instead of the process-wide fallback counter.
func (p *Proxy) SetTokenMinter(m TokenMinter) { p.minter = m }

// newLockTokenValue mints a fresh "$lock_N" token string for a lock
// acquisition attempt, per spec.md §6's reserved-name format.
func (p *Proxy) newLockTokenValue() string {
	if p.minter != nil {
		return p.minter.MakeUniqueToken("$lock_")
	}
	return fmt.Sprintf("$lock_%d", fallbackLockCounter.Inc())
}

// Descriptor returns the object descriptor backing this proxy.
func (p *Proxy) Descriptor() Descriptor { return p.desc }

// Constant looks up a constant attribute advertised by the proxied
// object's descriptor.
func (p *Proxy) Constant(name string) (interface{}, bool) {
	v, ok := p.desc.Constants[name]
	return v, ok
}

// Call invokes method synchronously, blocking until a reply arrives or
// timeout elapses (timeout <= 0 waits forever).
func (p *Proxy) Call(timeout time.Duration, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	fut, err := p.CallAsync(method, args, kwargs)
	if err != nil {
		return nil, err
	}
	return fut.Wait(timeout)
}

// CallAsync sends a method RPC request and returns a Future the caller
// can Wait on at its own convenience.
func (p *Proxy) CallAsync(method string, args []interface{}, kwargs map[string]interface{}) (*Future, error) {
	fut := NewFuture(p.registry, p.self.ContextID)
	req := wire.MethodRpcRequest{
		Source:      fut.Addr(),
		Destination: p.desc.Address,
		RequestID:   address.NewRequestID(),
		Method:      method,
		Args:        args,
		Kwargs:      kwargs,
		LockToken:   p.lockToken,
	}
	if err := p.sender.SendMessage(req); err != nil {
		fut.Cancel()
		return nil, err
	}
	return fut, nil
}

// Lock acquires the object's lock. With timeout <= 0 it makes a
// single attempt and returns immediately on denial; with timeout > 0
// it retries every 100ms until it succeeds or timeout elapses, per
// spec.md §4.6.
func (p *Proxy) Lock(timeout time.Duration) error {
	token := address.LockToken{ContextID: p.self.ContextID, Token: p.newLockTokenValue()}
	if timeout <= 0 {
		tok, err := p.sendLockRequest(wire.LockAcquire, token)
		if err != nil {
			return err
		}
		if tok == address.AccessDenied {
			return cerror.ErrRPCTimeout.GenWithStackByArgs(fmt.Sprintf("lock denied for %s", p.desc.Address))
		}
		p.lockToken = &tok
		return nil
	}

	deadline := time.Now().Add(timeout)
	for {
		tok, err := p.sendLockRequest(wire.LockAcquire, token)
		if err != nil {
			return err
		}
		if tok != address.AccessDenied {
			p.lockToken = &tok
			return nil
		}
		if time.Now().After(deadline) {
			return cerror.ErrRPCTimeout.GenWithStackByArgs(fmt.Sprintf("timed out locking %s", p.desc.Address))
		}
		time.Sleep(lockPollInterval)
	}
}

// TryLock makes a single, non-retrying acquisition attempt.
func (p *Proxy) TryLock() (bool, error) {
	token := address.LockToken{ContextID: p.self.ContextID, Token: p.newLockTokenValue()}
	tok, err := p.sendLockRequest(wire.LockAcquire, token)
	if err != nil {
		return false, err
	}
	if tok == address.AccessDenied {
		return false, nil
	}
	p.lockToken = &tok
	return true, nil
}

// Unlock releases a lock this proxy holds. It is a no-op if the proxy
// does not currently hold the lock.
func (p *Proxy) Unlock() error {
	if p.lockToken == nil {
		return nil
	}
	_, err := p.sendLockRequest(wire.LockRelease, *p.lockToken)
	if err != nil {
		return err
	}
	p.lockToken = nil
	return nil
}

// ForceUnlock releases the object's lock regardless of who holds it.
func (p *Proxy) ForceUnlock() error {
	_, err := p.sendLockRequest(wire.LockForceRelease, address.LockToken{})
	p.lockToken = nil
	return err
}

// IsLocked reports whether the object currently has any holder.
func (p *Proxy) IsLocked() (bool, error) {
	tok, err := p.sendLockRequest(wire.LockQuery, address.LockToken{})
	if err != nil {
		return false, err
	}
	return tok == address.ObjectLocked, nil
}

func (p *Proxy) sendLockRequest(action wire.LockAction, token address.LockToken) (address.LockToken, error) {
	fut := NewFuture(p.registry, p.self.ContextID)
	req := wire.LockRpcRequest{
		Source:      fut.Addr(),
		Destination: p.desc.Address,
		RequestID:   address.NewRequestID(),
		Action:      action,
		LockToken:   token,
	}
	if err := p.sender.SendMessage(req); err != nil {
		fut.Cancel()
		return address.LockToken{}, err
	}
	v, err := fut.Wait(0)
	if err != nil {
		return address.LockToken{}, err
	}
	tok, ok := v.(address.LockToken)
	if !ok {
		return address.LockToken{}, fmt.Errorf("unexpected lock reply payload %T", v)
	}
	return tok, nil
}
