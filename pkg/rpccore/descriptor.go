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

// Package rpccore implements the RPC worker, descriptor, proxy and
// future of spec.md §4.6/§4.7, grounded on the request/response
// future-registry pattern of boxcast-serf's RPC client and the
// blocking-call-over-future shape shown across the retrieved pack.
package rpccore

import "github.com/QuTech-Delft/QMI-sub000/pkg/address"

// Object is implemented by any Go value hosted by an RPC worker. Go
// has no method-decorator equivalent to the original's "marked as
// RPC-callable", so the explicit allow-list RpcMethods plays that
// role: only names it returns are reachable over RPC, regardless of
// what else the underlying type exports.
//
// Every listed method must have the signature
//
//	func(args []interface{}, kwargs map[string]interface{}) (interface{}, error)
type Object interface {
	RpcMethods() []string
}

// Releasable is implemented by an Object that needs teardown when its
// worker shuts down (spec.md §4.6's release_rpc_object hook).
type Releasable interface {
	ReleaseRpcObject()
}

// SignalSource is implemented by an Object that declares signals, so
// the descriptor can advertise them to proxies.
type SignalSource interface {
	RpcSignals() []string
}

// Constants is implemented by an Object that exports read-only
// constant attributes through its proxy.
type Constants interface {
	RpcConstants() map[string]interface{}
}

// Descriptor is the immutable, network-safe summary of an RPC object:
// address, category and the method/signal/constant surface a Proxy
// can use without ever touching the live worker.
type Descriptor struct {
	Address   address.Address
	Category  string
	Methods   []string
	Signals   []string
	Constants map[string]interface{}
}

// DescribeObject builds a Descriptor for obj at addr, pulling the
// method allow-list, optional signal list and optional constants from
// the interfaces above.
func DescribeObject(addr address.Address, category string, obj Object) Descriptor {
	d := Descriptor{
		Address:  addr,
		Category: category,
		Methods:  append([]string(nil), obj.RpcMethods()...),
	}
	if s, ok := obj.(SignalSource); ok {
		d.Signals = append([]string(nil), s.RpcSignals()...)
	}
	if c, ok := obj.(Constants); ok {
		d.Constants = make(map[string]interface{}, len(c.RpcConstants()))
		for k, v := range c.RpcConstants() {
			d.Constants[k] = v
		}
	}
	return d
}
