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

// Package metrics exposes the prometheus collectors shared by the
// router, RPC worker and pub/sub manager, following the
// counter-per-concern style of the teacher's pkg/p2p server metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Router counts messages flowing through a context's router.
var Router = struct {
	Delivered   *prometheus.CounterVec
	Forwarded   *prometheus.CounterVec
	Synthesized *prometheus.CounterVec
}{
	Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmi",
		Subsystem: "router",
		Name:      "messages_delivered_total",
		Help:      "Messages handed to a local handler, by message kind.",
	}, []string{"kind"}),
	Forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmi",
		Subsystem: "router",
		Name:      "messages_forwarded_total",
		Help:      "Messages forwarded to a remote peer connection, by destination context.",
	}, []string{"peer"}),
	Synthesized: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmi",
		Subsystem: "router",
		Name:      "error_replies_synthesized_total",
		Help:      "Synthetic ErrorReply messages manufactured locally (no connection, or connection lost).",
	}, []string{"reason"}),
}

// RPCWorker tracks per-object RPC worker queue depth and call counts.
var RPCWorker = struct {
	QueueDepth *prometheus.GaugeVec
	Calls      *prometheus.CounterVec
}{
	QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "qmi",
		Subsystem: "rpc_worker",
		Name:      "queue_depth",
		Help:      "Pending MethodRpcRequest/LockRpcRequest count, by object.",
	}, []string{"object"}),
	Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmi",
		Subsystem: "rpc_worker",
		Name:      "calls_total",
		Help:      "Completed RPC method calls, by object and outcome.",
	}, []string{"object", "outcome"}),
}

// PubSub tracks subscription counts and publish fan-out.
var PubSub = struct {
	Subscriptions *prometheus.GaugeVec
	Published     *prometheus.CounterVec
	Dropped       *prometheus.CounterVec
}{
	Subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "qmi",
		Subsystem: "pubsub",
		Name:      "subscriptions",
		Help:      "Active subscriptions, by scope (local/remote).",
	}, []string{"scope"}),
	Published: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmi",
		Subsystem: "pubsub",
		Name:      "signals_published_total",
		Help:      "Signals published, by publisher object.",
	}, []string{"publisher"}),
	Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmi",
		Subsystem: "pubsub",
		Name:      "receiver_signals_dropped_total",
		Help:      "Signals dropped by a full Receiver queue, by discard policy.",
	}, []string{"policy"}),
}

// MustRegister registers every collector above with reg. Call once
// per process; tests that construct multiple contexts should use a
// fresh prometheus.Registry rather than the global default to avoid
// duplicate-registration panics.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		Router.Delivered, Router.Forwarded, Router.Synthesized,
		RPCWorker.QueueDepth, RPCWorker.Calls,
		PubSub.Subscriptions, PubSub.Published, PubSub.Dropped,
	)
}
