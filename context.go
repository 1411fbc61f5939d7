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

// Package qmi is the root package of the messaging core: it ties the
// router, pub/sub manager and RPC object registry together into the
// single entry point an application embeds, the Go shape of
// original_source/qmi/core/context.py's QMI_Context.
package qmi

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	"github.com/QuTech-Delft/QMI-sub000/pkg/config"
	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
	"github.com/QuTech-Delft/QMI-sub000/pkg/pubsub"
	"github.com/QuTech-Delft/QMI-sub000/pkg/rpccore"
	"github.com/QuTech-Delft/QMI-sub000/pkg/router"
	"github.com/QuTech-Delft/QMI-sub000/pkg/task"
	"github.com/QuTech-Delft/QMI-sub000/pkg/wire"
)

// Version is reported by the $context RPC object and exchanged during
// the peer handshake.
const Version = "1.0.0"

const defaultObjectQueueDepth = 64

// activeContexts counts contexts that have been Started but not yet
// Stopped, process-wide. spec.md's glossary calls this benign,
// lifecycle-scoped global state; there is no Python-style atexit hook
// in Go, so ActiveContextCount is exported for a caller's own shutdown
// path or tests to assert against instead.
var activeContexts atomic.Int64

// ActiveContextCount returns the number of Contexts currently between
// Start and Stop, process-wide.
func ActiveContextCount() int64 {
	return activeContexts.Load()
}

// registryEntry is a live RPC object registration. While an object is
// under construction its map slot holds a nil *registryEntry instead,
// reserving the name the way original_source/qmi/core/context.py's
// _internal_make_rpc_object sets _rpc_object_map[name] = None.
type registryEntry struct {
	desc   rpccore.Descriptor
	worker *rpccore.Worker
}

// Context is one messaging-core endpoint: a named router, pub/sub
// manager and RPC object registry bound together. Build one with New,
// bring it up with Start and tear it down with Stop.
type Context struct {
	logger *zap.Logger
	name   string
	cfg    config.Config
	ctxCfg config.ContextConfig

	startTime      time.Time
	ownerGoroutine string

	router *router.Router
	pubsub *pubsub.Manager

	mu      sync.Mutex
	active  bool
	objects map[string]*registryEntry

	shutdownMu        sync.Mutex
	shutdownCond      *sync.Cond
	shutdownRequested bool

	uniqueCounter atomic.Uint64
}

// New builds a Context named name. cfg may be the zero Config; the
// context's own entry, if present in cfg.Contexts, configures the TCP
// server port and the peers it dials on Start.
func New(logger *zap.Logger, name string, cfg config.Config) (*Context, error) {
	if !address.IsValidName(name) {
		return nil, cerror.ErrUsage.GenWithStackByArgs(fmt.Sprintf("invalid context name %q", name))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Context{
		logger:         logger.With(zap.String("context", name)),
		name:           name,
		cfg:            cfg,
		ctxCfg:         cfg.Contexts[name],
		startTime:      time.Now(),
		ownerGoroutine: currentGoroutineID(),
		objects:        make(map[string]*registryEntry),
	}
	c.shutdownCond = sync.NewCond(&c.shutdownMu)

	c.router = router.New(logger, router.Config{
		ContextID:              name,
		Version:                Version,
		Workgroup:              cfg.Workgroup,
		AllowRemoteKill:        false,
		SuppressVersionWarning: false,
	})
	c.pubsub = pubsub.New(logger, name, c.router, c.objectExists)

	return c, nil
}

// Name returns the context's own name.
func (c *Context) Name() string { return c.name }

// Config returns the configuration the context was built with.
func (c *Context) Config() config.Config { return c.cfg }

func (c *Context) objectExists(objectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.objects[objectID]
	return ok && e != nil
}

// currentGoroutineID extracts the numeric goroutine id from the
// current goroutine's stack trace header ("goroutine 123 [running]:").
// The pack carries no goroutine-identity library, and Go exposes no
// supported API for this, so parsing runtime.Stack's own debug output
// is the only standard-library route to the same thread-affinity check
// QMI_Context._check_in_context_thread performs with threading.get_ident.
func currentGoroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// checkOwnerThread enforces spec.md §4.11's thread-affinity rule: most
// Context methods must be called from the goroutine that constructed
// it. SendMessage, PublishSignal, Subscribe and Unsubscribe are the
// documented exceptions and never call this.
func (c *Context) checkOwnerThread() error {
	if id := currentGoroutineID(); id != "" && id != c.ownerGoroutine {
		return cerror.ErrWrongThread.GenWithStackByArgs(fmt.Sprintf("context %s owned by goroutine %s, called from %s", c.name, c.ownerGoroutine, id))
	}
	return nil
}

// Start brings the context's router online, registers the internal
// $context object, and dials any peers configured in
// cfg.Contexts[name].ConnectToPeers.
func (c *Context) Start() error {
	if err := c.checkOwnerThread(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return cerror.ErrInvalidOperation.GenWithStackByArgs(fmt.Sprintf("context %s already started", c.name))
	}
	c.mu.Unlock()

	if err := c.router.SetPeerContextCallbacks(c.onPeerAdded, c.onPeerRemoved); err != nil {
		return err
	}
	if err := c.router.Start(); err != nil {
		return err
	}

	if c.ctxCfg.Enabled && c.ctxCfg.HasTCPServerPort() {
		if _, err := c.router.StartTCPServer(c.ctxCfg.TCPServerPort); err != nil {
			c.router.Stop()
			return err
		}
	}
	if err := c.router.StartUDPResponder(wire.DefaultDiscoveryPort); err != nil {
		c.logger.Warn("discovery udp responder did not start", zap.Error(err))
	}
	if err := c.router.RegisterHandler(pubsub.ObjectID, c.pubsub.HandleMessage); err != nil {
		c.router.Stop()
		return err
	}
	if err := c.reserveName("$context"); err != nil {
		c.router.Stop()
		return err
	}
	if _, err := c.registerObject("$context", "context", &contextObject{c: c}); err != nil {
		c.router.Stop()
		return err
	}

	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	activeContexts.Inc()

	for _, peerName := range c.ctxCfg.ConnectToPeers {
		peerCfg, ok := c.cfg.Contexts[peerName]
		if !ok || !peerCfg.Enabled || !peerCfg.HasTCPServerPort() {
			c.logger.Warn("connect_to_peers names a context with no reachable tcp server", zap.String("peer", peerName))
			continue
		}
		addr := fmt.Sprintf("%s:%d", peerCfg.Host, peerCfg.TCPServerPort)
		if err := c.router.ConnectToPeer(peerName, addr); err != nil {
			c.logger.Warn("failed to connect to configured peer", zap.String("peer", peerName), zap.Error(err))
		}
	}
	return nil
}

// Stop tears down every registered RPC object (the $context object
// last), then the router, unblocking it for one later Start call by a
// new Context, if the caller builds one.
func (c *Context) Stop() error {
	if err := c.checkOwnerThread(); err != nil {
		return err
	}
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return cerror.ErrInvalidOperation.GenWithStackByArgs(fmt.Sprintf("context %s not started", c.name))
	}
	c.active = false
	names := make([]string, 0, len(c.objects))
	for name, e := range c.objects {
		if e != nil && name != "$context" {
			names = append(names, name)
		}
	}
	c.mu.Unlock()

	// Each worker drains its own queue and runs its release hook
	// independently, so shut them down concurrently rather than paying
	// for every object's drain time serially.
	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			c.stopAndRemove(name)
			return nil
		})
	}
	g.Wait()
	c.stopAndRemove("$context")

	c.router.Stop()
	activeContexts.Dec()
	return nil
}

func (c *Context) stopAndRemove(name string) {
	c.mu.Lock()
	e := c.objects[name]
	c.mu.Unlock()
	if e == nil {
		return
	}
	c.router.UnregisterHandler(name)
	c.pubsub.HandleObjectRemoved(name, e.desc.Signals)
	e.worker.Shutdown()

	c.mu.Lock()
	delete(c.objects, name)
	c.mu.Unlock()
}

// ShutdownRequested reports whether shutdown_context(hard=false) has
// been called, either locally or by a remote proxy holding the
// $context object's address.
func (c *Context) ShutdownRequested() bool {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	return c.shutdownRequested
}

func (c *Context) requestSoftShutdown() {
	c.shutdownMu.Lock()
	c.shutdownRequested = true
	c.shutdownMu.Unlock()
	c.shutdownCond.Broadcast()
}

// WaitUntilShutdown blocks until ShutdownRequested becomes true, or
// until timeout elapses (timeout <= 0 waits forever). It returns
// whether shutdown was requested.
func (c *Context) WaitUntilShutdown(timeout time.Duration) bool {
	c.shutdownMu.Lock()
	defer c.shutdownMu.Unlock()
	if c.shutdownRequested {
		return true
	}
	if timeout <= 0 {
		for !c.shutdownRequested {
			c.shutdownCond.Wait()
		}
		return true
	}

	deadline := time.Now().Add(timeout)
	timedOut := false
	timer := time.AfterFunc(timeout, func() {
		c.shutdownMu.Lock()
		timedOut = true
		c.shutdownCond.Broadcast()
		c.shutdownMu.Unlock()
	})
	defer timer.Stop()
	for !c.shutdownRequested && !timedOut && time.Now().Before(deadline) {
		c.shutdownCond.Wait()
	}
	return c.shutdownRequested
}

// shutdownContext implements QMI_Context.shutdown_context: hard=true
// terminates the process immediately; hard=false just raises the
// shutdown flag for the application's main loop to observe.
func (c *Context) shutdownContext(hard bool) {
	if hard {
		c.logger.Error("hard shutdown requested, terminating process", zap.String("context", c.name))
		os.Exit(1)
	}
	c.requestSoftShutdown()
}

// reserveName performs the first phase of the two-phase object
// registration commit: reject on a duplicate or inactive-context
// violation, otherwise stake out the name with a nil registry entry.
// Names starting with "$" are exempt from the active-context check,
// matching original_source/qmi/core/context.py's handling of its own
// internal objects.
func (c *Context) reserveName(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active && !strings.HasPrefix(name, "$") {
		return cerror.ErrInvalidOperation.GenWithStackByArgs(fmt.Sprintf("context %s is not active", c.name))
	}
	if _, exists := c.objects[name]; exists {
		return cerror.ErrDuplicateName.GenWithStackByArgs(fmt.Sprintf("duplicate rpc object name %q", name))
	}
	c.objects[name] = nil
	return nil
}

func (c *Context) releaseReservation(name string) {
	c.mu.Lock()
	delete(c.objects, name)
	c.mu.Unlock()
}

// registerObject runs the second phase: build the worker for an
// already-constructed obj, register it as a router handler, then
// re-check the context is still active before committing the
// registry entry, rolling back the reservation on any failure.
func (c *Context) registerObject(name, category string, obj rpccore.Object) (*rpccore.Proxy, error) {
	addr := address.Address{ContextID: c.name, ObjectID: name}
	desc := rpccore.DescribeObject(addr, category, obj)
	w := rpccore.NewWorker(c.logger, desc, obj, c.router.SendMessage, defaultObjectQueueDepth)
	go w.Start()

	if err := c.router.RegisterHandler(name, dispatchToWorker(w)); err != nil {
		w.Shutdown()
		c.releaseReservation(name)
		return nil, err
	}

	c.mu.Lock()
	if !c.active && !strings.HasPrefix(name, "$") {
		c.mu.Unlock()
		c.router.UnregisterHandler(name)
		w.Shutdown()
		c.releaseReservation(name)
		return nil, cerror.ErrInvalidOperation.GenWithStackByArgs(fmt.Sprintf("context %s stopped while creating %q", c.name, name))
	}
	c.objects[name] = &registryEntry{desc: desc, worker: w}
	c.mu.Unlock()

	proxy := rpccore.NewProxy(c.router, c.router, c.name, desc)
	proxy.SetTokenMinter(c)
	return proxy, nil
}

// dispatchToWorker adapts a *rpccore.Worker into a router.Handler. A
// full queue (SubmitMethodRequest/SubmitLockRequest returning
// ErrMessageDelivery) is dropped silently here: the router has no
// reply path of its own. The caller's future then ends only through
// its own timeout; a Call with timeout <= 0, and a lock request
// (which waits without a timeout), blocks indefinitely.
func dispatchToWorker(w *rpccore.Worker) router.Handler {
	return func(msg wire.Message) {
		switch m := msg.(type) {
		case wire.MethodRpcRequest:
			_ = w.SubmitMethodRequest(m)
		case wire.LockRpcRequest:
			_ = w.SubmitLockRequest(m)
		}
	}
}

// MakeRpcObject constructs obj via factory and publishes it at name
// under category, the Go counterpart of QMI_Context.make_rpc_object.
// factory runs outside any Context-held lock, matching the original's
// "construct outside the lock, commit inside it" ordering.
func (c *Context) MakeRpcObject(name, category string, factory func() (rpccore.Object, error)) (*rpccore.Proxy, error) {
	if err := c.checkOwnerThread(); err != nil {
		return nil, err
	}
	if !address.IsValidName(name) {
		return nil, cerror.ErrUsage.GenWithStackByArgs(fmt.Sprintf("invalid object name %q", name))
	}
	if err := c.reserveName(name); err != nil {
		return nil, err
	}

	obj, err := factory()
	if err != nil {
		c.releaseReservation(name)
		return nil, err
	}
	return c.registerObject(name, category, obj)
}

// MakeTask builds and registers a task runner hosting the Task
// produced by factory, the Go counterpart of
// QMI_Context.make_task. It returns both the proxy (for remote-style
// Start/Stop/GetStatus/GetSettings calls) and the live *task.Runner
// (for a caller in the same process that wants direct access).
func (c *Context) MakeTask(name, taskClassName string, factory task.Factory) (*rpccore.Proxy, *task.Runner, error) {
	if err := c.checkOwnerThread(); err != nil {
		return nil, nil, err
	}
	if !address.IsValidName(name) {
		return nil, nil, cerror.ErrUsage.GenWithStackByArgs(fmt.Sprintf("invalid object name %q", name))
	}
	if err := c.reserveName(name); err != nil {
		return nil, nil, err
	}

	publish := func(signalName string, args []interface{}) {
		c.pubsub.Publish(name, signalName, args)
	}
	runner, err := task.NewRunner(c.logger, name, taskClassName, publish, factory)
	if err != nil {
		c.releaseReservation(name)
		return nil, nil, err
	}
	proxy, err := c.registerObject(name, "task", runner)
	if err != nil {
		return nil, nil, err
	}
	return proxy, runner, nil
}

// RemoveRpcObject tears down the local RPC object proxy addresses,
// the Go counterpart of QMI_Context.remove_rpc_object: mark removed,
// unregister the router handler, drop pub/sub subscriptions on it,
// then shut its worker down.
func (c *Context) RemoveRpcObject(proxy *rpccore.Proxy) error {
	if err := c.checkOwnerThread(); err != nil {
		return err
	}
	desc := proxy.Descriptor()
	if desc.Address.ContextID != c.name {
		return cerror.ErrUsage.GenWithStackByArgs(fmt.Sprintf("cannot remove remote rpc object %s", desc.Address))
	}
	name := desc.Address.ObjectID

	c.mu.Lock()
	e, ok := c.objects[name]
	if !ok || e == nil {
		c.mu.Unlock()
		return cerror.ErrUnknownName.GenWithStackByArgs(fmt.Sprintf("unknown rpc object %q", name))
	}
	c.objects[name] = nil
	c.mu.Unlock()

	c.router.UnregisterHandler(name)
	c.pubsub.HandleObjectRemoved(name, e.desc.Signals)
	e.worker.Shutdown()
	c.releaseReservation(name)
	return nil
}

// RpcObjectDescriptors returns the descriptor of every currently live
// RPC object, including $context itself.
func (c *Context) RpcObjectDescriptors() []rpccore.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rpccore.Descriptor, 0, len(c.objects))
	for _, e := range c.objects {
		if e != nil {
			out = append(out, e.desc)
		}
	}
	return out
}

// RpcObjectDescriptor looks up one live object's descriptor by name.
func (c *Context) RpcObjectDescriptor(name string) (rpccore.Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.objects[name]
	if !ok || e == nil {
		return rpccore.Descriptor{}, false
	}
	return e.desc, true
}

// MakeUniqueAddress mints an Address in this context with a prefix
// plus a process-unique numeric suffix, for RPC objects an application
// creates and destroys dynamically rather than naming up front.
func (c *Context) MakeUniqueAddress(prefix string) address.Address {
	n := c.uniqueCounter.Inc()
	return address.Address{ContextID: c.name, ObjectID: fmt.Sprintf("%s%d", prefix, n)}
}

// MakeUniqueToken mints a lock-token string unique within this
// context, defaulting to the original's "$lock_" prefix.
func (c *Context) MakeUniqueToken(prefix string) string {
	if prefix == "" {
		prefix = "$lock_"
	}
	return prefix + strconv.FormatUint(c.uniqueCounter.Inc(), 10)
}

// onPeerAdded/onPeerRemoved are the router's peer-connection callbacks.
func (c *Context) onPeerAdded(name string) {
	c.logger.Info("peer context connected", zap.String("peer", name))
}

func (c *Context) onPeerRemoved(name string) {
	c.logger.Info("peer context disconnected", zap.String("peer", name))
	c.pubsub.HandlePeerContextRemoved(name)
}

// ConnectToPeer dials an outgoing connection to a peer context.
func (c *Context) ConnectToPeer(name, addr string) error {
	if err := c.checkOwnerThread(); err != nil {
		return err
	}
	return c.router.ConnectToPeer(name, addr)
}

// DisconnectFromPeer closes the named peer connection.
func (c *Context) DisconnectFromPeer(name string) error {
	if err := c.checkOwnerThread(); err != nil {
		return err
	}
	return c.router.DisconnectFromPeer(name)
}

// HasPeerContext reports whether a connection to the named peer is
// currently established, in either direction.
func (c *Context) HasPeerContext(name string) bool {
	for _, n := range c.router.Connected() {
		if n == name {
			return true
		}
	}
	return false
}

// SendMessage routes msg through this context's router. Unlike most
// Context methods it is documented thread-safe in spec.md §4.11 and
// performs no owner-goroutine check.
func (c *Context) SendMessage(msg wire.Message) error {
	return c.router.SendMessage(msg)
}

// PublishSignal publishes a signal on behalf of a local RPC object
// this context owns. Thread-safe.
func (c *Context) PublishSignal(publisherName, signalName string, args []interface{}) {
	c.pubsub.Publish(publisherName, signalName, args)
}

// Subscribe registers receiver for a signal, local or remote.
// Thread-safe.
func (c *Context) Subscribe(publisherContext, publisherName, signalName string, receiver *pubsub.Receiver) error {
	return c.pubsub.Subscribe(publisherContext, publisherName, signalName, receiver)
}

// Unsubscribe removes receiver from a signal's subscriber set.
// Thread-safe.
func (c *Context) Unsubscribe(publisherContext, publisherName, signalName string, receiver *pubsub.Receiver) {
	c.pubsub.Unsubscribe(publisherContext, publisherName, signalName, receiver)
}
