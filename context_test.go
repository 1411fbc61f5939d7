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

package qmi

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/QuTech-Delft/QMI-sub000/pkg/config"
	"github.com/QuTech-Delft/QMI-sub000/pkg/rpccore"
	"github.com/QuTech-Delft/QMI-sub000/pkg/task"
)

type echoObject struct{}

func (echoObject) RpcMethods() []string { return []string{"Echo"} }

func (echoObject) Echo(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return args[0], nil
}

func newTestContext(t *testing.T, name string) *Context {
	t.Helper()
	c, err := New(nil, name, config.Config{})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func TestContextStartRegistersInternalContextObject(t *testing.T) {
	c := newTestContext(t, "ctx1")
	desc, ok := c.RpcObjectDescriptor("$context")
	require.True(t, ok)
	require.Equal(t, "context", desc.Category)
	require.Contains(t, desc.Methods, "GetVersion")
}

func TestContextMakeRpcObjectRoundTrip(t *testing.T) {
	c := newTestContext(t, "ctx2")
	proxy, err := c.MakeRpcObject("echo", "echo", func() (rpccore.Object, error) { return echoObject{}, nil })
	require.NoError(t, err)

	result, err := proxy.Call(time.Second, "Echo", []interface{}{"hello"}, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", result)

	require.NoError(t, c.RemoveRpcObject(proxy))
	_, ok := c.RpcObjectDescriptor("echo")
	require.False(t, ok)
}

func TestContextMakeRpcObjectRejectsDuplicateName(t *testing.T) {
	c := newTestContext(t, "ctx3")
	_, err := c.MakeRpcObject("echo", "echo", func() (rpccore.Object, error) { return echoObject{}, nil })
	require.NoError(t, err)

	_, err = c.MakeRpcObject("echo", "echo", func() (rpccore.Object, error) { return echoObject{}, nil })
	require.Error(t, err)
}

func TestContextMakeRpcObjectRollsBackOnFactoryFailure(t *testing.T) {
	c := newTestContext(t, "ctx4")
	_, err := c.MakeRpcObject("bad", "bad", func() (rpccore.Object, error) {
		return nil, rpccoreBoom{}
	})
	require.Error(t, err)

	// The name must be free again for a second attempt to succeed.
	_, err = c.MakeRpcObject("bad", "echo", func() (rpccore.Object, error) { return echoObject{}, nil })
	require.NoError(t, err)
}

type rpccoreBoom struct{}

func (rpccoreBoom) Error() string { return "boom" }

func TestContextMakeTaskStartStopViaProxy(t *testing.T) {
	c := newTestContext(t, "ctx5")

	loop := task.NewLoopTask(5*time.Millisecond, task.Immediate, task.LoopTaskHooks{
		Iteration: func(tc *task.TaskContext) error { return nil },
	})
	proxy, runner, err := c.MakeTask("looper", "LoopTask", func(tc *task.TaskContext) (task.Task, error) {
		return loop, nil
	})
	require.NoError(t, err)

	_, err = proxy.Call(time.Second, "Start", nil, nil)
	require.NoError(t, err)
	require.Eventually(t, runner.Running, time.Second, time.Millisecond)

	_, err = proxy.Call(time.Second, "Stop", nil, nil)
	require.NoError(t, err)
	require.NoError(t, runner.JoinTask(time.Second))
}

func TestContextStopJoinsRegisteredTasks(t *testing.T) {
	c, err := New(nil, "ctx6", config.Config{})
	require.NoError(t, err)
	require.NoError(t, c.Start())

	loop := task.NewLoopTask(2*time.Millisecond, task.Immediate, task.LoopTaskHooks{
		Iteration: func(tc *task.TaskContext) error { return nil },
	})
	_, runner, err := c.MakeTask("looper", "LoopTask", func(tc *task.TaskContext) (task.Task, error) {
		return loop, nil
	})
	require.NoError(t, err)
	require.NoError(t, runner.StartTask())
	require.Eventually(t, runner.Running, time.Second, time.Millisecond)

	require.NoError(t, c.Stop())
	require.False(t, runner.Running())
}

func TestContextShutdownRequestedSoft(t *testing.T) {
	c := newTestContext(t, "ctx7")
	require.False(t, c.ShutdownRequested())

	c.shutdownContext(false)
	require.True(t, c.ShutdownRequested())
	require.True(t, c.WaitUntilShutdown(time.Second))
}

func TestContextWaitUntilShutdownTimesOut(t *testing.T) {
	c := newTestContext(t, "ctx8")
	require.False(t, c.WaitUntilShutdown(20*time.Millisecond))
}

func TestContextResolveFileNameSubstitutesKnownKeywords(t *testing.T) {
	c := newTestContext(t, "ctx9")
	resolved, err := c.ResolveFileName("${qmi_home}/logs/${context}.log")
	require.NoError(t, err)
	require.Contains(t, resolved, "ctx9.log")
}

func TestContextResolveFileNamePassesThroughWithoutDollar(t *testing.T) {
	c := newTestContext(t, "ctx10")
	resolved, err := c.ResolveFileName("/var/log/plain.log")
	require.NoError(t, err)
	require.Equal(t, "/var/log/plain.log", resolved)
}

func TestContextDatastoreDirRejectsSelfReference(t *testing.T) {
	c, err := New(nil, "ctx11", config.Config{Datastore: "${datastore}/sub"})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	defer c.Stop()

	_, err = c.DatastoreDir()
	require.Error(t, err)
}

func TestContextDatastoreDirRequiresConfiguredField(t *testing.T) {
	c := newTestContext(t, "ctx12")
	_, err := c.DatastoreDir()
	require.Error(t, err)
}

func TestContextPeerConnectRoundTrip(t *testing.T) {
	cfg := config.Config{
		Workgroup: "lab",
		Contexts: map[string]config.ContextConfig{
			"peerA": {Host: "127.0.0.1", Enabled: true, TCPServerPort: 0},
			"peerB": {Host: "127.0.0.1", Enabled: true, TCPServerPort: 0},
		},
	}

	a, err := New(nil, "peerA", cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	b, err := New(nil, "peerB", cfg)
	require.NoError(t, err)
	require.NoError(t, b.Start())
	defer b.Stop()

	port, err := a.router.StartTCPServer(0)
	require.NoError(t, err)
	require.NoError(t, b.ConnectToPeer("peerA", "127.0.0.1:"+strconv.Itoa(port)))

	require.Eventually(t, func() bool { return b.HasPeerContext("peerA") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return a.HasPeerContext("peerB") }, time.Second, 5*time.Millisecond)
}
