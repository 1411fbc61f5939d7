package router

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	"github.com/QuTech-Delft/QMI-sub000/pkg/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStartedRouter(t *testing.T, contextID string) *Router {
	t.Helper()
	r := New(nil, Config{ContextID: contextID, Version: "1.0"})
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)
	return r
}

func TestDeliverMessageToRegisteredHandler(t *testing.T) {
	r := newStartedRouter(t, "ctx1")
	got := make(chan wire.Message, 1)
	require.NoError(t, r.RegisterHandler("obj", func(msg wire.Message) { got <- msg }))

	msg := wire.MethodRpcRequest{
		Source:      address.Address{ContextID: "ctx1", ObjectID: "caller"},
		Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"},
		RequestID:   1,
		Method:      "foo",
	}
	require.NoError(t, r.DeliverMessage(msg))

	select {
	case m := <-got:
		require.Equal(t, msg, m)
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestDeliverMessageWrongContext(t *testing.T) {
	r := newStartedRouter(t, "ctx1")
	msg := wire.MethodRpcRequest{
		Destination: address.Address{ContextID: "other", ObjectID: "obj"},
	}
	err := r.DeliverMessage(msg)
	require.Error(t, err)
}

func TestDeliverMessageUnknownObject(t *testing.T) {
	r := newStartedRouter(t, "ctx1")
	msg := wire.MethodRpcRequest{
		Destination: address.Address{ContextID: "ctx1", ObjectID: "nope"},
	}
	err := r.DeliverMessage(msg)
	require.Error(t, err)
}

func TestDeliverMessageHandlerPanicIsSwallowed(t *testing.T) {
	r := newStartedRouter(t, "ctx1")
	require.NoError(t, r.RegisterHandler("obj", func(msg wire.Message) { panic("boom") }))
	msg := wire.MethodRpcRequest{Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"}}
	require.NoError(t, r.DeliverMessage(msg))
}

func TestSendMessageLocalDestination(t *testing.T) {
	r := newStartedRouter(t, "ctx1")
	got := make(chan wire.Message, 1)
	require.NoError(t, r.RegisterHandler("obj", func(msg wire.Message) { got <- msg }))

	msg := wire.MethodRpcRequest{
		Source:      address.Address{ContextID: "ctx1", ObjectID: "caller"},
		Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"},
		RequestID:   2,
	}
	require.NoError(t, r.SendMessage(msg))
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("locally-destined SendMessage never reached the handler")
	}
}

func TestSendMessageRemoteToRemoteForbidden(t *testing.T) {
	r := newStartedRouter(t, "ctx1")
	msg := wire.MethodRpcRequest{
		Source:      address.Address{ContextID: "other_src", ObjectID: "x"},
		Destination: address.Address{ContextID: "other_dst", ObjectID: "y"},
	}
	err := r.SendMessage(msg)
	require.Error(t, err)
}

func TestSendMessageNoConnectionSynthesizesErrorReply(t *testing.T) {
	r := newStartedRouter(t, "ctx1")
	got := make(chan wire.Message, 1)
	require.NoError(t, r.RegisterHandler("proxy", func(msg wire.Message) { got <- msg }))

	req := wire.MethodRpcRequest{
		Source:      address.Address{ContextID: "ctx1", ObjectID: "proxy"},
		Destination: address.Address{ContextID: "nowhere", ObjectID: "obj"},
		RequestID:   9,
		Method:      "ping",
	}
	require.NoError(t, r.SendMessage(req))

	select {
	case m := <-got:
		reply, ok := m.(wire.ErrorReply)
		require.True(t, ok)
		require.Equal(t, "no connection to nowhere", reply.Reason)
		require.Equal(t, uint64(9), reply.InReplyTo)
	case <-time.After(time.Second):
		t.Fatal("expected a synthesized ErrorReply delivered locally")
	}
}

func TestConnectAndSendRoundTrip(t *testing.T) {
	srv := newStartedRouter(t, "srv-router")
	port, err := srv.StartTCPServer(0)
	require.NoError(t, err)

	srvGot := make(chan wire.Message, 1)
	require.NoError(t, srv.RegisterHandler("obj", func(msg wire.Message) { srvGot <- msg }))

	cli := newStartedRouter(t, "cli-router")
	require.NoError(t, cli.ConnectToPeer("srv-router", "127.0.0.1:"+strconv.Itoa(port)))

	waitForConnected(t, cli, "srv-router")

	msg := wire.MethodRpcRequest{
		Source:      address.Address{ContextID: "cli-router", ObjectID: "caller"},
		Destination: address.Address{ContextID: "srv-router", ObjectID: "obj"},
		RequestID:   3,
		Method:      "call",
	}
	require.NoError(t, cli.SendMessage(msg))

	select {
	case m := <-srvGot:
		got, ok := m.(wire.MethodRpcRequest)
		require.True(t, ok)
		require.Equal(t, "cli-router", got.Source.ContextID)
	case <-time.After(2 * time.Second):
		t.Fatal("server router never received the forwarded request")
	}
}

func TestConnectToPeerRejectsDuplicateOutgoing(t *testing.T) {
	srv := newStartedRouter(t, "dup-srv")
	port, err := srv.StartTCPServer(0)
	require.NoError(t, err)

	cli := newStartedRouter(t, "dup-cli")
	require.NoError(t, cli.ConnectToPeer("dup-srv", "127.0.0.1:"+strconv.Itoa(port)))
	waitForConnected(t, cli, "dup-srv")

	err = cli.ConnectToPeer("dup-srv", "127.0.0.1:"+strconv.Itoa(port))
	require.Error(t, err)
}

func waitForConnected(t *testing.T, r *Router, name string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range r.Connected() {
			if n == name {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s never connected to %s", r.cfg.ContextID, name)
}

