package rpccore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	"github.com/QuTech-Delft/QMI-sub000/pkg/wire"
)

type echoObject struct {
	released chan struct{}
}

func (o *echoObject) RpcMethods() []string { return []string{"Echo", "Boom"} }

func (o *echoObject) Echo(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("missing argument")
	}
	return args[0], nil
}

func (o *echoObject) Boom(args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	panic("boom")
}

func (o *echoObject) ReleaseRpcObject() {
	if o.released != nil {
		close(o.released)
	}
}

func newTestWorker(t *testing.T, obj Object, sent chan wire.Message) *Worker {
	t.Helper()
	addr := address.Address{ContextID: "ctx1", ObjectID: "obj"}
	desc := DescribeObject(addr, "echo", obj)
	send := func(msg wire.Message) error {
		sent <- msg
		return nil
	}
	w := NewWorker(nil, desc, obj, send, 8)
	go w.Start()
	t.Cleanup(w.Shutdown)
	return w
}

func TestWorkerDispatchesMethodCall(t *testing.T) {
	sent := make(chan wire.Message, 4)
	w := newTestWorker(t, &echoObject{}, sent)

	req := wire.MethodRpcRequest{
		Source:      address.Address{ContextID: "ctx1", ObjectID: "caller"},
		Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"},
		RequestID:   1,
		Method:      "Echo",
		Args:        []interface{}{"hello"},
	}
	require.NoError(t, w.SubmitMethodRequest(req))

	select {
	case m := <-sent:
		reply, ok := m.(wire.MethodRpcReply)
		require.True(t, ok)
		require.Equal(t, wire.OutcomeValue, reply.Outcome)
		require.Equal(t, "hello", reply.Value)
		require.Equal(t, uint64(1), reply.InReplyTo)
	case <-time.After(time.Second):
		t.Fatal("worker never replied")
	}
}

func TestWorkerUnknownMethodRepliesException(t *testing.T) {
	sent := make(chan wire.Message, 4)
	w := newTestWorker(t, &echoObject{}, sent)

	req := wire.MethodRpcRequest{
		Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"},
		RequestID:   2,
		Method:      "NoSuchMethod",
	}
	require.NoError(t, w.SubmitMethodRequest(req))

	select {
	case m := <-sent:
		reply := m.(wire.MethodRpcReply)
		require.Equal(t, wire.OutcomeException, reply.Outcome)
		require.NotEmpty(t, reply.ErrorText)
	case <-time.After(time.Second):
		t.Fatal("worker never replied")
	}
}

func TestWorkerPanicInMethodBecomesException(t *testing.T) {
	sent := make(chan wire.Message, 4)
	w := newTestWorker(t, &echoObject{}, sent)

	req := wire.MethodRpcRequest{
		Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"},
		RequestID:   3,
		Method:      "Boom",
	}
	require.NoError(t, w.SubmitMethodRequest(req))

	select {
	case m := <-sent:
		reply := m.(wire.MethodRpcReply)
		require.Equal(t, wire.OutcomeException, reply.Outcome)
	case <-time.After(time.Second):
		t.Fatal("worker never replied")
	}
}

func TestWorkerLockEnforcement(t *testing.T) {
	sent := make(chan wire.Message, 8)
	w := newTestWorker(t, &echoObject{}, sent)

	holder := address.LockToken{ContextID: "ctx1", Token: "tok-a"}
	require.NoError(t, w.SubmitLockRequest(wire.LockRpcRequest{
		Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"},
		RequestID:   10,
		Action:      wire.LockAcquire,
		LockToken:   holder,
	}))
	lockReply := (<-sent).(wire.LockRpcReply)
	require.Equal(t, holder, lockReply.Token)

	callWithoutToken := wire.MethodRpcRequest{
		Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"},
		RequestID:   11,
		Method:      "Echo",
		Args:        []interface{}{"x"},
	}
	require.NoError(t, w.SubmitMethodRequest(callWithoutToken))
	reply := (<-sent).(wire.MethodRpcReply)
	require.Equal(t, wire.OutcomeObjectLocked, reply.Outcome)

	callWithToken := wire.MethodRpcRequest{
		Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"},
		RequestID:   12,
		Method:      "Echo",
		Args:        []interface{}{"x"},
		LockToken:   &holder,
	}
	require.NoError(t, w.SubmitMethodRequest(callWithToken))
	reply2 := (<-sent).(wire.MethodRpcReply)
	require.Equal(t, wire.OutcomeValue, reply2.Outcome)

	otherToken := address.LockToken{ContextID: "ctx1", Token: "tok-b"}
	require.NoError(t, w.SubmitLockRequest(wire.LockRpcRequest{
		Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"},
		RequestID:   13,
		Action:      wire.LockAcquire,
		LockToken:   otherToken,
	}))
	denied := (<-sent).(wire.LockRpcReply)
	require.Equal(t, address.AccessDenied, denied.Token)

	require.NoError(t, w.SubmitLockRequest(wire.LockRpcRequest{
		Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"},
		RequestID:   14,
		Action:      wire.LockQuery,
	}))
	queried := (<-sent).(wire.LockRpcReply)
	require.Equal(t, address.ObjectLocked, queried.Token)

	require.NoError(t, w.SubmitLockRequest(wire.LockRpcRequest{
		Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"},
		RequestID:   15,
		Action:      wire.LockRelease,
		LockToken:   holder,
	}))
	released := (<-sent).(wire.LockRpcReply)
	require.Equal(t, address.LockToken{}, released.Token)
}

func TestWorkerShutdownDrainsSynthesizesEmptyErrorReply(t *testing.T) {
	obj := &echoObject{released: make(chan struct{})}
	sent := make(chan wire.Message, 8)
	addr := address.Address{ContextID: "ctx1", ObjectID: "obj"}
	desc := DescribeObject(addr, "echo", obj)
	send := func(msg wire.Message) error {
		sent <- msg
		return nil
	}
	w := NewWorker(nil, desc, obj, send, 8)

	req := wire.MethodRpcRequest{
		Destination: address.Address{ContextID: "ctx1", ObjectID: "obj"},
		RequestID:   99,
		Method:      "Echo",
		Args:        []interface{}{"queued"},
	}
	// Queue the request without ever starting the dispatch loop, then
	// run the loop's shutdown tail directly: this pins down
	// drainQueue's synthesized reply independent of any race between
	// Start's goroutine and Shutdown.
	require.NoError(t, w.SubmitMethodRequest(req))
	w.drainQueue()
	w.releaseObject()

	select {
	case m := <-sent:
		reply, ok := m.(wire.ErrorReply)
		require.True(t, ok)
		require.Equal(t, "", reply.Reason)
		require.Equal(t, uint64(99), reply.InReplyTo)
	default:
		t.Fatal("drainQueue never synthesized an ErrorReply")
	}

	select {
	case <-obj.released:
	case <-time.After(time.Second):
		t.Fatal("ReleaseRpcObject was never called")
	}
}
