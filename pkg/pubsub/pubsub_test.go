package pubsub

import (
	"sync"
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

type fakeSender struct {
	mu  sync.Mutex
	out []wire.Message
}

func (s *fakeSender) SendMessage(msg wire.Message) error {
	s.mu.Lock()
	s.out = append(s.out, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) drain() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.out
	s.out = nil
	return out
}

func alwaysExists(string) bool { return true }

func TestLocalSubscribeAndPublish(t *testing.T) {
	sender := &fakeSender{}
	m := New(nil, "ctx1", sender, alwaysExists)
	recv := NewReceiver(8, DiscardOld)

	require.NoError(t, m.Subscribe("", "pub", "sig", recv))
	m.Publish("pub", "sig", []interface{}{1, 2})

	sig, err := recv.GetNextSignal(time.Second)
	require.NoError(t, err)
	require.Equal(t, "pub", sig.PublisherName)
	require.Equal(t, []interface{}{1, 2}, sig.Args)
}

func TestLocalSubscribeUnknownPublisherFails(t *testing.T) {
	sender := &fakeSender{}
	m := New(nil, "ctx1", sender, func(string) bool { return false })
	recv := NewReceiver(8, DiscardOld)

	err := m.Subscribe("", "pub", "sig", recv)
	require.Error(t, err)
}

func TestRemoteSubscribeRoundTrip(t *testing.T) {
	sender := &fakeSender{}
	m := New(nil, "ctx1", sender, alwaysExists)
	recv := NewReceiver(8, DiscardOld)

	done := make(chan error, 1)
	go func() {
		done <- m.Subscribe("ctx2", "pub", "sig", recv)
	}()

	var req wire.SignalSubscriptionRequest
	require.Eventually(t, func() bool {
		out := sender.drain()
		for _, msg := range out {
			if r, ok := msg.(wire.SignalSubscriptionRequest); ok {
				req = r
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	require.True(t, req.Subscribe)
	require.Equal(t, "ctx2", req.Destination.ContextID)

	m.HandleMessage(wire.SignalSubscriptionReply{
		Source:      req.Destination,
		Destination: req.Source,
		InReplyTo:   req.RequestID,
		Success:     true,
	})

	require.NoError(t, <-done)

	// Delivery of a remote signal routes straight to the receiver.
	m.HandleMessage(wire.SignalMessage{
		Source:      req.Destination,
		Destination: req.Source,
		Publisher:   "pub",
		SignalName:  "sig",
		Args:        []interface{}{"x"},
	})
	sig, err := recv.GetNextSignal(time.Second)
	require.NoError(t, err)
	require.Equal(t, []interface{}{"x"}, sig.Args)
}

func TestRemoteSubscribeFailureReturnsError(t *testing.T) {
	sender := &fakeSender{}
	m := New(nil, "ctx1", sender, alwaysExists)
	recv := NewReceiver(8, DiscardOld)

	done := make(chan error, 1)
	go func() {
		done <- m.Subscribe("ctx2", "pub", "sig", recv)
	}()

	var req wire.SignalSubscriptionRequest
	require.Eventually(t, func() bool {
		out := sender.drain()
		for _, msg := range out {
			if r, ok := msg.(wire.SignalSubscriptionRequest); ok {
				req = r
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	m.HandleMessage(wire.SignalSubscriptionReply{
		Source: req.Destination, Destination: req.Source, InReplyTo: req.RequestID,
		Success: false, ErrorText: "no such publisher",
	})
	require.Error(t, <-done)
}

func TestSubscriptionRequestArrivalSubscribeAndUnsubscribe(t *testing.T) {
	sender := &fakeSender{}
	m := New(nil, "ctx1", sender, alwaysExists)

	m.HandleMessage(wire.SignalSubscriptionRequest{
		Source:        address.Address{ContextID: "ctx2", ObjectID: ObjectID},
		Destination:   address.Address{ContextID: "ctx1", ObjectID: ObjectID},
		PublisherName: "pub", SignalName: "sig", Subscribe: true, RequestID: 1,
	})
	out := sender.drain()
	require.Len(t, out, 1)
	reply := out[0].(wire.SignalSubscriptionReply)
	require.True(t, reply.Success)

	m.HandleMessage(wire.SignalSubscriptionRequest{
		Source:        address.Address{ContextID: "ctx2", ObjectID: ObjectID},
		Destination:   address.Address{ContextID: "ctx1", ObjectID: ObjectID},
		PublisherName: "pub", SignalName: "sig", Subscribe: false, RequestID: 2,
	})
	out2 := sender.drain()
	require.Len(t, out2, 1)
	require.True(t, out2[0].(wire.SignalSubscriptionReply).Success)
}

func TestReceiverDiscardOldPolicy(t *testing.T) {
	recv := NewReceiver(2, DiscardOld)
	recv.deliver("ctx", "pub", "sig", []interface{}{1})
	recv.deliver("ctx", "pub", "sig", []interface{}{2})
	recv.deliver("ctx", "pub", "sig", []interface{}{3})

	require.Equal(t, 2, recv.GetQueueLength())
	first, err := recv.GetNextSignal(time.Second)
	require.NoError(t, err)
	require.Equal(t, []interface{}{2}, first.Args)
	require.Equal(t, uint64(1), first.Seq)
}

func TestReceiverDiscardNewPolicy(t *testing.T) {
	recv := NewReceiver(1, DiscardNew)
	recv.deliver("ctx", "pub", "sig", []interface{}{1})
	recv.deliver("ctx", "pub", "sig", []interface{}{2})

	require.Equal(t, 1, recv.GetQueueLength())
	sig, err := recv.GetNextSignal(time.Second)
	require.NoError(t, err)
	require.Equal(t, []interface{}{1}, sig.Args)
}

func TestReceiverGetNextSignalTimesOut(t *testing.T) {
	recv := NewReceiver(4, DiscardOld)
	_, err := recv.GetNextSignal(20 * time.Millisecond)
	require.Error(t, err)
}

func TestReceiverDiscardAllAndHasSignalReady(t *testing.T) {
	recv := NewReceiver(4, DiscardOld)
	require.False(t, recv.HasSignalReady())
	recv.deliver("ctx", "pub", "sig", nil)
	require.True(t, recv.HasSignalReady())
	recv.DiscardAll()
	require.False(t, recv.HasSignalReady())
	require.Equal(t, 0, recv.GetQueueLength())
}
