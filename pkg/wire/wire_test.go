package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
)

func TestMarshalRoundTrip(t *testing.T) {
	src := address.Address{ContextID: "c1", ObjectID: "tc1"}
	dst := address.Address{ContextID: "c2", ObjectID: "tc2"}

	msgs := []Message{
		Handshake{Source: src, Version: "1.0", IsServer: true},
		MethodRpcRequest{Source: src, Destination: dst, RequestID: 42, Method: "remote_sqrt", Args: []interface{}{int64(256)}},
		MethodRpcReply{Source: dst, Destination: src, InReplyTo: 42, Outcome: OutcomeValue, Value: float64(16)},
		LockRpcRequest{Source: src, Destination: dst, RequestID: 7, Action: LockAcquire, LockToken: address.LockToken{ContextID: "c1", Token: "$lock_1"}},
		LockRpcReply{Source: dst, Destination: src, InReplyTo: 7, Token: address.LockToken{ContextID: "c1", Token: "$lock_1"}},
		ErrorReply{Source: dst, Destination: src, InReplyTo: 7, Reason: "boom"},
		SignalMessage{Source: src, Destination: dst, Publisher: "pub1", SignalName: "sig3", Args: []interface{}{int64(10), ""}},
		SignalSubscriptionRequest{Source: src, Destination: dst, RequestID: 9, PublisherName: "pub1", SignalName: "sig3", Subscribe: true},
		SignalSubscriptionReply{Source: dst, Destination: src, InReplyTo: 9, Success: true},
		SignalRemovedMessage{Source: src, Destination: dst, Publisher: "pub1", SignalName: "sig3"},
	}

	for _, m := range msgs {
		buf, err := Marshal(m)
		require.NoError(t, err)
		got, err := Unmarshal(buf)
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var net bytes.Buffer
	m := MethodRpcRequest{
		Source:      address.Address{ContextID: "c1", ObjectID: "tc1"},
		Destination: address.Address{ContextID: "c2", ObjectID: "tc2"},
		RequestID:   1,
		Method:      "ping",
	}
	require.NoError(t, WriteFrame(&net, m))
	got, err := ReadFrame(bufio.NewReader(&net))
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestReadFrameBadMagic(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{'X', 0, 0, 0, 0, 0, 0, 0, 0}))
	_, err := ReadFrame(r)
	require.Error(t, err)
}

func TestReadFrameOversize(t *testing.T) {
	var hdr bytes.Buffer
	hdr.WriteByte(FrameMagicByte)
	var lenBuf [8]byte
	for i := range lenBuf {
		lenBuf[i] = 0xff
	}
	hdr.Write(lenBuf[:])
	_, err := ReadFrame(bufio.NewReader(&hdr))
	require.Error(t, err)
}

func TestDiscoveryPacketRoundTrip(t *testing.T) {
	req := ContextInfoRequest{
		CommonHeader:        CommonHeader{PktID: 123, PktTimestamp: 1.5},
		WorkgroupNameFilter: "*",
		ContextNameFilter:   "foo*",
	}
	raw := PackContextInfoRequest(req)
	got, err := Unpack(raw)
	require.NoError(t, err)
	require.NotNil(t, got.InfoReq)
	require.Equal(t, req.WorkgroupNameFilter, got.InfoReq.WorkgroupNameFilter)
	require.Equal(t, req.ContextNameFilter, got.InfoReq.ContextNameFilter)
	require.Equal(t, req.PktID, got.InfoReq.PktID)

	resp := ContextInfoResponse{
		CommonHeader:        CommonHeader{PktID: 5},
		RequestPktID:        123,
		RequestPktTimestamp: 1.5,
		Descriptor: ContextDescriptor{
			PID: 999, Name: "bar", WorkgroupName: "wgA", Port: 12345,
		},
	}
	raw2 := PackContextInfoResponse(resp)
	got2, err := Unpack(raw2)
	require.NoError(t, err)
	require.NotNil(t, got2.InfoResp)
	require.Equal(t, resp.Descriptor, got2.InfoResp.Descriptor)

	kill := KillRequest{CommonHeader: CommonHeader{PktID: 1}}
	raw3 := PackKillRequest(kill)
	got3, err := Unpack(raw3)
	require.NoError(t, err)
	require.NotNil(t, got3.Kill)
}

func TestMatchFilter(t *testing.T) {
	require.True(t, MatchFilter("*", "anything"))
	require.True(t, MatchFilter("", "anything"))
	require.True(t, MatchFilter("foo*", "foobar"))
	require.False(t, MatchFilter("foo*", "barfoo"))
	require.False(t, MatchFilter("Foo*", "foobar"))
}
