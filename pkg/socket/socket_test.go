package socket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	"github.com/QuTech-Delft/QMI-sub000/pkg/eventloop"
	"github.com/QuTech-Delft/QMI-sub000/pkg/wire"
)

type harness struct {
	mgr         *Manager
	loop        *eventloop.Loop
	delivered   chan wire.Message
	peerAdded   chan string
	peerRemoved chan string
}

func startManager(t *testing.T, contextID string, cfg Config) *harness {
	t.Helper()
	loop := eventloop.New(nil, 16, nil)
	go loop.Run()
	select {
	case <-loop.Ready():
	case <-time.After(time.Second):
		t.Fatal("loop never became ready")
	}

	h := &harness{
		loop:        loop,
		delivered:   make(chan wire.Message, 16),
		peerAdded:   make(chan string, 16),
		peerRemoved: make(chan string, 16),
	}
	cfg.ContextID = contextID
	if cfg.Version == "" {
		cfg.Version = "1.0"
	}
	hooks := Hooks{
		Deliver:     func(msg wire.Message) { h.delivered <- msg },
		PeerAdded:   func(name string) { h.peerAdded <- name },
		PeerRemoved: func(name string) { h.peerRemoved <- name },
	}
	h.mgr = NewManager(nil, loop, cfg, hooks)

	t.Cleanup(func() {
		h.mgr.Shutdown()
		loop.Shutdown()
		select {
		case <-loop.Done():
		case <-time.After(time.Second):
			t.Fatal("loop never stopped")
		}
	})
	return h
}

func listenTCP(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestHandshakeAndMessageRoundTrip(t *testing.T) {
	srv := startManager(t, "srv", Config{})
	ln := listenTCP(t)
	srv.mgr.StartTCPServer(ln)

	cli := startManager(t, "cli", Config{})
	require.NoError(t, cli.mgr.ConnectToPeer("srv", ln.Addr().String()))

	select {
	case name := <-cli.peerAdded:
		require.Equal(t, "srv", name)
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed peer added")
	}

	req := wire.MethodRpcRequest{
		Source:      address.Address{ContextID: "cli"},
		Destination: address.Address{ContextID: "srv", ObjectID: "obj"},
		RequestID:   42,
		Method:      "ping",
	}
	require.NoError(t, cli.mgr.SendToPeer("srv", req))

	select {
	case msg := <-srv.delivered:
		got, ok := msg.(wire.MethodRpcRequest)
		require.True(t, ok)
		require.Equal(t, "cli", got.Source.ContextID)
		require.Equal(t, "srv", got.Destination.ContextID)
		require.Equal(t, uint64(42), got.RequestID)
		require.Equal(t, "ping", got.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the forwarded request")
	}

	reply := wire.MethodRpcReply{
		Source:      address.Address{ContextID: "srv"},
		Destination: address.Address{ContextID: "cli"},
		InReplyTo:   42,
		Outcome:     wire.OutcomeValue,
		Value:       "pong",
	}
	require.NoError(t, srv.mgr.SendToPeer("cli", reply))

	select {
	case msg := <-cli.delivered:
		got, ok := msg.(wire.MethodRpcReply)
		require.True(t, ok)
		require.Equal(t, "srv", got.Source.ContextID)
		require.Equal(t, "pong", got.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the reply")
	}

	require.ElementsMatch(t, []string{"cli"}, srv.mgr.Connected())
	require.ElementsMatch(t, []string{"srv"}, cli.mgr.Connected())
}

func TestDisconnectSynthesizesErrorReplyForPendingRequest(t *testing.T) {
	srv := startManager(t, "srv2", Config{})
	ln := listenTCP(t)
	srv.mgr.StartTCPServer(ln)

	cli := startManager(t, "cli2", Config{})
	require.NoError(t, cli.mgr.ConnectToPeer("srv2", ln.Addr().String()))
	<-cli.peerAdded

	req := wire.MethodRpcRequest{
		Source:      address.Address{ContextID: "cli2"},
		Destination: address.Address{ContextID: "srv2", ObjectID: "obj"},
		RequestID:   7,
		Method:      "slow_call",
	}
	require.NoError(t, cli.mgr.SendToPeer("srv2", req))

	select {
	case <-srv.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the request")
	}

	require.NoError(t, cli.mgr.DisconnectFromPeer("srv2"))

	select {
	case msg := <-cli.delivered:
		got, ok := msg.(wire.ErrorReply)
		require.True(t, ok)
		require.Equal(t, "disconnected by local request", got.Reason)
		require.Equal(t, uint64(7), got.InReplyTo)
	case <-time.After(2 * time.Second):
		t.Fatal("client never got a synthetic error reply for its pending request")
	}

	select {
	case name := <-cli.peerRemoved:
		require.Equal(t, "srv2", name)
	case <-time.After(2 * time.Second):
		t.Fatal("client never observed peer removal")
	}
}

func TestConnectToPeerNameMismatchRejected(t *testing.T) {
	srv := startManager(t, "actual-name", Config{})
	ln := listenTCP(t)
	srv.mgr.StartTCPServer(ln)

	cli := startManager(t, "cli3", Config{})
	err := cli.mgr.ConnectToPeer("expected-name", ln.Addr().String())
	require.Error(t, err)
}

func TestUDPDiscoveryResponder(t *testing.T) {
	h := startManager(t, "discoverable", Config{Workgroup: "wg1"})
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	h.mgr.StartUDPResponder(conn)

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientConn.Close()

	req := wire.PackContextInfoRequest(wire.ContextInfoRequest{
		CommonHeader:        wire.CommonHeader{PktID: 99},
		WorkgroupNameFilter: "wg1",
		ContextNameFilter:   "*",
	})
	_, err = clientConn.WriteToUDP(req, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 2048)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := clientConn.ReadFromUDP(buf)
	require.NoError(t, err)

	pkt, err := wire.Unpack(buf[:n])
	require.NoError(t, err)
	require.NotNil(t, pkt.InfoResp)
	require.Equal(t, "discoverable", pkt.InfoResp.Descriptor.Name)
	require.Equal(t, "wg1", pkt.InfoResp.Descriptor.WorkgroupName)
	require.Equal(t, uint64(99), pkt.InfoResp.RequestPktID)
}

func TestUDPDiscoveryResponderFiltersNonMatchingWorkgroup(t *testing.T) {
	h := startManager(t, "filtered-ctx", Config{Workgroup: "wgA"})
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	h.mgr.StartUDPResponder(conn)

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientConn.Close()

	req := wire.PackContextInfoRequest(wire.ContextInfoRequest{
		CommonHeader:        wire.CommonHeader{PktID: 1},
		WorkgroupNameFilter: "wgB",
		ContextNameFilter:   "*",
	})
	_, err = clientConn.WriteToUDP(req, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	clientConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 2048)
	_, _, err = clientConn.ReadFromUDP(buf)
	require.Error(t, err)
}

func TestUDPKillIgnoredWhenNotAllowed(t *testing.T) {
	h := startManager(t, "unkillable", Config{AllowRemoteKill: false})
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	h.mgr.StartUDPResponder(conn)

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientConn.Close()

	req := wire.PackKillRequest(wire.KillRequest{CommonHeader: wire.CommonHeader{PktID: 5}})
	_, err = clientConn.WriteToUDP(req, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	// The process surviving this call at all is the assertion: a kill
	// request with AllowRemoteKill=false must be a silent no-op.
	time.Sleep(100 * time.Millisecond)
}
