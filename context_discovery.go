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
	"fmt"
	"net"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/QuTech-Delft/QMI-sub000/pkg/address"
	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
	"github.com/QuTech-Delft/QMI-sub000/pkg/wire"
)

// PeerContextInfo describes one context discovered by
// DiscoverPeerContexts: its name and a "host:port" string suitable
// for ConnectToPeer (port is -1, rendered literally, if the context
// has no TCP server listening).
type PeerContextInfo struct {
	Name    string
	Address string
}

// discoveryReadBufferSize is comfortably larger than the fixed-size
// ContextInfoResponse packet (header + two 64-byte name fields + a
// handful of scalars).
const discoveryReadBufferSize = 2048

// DiscoverPeerContexts broadcasts a ContextInfoRequest on the
// discovery UDP port and collects ContextInfoResponse replies until
// timeout elapses, the Go counterpart of
// QMI_Context.discover_peer_contexts (which in turn delegates to the
// original's ping_qmi_contexts helper — there is no prior client-side
// discovery code in this tree, so this reimplements that helper
// directly against pkg/wire's packet codec). An empty workgroupFilter
// defaults to this context's own configured workgroup; an empty
// contextFilter defaults to "*". The context's own name is always
// excluded from the result.
func (c *Context) DiscoverPeerContexts(workgroupFilter, contextFilter string, timeout time.Duration) ([]PeerContextInfo, error) {
	if err := c.checkOwnerThread(); err != nil {
		return nil, err
	}
	if workgroupFilter == "" {
		workgroupFilter = c.cfg.Workgroup
	}
	if contextFilter == "" {
		contextFilter = "*"
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, cerror.ErrConfiguration.GenWithStackByArgs(fmt.Sprintf("failed to open discovery socket: %v", err))
	}
	defer conn.Close()
	if err := enableBroadcast(conn); err != nil {
		c.logger.Warn("failed to enable udp broadcast on discovery socket", zap.Error(err))
	}

	req := wire.ContextInfoRequest{
		CommonHeader: wire.CommonHeader{
			PktID:        address.NewRequestID(),
			PktTimestamp: float64(time.Now().UnixNano()) / 1e9,
		},
		WorkgroupNameFilter: workgroupFilter,
		ContextNameFilter:   contextFilter,
	}
	raw := wire.PackContextInfoRequest(req)
	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: wire.DefaultDiscoveryPort}
	if _, err := conn.WriteToUDP(raw, broadcastAddr); err != nil {
		return nil, cerror.ErrMessageDelivery.GenWithStackByArgs(fmt.Sprintf("failed to broadcast discovery request: %v", err))
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, discoveryReadBufferSize)
	var found []PeerContextInfo

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := conn.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			break
		}
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		pkt, err := wire.Unpack(buf[:n])
		if err != nil || pkt.InfoResp == nil {
			continue
		}
		desc := pkt.InfoResp.Descriptor
		if desc.Name == "" || desc.Name == c.name {
			continue
		}
		var host string
		if udpAddr, ok := addr.(*net.UDPAddr); ok {
			host = udpAddr.IP.String()
		}
		found = append(found, PeerContextInfo{
			Name:    desc.Name,
			Address: fmt.Sprintf("%s:%d", host, desc.Port),
		})
	}
	return found, nil
}

// enableBroadcast sets SO_BROADCAST on conn, required for WriteToUDP
// to a broadcast address to succeed on most platforms. The pack's
// retrieved examples never broadcast UDP, so this goes directly
// through the stdlib syscall primitive the original's
// socket.setsockopt(SOL_SOCKET, SO_BROADCAST, 1) call maps onto.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
