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

package wire

import (
	"bytes"
	"encoding/binary"
	"path"

	cerror "github.com/QuTech-Delft/QMI-sub000/pkg/errors"
)

// DiscoveryMagic is the 4-byte magic ("QMI\0") that starts every UDP
// discovery packet, per spec.md §4.1.
const DiscoveryMagic uint32 = 0x00494D51

// Discovery packet type tags.
const (
	TypeContextInfoRequest  uint16 = 0x201
	TypeContextKillRequest  uint16 = 0x202
	TypeContextInfoResponse uint16 = 0x101
)

// DefaultDiscoveryPort is the default UDP port for the discovery
// responder (spec.md §6).
const DefaultDiscoveryPort = 35999

const nameFieldSize = 64

// CommonHeader is the 22-byte header shared by every discovery packet.
type CommonHeader struct {
	Magic        uint32
	TypeTag      uint16
	PktID        uint64
	PktTimestamp float64
}

// ContextInfoRequest asks every listening context whether it matches
// the given workgroup/name filters.
type ContextInfoRequest struct {
	CommonHeader
	WorkgroupNameFilter string
	ContextNameFilter   string
}

// ContextDescriptor describes one running context, embedded in a
// ContextInfoResponse.
type ContextDescriptor struct {
	PID           int32
	Name          string
	WorkgroupName string
	Port          int32 // -1 if the context has no TCP listener
}

// ContextInfoResponse answers a ContextInfoRequest.
type ContextInfoResponse struct {
	CommonHeader
	RequestPktID        uint64
	RequestPktTimestamp float64
	Descriptor          ContextDescriptor
}

// KillRequest asks the responder's process to terminate immediately.
type KillRequest struct {
	CommonHeader
}

func putFixedString(buf []byte, s string) {
	n := copy(buf, s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func getFixedString(buf []byte) string {
	n := bytes.IndexByte(buf, 0)
	if n < 0 {
		n = len(buf)
	}
	return string(buf[:n])
}

func writeHeader(buf *bytes.Buffer, h CommonHeader) {
	binary.Write(buf, binary.LittleEndian, h.Magic)
	binary.Write(buf, binary.LittleEndian, h.TypeTag)
	binary.Write(buf, binary.LittleEndian, h.PktID)
	binary.Write(buf, binary.LittleEndian, h.PktTimestamp)
}

func readHeader(r *bytes.Reader) (CommonHeader, error) {
	var h CommonHeader
	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return h, cerror.Trace(err)
	}
	if h.Magic != DiscoveryMagic {
		return h, cerror.ErrProtocol.GenWithStackByArgs("bad discovery magic")
	}
	if err := binary.Read(r, binary.LittleEndian, &h.TypeTag); err != nil {
		return h, cerror.Trace(err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.PktID); err != nil {
		return h, cerror.Trace(err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.PktTimestamp); err != nil {
		return h, cerror.Trace(err)
	}
	return h, nil
}

// PackContextInfoRequest serializes a ContextInfoRequest to its
// bit-exact, little-endian, packed wire form.
func PackContextInfoRequest(p ContextInfoRequest) []byte {
	var buf bytes.Buffer
	p.Magic = DiscoveryMagic
	p.TypeTag = TypeContextInfoRequest
	writeHeader(&buf, p.CommonHeader)
	var wg, cn [nameFieldSize]byte
	putFixedString(wg[:], p.WorkgroupNameFilter)
	putFixedString(cn[:], p.ContextNameFilter)
	buf.Write(wg[:])
	buf.Write(cn[:])
	return buf.Bytes()
}

// PackContextInfoResponse serializes a ContextInfoResponse.
func PackContextInfoResponse(p ContextInfoResponse) []byte {
	var buf bytes.Buffer
	p.Magic = DiscoveryMagic
	p.TypeTag = TypeContextInfoResponse
	writeHeader(&buf, p.CommonHeader)
	binary.Write(&buf, binary.LittleEndian, p.RequestPktID)
	binary.Write(&buf, binary.LittleEndian, p.RequestPktTimestamp)
	binary.Write(&buf, binary.LittleEndian, p.Descriptor.PID)
	var name, wg [nameFieldSize]byte
	putFixedString(name[:], p.Descriptor.Name)
	putFixedString(wg[:], p.Descriptor.WorkgroupName)
	buf.Write(name[:])
	buf.Write(wg[:])
	binary.Write(&buf, binary.LittleEndian, p.Descriptor.Port)
	return buf.Bytes()
}

// PackKillRequest serializes a KillRequest (header only).
func PackKillRequest(p KillRequest) []byte {
	var buf bytes.Buffer
	p.Magic = DiscoveryMagic
	p.TypeTag = TypeContextKillRequest
	writeHeader(&buf, p.CommonHeader)
	return buf.Bytes()
}

// AnyPacket is the result of Unpack: exactly one of the pointer fields
// is non-nil, selected by Header.TypeTag.
type AnyPacket struct {
	Header   CommonHeader
	InfoReq  *ContextInfoRequest
	InfoResp *ContextInfoResponse
	Kill     *KillRequest
}

// Unpack parses a raw UDP datagram into its discriminated packet form.
func Unpack(data []byte) (AnyPacket, error) {
	r := bytes.NewReader(data)
	header, err := readHeader(r)
	if err != nil {
		return AnyPacket{}, err
	}
	switch header.TypeTag {
	case TypeContextInfoRequest:
		var wg, cn [nameFieldSize]byte
		if err := readExact(r, wg[:]); err != nil {
			return AnyPacket{}, err
		}
		if err := readExact(r, cn[:]); err != nil {
			return AnyPacket{}, err
		}
		return AnyPacket{Header: header, InfoReq: &ContextInfoRequest{
			CommonHeader:        header,
			WorkgroupNameFilter: getFixedString(wg[:]),
			ContextNameFilter:   getFixedString(cn[:]),
		}}, nil
	case TypeContextInfoResponse:
		resp := ContextInfoResponse{CommonHeader: header}
		if err := binary.Read(r, binary.LittleEndian, &resp.RequestPktID); err != nil {
			return AnyPacket{}, cerror.Trace(err)
		}
		if err := binary.Read(r, binary.LittleEndian, &resp.RequestPktTimestamp); err != nil {
			return AnyPacket{}, cerror.Trace(err)
		}
		if err := binary.Read(r, binary.LittleEndian, &resp.Descriptor.PID); err != nil {
			return AnyPacket{}, cerror.Trace(err)
		}
		var name, wg [nameFieldSize]byte
		if err := readExact(r, name[:]); err != nil {
			return AnyPacket{}, err
		}
		if err := readExact(r, wg[:]); err != nil {
			return AnyPacket{}, err
		}
		resp.Descriptor.Name = getFixedString(name[:])
		resp.Descriptor.WorkgroupName = getFixedString(wg[:])
		if err := binary.Read(r, binary.LittleEndian, &resp.Descriptor.Port); err != nil {
			return AnyPacket{}, cerror.Trace(err)
		}
		return AnyPacket{Header: header, InfoResp: &resp}, nil
	case TypeContextKillRequest:
		return AnyPacket{Header: header, Kill: &KillRequest{CommonHeader: header}}, nil
	default:
		return AnyPacket{}, cerror.ErrProtocol.GenWithStackByArgs("unknown discovery type tag")
	}
}

func readExact(r *bytes.Reader, buf []byte) error {
	n, err := r.Read(buf)
	if err != nil {
		return cerror.Trace(err)
	}
	if n != len(buf) {
		return cerror.ErrProtocol.GenWithStackByArgs("short read in discovery packet")
	}
	return nil
}

// MatchFilter reports whether name matches a shell-style glob filter
// ("*"/"?"), case-sensitively. An empty filter matches everything.
func MatchFilter(filter, name string) bool {
	if filter == "" {
		return true
	}
	ok, err := path.Match(filter, name)
	if err != nil {
		return false
	}
	return ok
}
