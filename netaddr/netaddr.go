// Copyright (c) 2024 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package netaddr provides the canonical endpoint representation used
// throughout the seeder: parsing, rendering, family classification, and
// the group-key bucketing used for response diversity.
package netaddr

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Family identifies the address space an Endpoint lives in.
type Family uint8

const (
	FamilyUnknown Family = iota
	FamilyIPv4
	FamilyIPv6
	FamilyOnionV2
	FamilyOnionV3
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	case FamilyOnionV2:
		return "onionv2"
	case FamilyOnionV3:
		return "onionv3"
	default:
		return "unknown"
	}
}

var (
	// ErrMalformedLiteral is returned when a host literal cannot be parsed
	// as any supported address family.
	ErrMalformedLiteral = errors.New("netaddr: malformed literal")

	// ErrUnsupportedFamily is returned when an operation is attempted on a
	// family it does not support (e.g. rendering a zero-value Endpoint).
	ErrUnsupportedFamily = errors.New("netaddr: unsupported family")
)

const (
	onionV2Bytes = 10 // raw decoded length of a 16-char base32 v2 onion
	onionV3Bytes = 35 // raw decoded length of a 56-char base32 v3 onion
)

// Endpoint is the canonical representation of an IPv4, IPv6, or Onion
// (v2/v3) network endpoint plus a port. Two endpoints are equal iff their
// bytes and port match.
type Endpoint struct {
	Family Family
	Bytes  [onionV3Bytes]byte // only the first n bytes for the family are meaningful
	Port   uint16
}

// GroupKey returns the coarse diversity bucket for this endpoint: the first
// 16 bits for IPv4, the first 32 bits for IPv6, and the first 32 bits of
// the decoded address for onion addresses.
func (e Endpoint) GroupKey() [4]byte {
	var g [4]byte
	switch e.Family {
	case FamilyIPv4:
		copy(g[:2], e.Bytes[:2])
	case FamilyIPv6:
		copy(g[:4], e.Bytes[:4])
	case FamilyOnionV2, FamilyOnionV3:
		copy(g[:], e.Bytes[:4])
	}
	return g
}

// String renders the endpoint in host:port form.
func (e Endpoint) String() string {
	host, err := e.Host()
	if err != nil {
		return "<invalid>"
	}
	return net.JoinHostPort(host, strconv.Itoa(int(e.Port)))
}

// Host renders just the host portion (no port) of the endpoint.
func (e Endpoint) Host() (string, error) {
	switch e.Family {
	case FamilyIPv4:
		return netip.AddrFrom4([4]byte(e.Bytes[:4])).String(), nil
	case FamilyIPv6:
		return netip.AddrFrom16([16]byte(e.Bytes[:16])).String(), nil
	case FamilyOnionV2:
		return encodeOnion(e.Bytes[:onionV2Bytes]) + ".onion", nil
	case FamilyOnionV3:
		return encodeOnion(e.Bytes[:onionV3Bytes]) + ".onion", nil
	default:
		return "", ErrUnsupportedFamily
	}
}

// IsOnion reports whether the endpoint is a Tor hidden-service address.
func (e Endpoint) IsOnion() bool {
	return e.Family == FamilyOnionV2 || e.Family == FamilyOnionV3
}

// IsRoutable reports whether the endpoint is suitable for inclusion in a
// DNS response: not RFC1918/loopback/link-local/multicast, and not the
// zero address. Onion addresses are always considered routable here since
// their reachability is arbitrated by the Tor network, not IP ACLs.
func (e Endpoint) IsRoutable() bool {
	switch e.Family {
	case FamilyOnionV2, FamilyOnionV3:
		return true
	case FamilyIPv4:
		a := netip.AddrFrom4([4]byte(e.Bytes[:4]))
		return isRoutableAddr(a)
	case FamilyIPv6:
		a := netip.AddrFrom16([16]byte(e.Bytes[:16]))
		return isRoutableAddr(a)
	default:
		return false
	}
}

func isRoutableAddr(a netip.Addr) bool {
	if !a.IsValid() || a.IsUnspecified() || a.IsLoopback() ||
		a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() ||
		a.IsInterfaceLocalMulticast() || a.IsMulticast() {
		return false
	}
	if a.Is4() || a.Is4In6() {
		a4 := a.As4()
		switch {
		case a4[0] == 10:
			return false
		case a4[0] == 172 && a4[1] >= 16 && a4[1] <= 31:
			return false
		case a4[0] == 192 && a4[1] == 168:
			return false
		case a4[0] == 169 && a4[1] == 254:
			return false
		case a4[0] == 127:
			return false
		}
	}
	return true
}

// Parse parses a bare host literal (IPv4, IPv6, or .onion) and port into an
// Endpoint.
func Parse(host string, port uint16) (Endpoint, error) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if strings.HasSuffix(host, ".onion") {
		return parseOnion(strings.TrimSuffix(host, ".onion"), port)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrMalformedLiteral, err)
	}

	var e Endpoint
	e.Port = port
	if addr.Is4() || addr.Is4In6() {
		e.Family = FamilyIPv4
		b := addr.As4()
		copy(e.Bytes[:4], b[:])
	} else {
		e.Family = FamilyIPv6
		b := addr.As16()
		copy(e.Bytes[:16], b[:])
	}
	return e, nil
}

// ParseHostPort parses a combined "host:port" literal.
func ParseHostPort(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrMalformedLiteral, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: invalid port %q", ErrMalformedLiteral, portStr)
	}
	return Parse(host, uint16(port))
}

func parseOnion(label string, port uint16) (Endpoint, error) {
	raw, err := decodeOnion(label)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrMalformedLiteral, err)
	}
	var e Endpoint
	e.Port = port
	switch len(raw) {
	case onionV2Bytes:
		e.Family = FamilyOnionV2
		copy(e.Bytes[:onionV2Bytes], raw)
	case onionV3Bytes:
		e.Family = FamilyOnionV3
		copy(e.Bytes[:onionV3Bytes], raw)
	default:
		return Endpoint{}, fmt.Errorf("%w: unexpected onion length %d", ErrUnsupportedFamily, len(raw))
	}
	return e, nil
}

var onionEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func decodeOnion(label string) ([]byte, error) {
	return onionEncoding.DecodeString(strings.ToUpper(label))
}

func encodeOnion(raw []byte) string {
	return strings.ToLower(onionEncoding.EncodeToString(raw))
}
