// Package loraaddr implements the LoRa mesh address type and its fixed
// mapping to and from the IPv6 addresses used by the routing stack.
package loraaddr

import (
	"fmt"
	"net"
)

// Addr identifies a node within a LoRa mesh: a DAG/prefix byte shared
// by every node that joined under the same root, plus a per-node id.
type Addr struct {
	Prefix uint8
	ID     uint16
}

// Root is the fixed address of the root node.
var Root = Addr{Prefix: 1, ID: 0}

// Null is the zero-value address, used as a sentinel before a node
// has joined a mesh.
var Null = Addr{Prefix: 0, ID: 0}

// Equal reports whether a and b name the same node.
func (a Addr) Equal(b Addr) bool {
	return a.Prefix == b.Prefix && a.ID == b.ID
}

func (a Addr) String() string {
	return fmt.Sprintf("%02X%04X", a.Prefix, a.ID)
}

// ipv6Template mirrors the fixed byte layout used by loraaddr.c's
// lora2ipv6/ipv62lora: a constant /64-ish prefix, the LoRa prefix byte
// at offset 7, a constant interface-id midsection, and the node id in
// the last two bytes.
var ipv6Template = [16]byte{
	0xFD, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x02, 0x12, 0x4B, 0x00, 0x06, 0x0D, 0x00, 0x00,
}

// ToIPv6 derives the IPv6 address a LoRa node is known by on the
// routing side, by stamping the prefix and id into the fixed template.
func (a Addr) ToIPv6() net.IP {
	ip := make(net.IP, 16)
	copy(ip, ipv6Template[:])
	ip[7] = a.Prefix
	ip[14] = byte(a.ID >> 8)
	ip[15] = byte(a.ID)
	return ip
}

// FromIPv6 recovers the LoRa address embedded in an IPv6 address by
// the same fixed template ToIPv6 uses. It does not validate that the
// constant portions of ip match the template; callers that need that
// guarantee should compare against ToIPv6's output themselves.
func FromIPv6(ip net.IP) Addr {
	ip16 := ip.To16()
	if ip16 == nil {
		return Null
	}
	return Addr{
		Prefix: ip16[7],
		ID:     uint16(ip16[14])<<8 | uint16(ip16[15]),
	}
}
