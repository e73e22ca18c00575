// Package bridge translates between LoRa MAC frames and the IPv6
// packets the upper routing stack deals in, mirroring the original
// firmware's lorabridge.c. It is the only piece of this module that
// knows both loraaddr's fixed IPv6 template and the routing stack's
// fallback-interface shape.
package bridge

import (
	"fmt"
	"log"
	"net"

	"github.com/lora-mesh/loramac-root/internal/loraaddr"
	"github.com/lora-mesh/loramac-root/internal/loramac"
)

// RoutingStack is the upper IPv6 mesh-routing collaborator: out of
// scope for this module, provided by whatever routing implementation
// the binary links against.
type RoutingStack interface {
	// SetPrefixAndStart is called once a JOIN completes, mirroring
	// root_set_prefix/root_start: the routing stack should start
	// advertising the DAG rooted at this device under the given LoRa
	// prefix.
	SetPrefixAndStart(prefix uint8)
	// DeliverIPv6Packet hands a reconstructed IPv6 packet up to the
	// routing stack, mirroring tcpip_input.
	DeliverIPv6Packet(pkt []byte)
}

// Adapter implements loramac.Bridge and exposes the downward Output
// entry point the routing stack calls as its fallback interface.
type Adapter struct {
	engine  *loramac.Engine
	routing RoutingStack
	logger  *log.Logger
}

// NewAdapter constructs an Adapter bound to routing. The engine it
// will forward outbound packets to must be attached with SetEngine
// once constructed, since loramac.New itself requires a Bridge.
func NewAdapter(routing RoutingStack, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.Default()
	}
	return &Adapter{routing: routing, logger: logger}
}

// SetEngine attaches the MAC engine Output forwards accepted packets
// to.
func (a *Adapter) SetEngine(e *loramac.Engine) {
	a.engine = e
}

// OnJoined notifies the routing stack that a LoRa prefix was assigned.
func (a *Adapter) OnJoined(prefix uint8) {
	a.logger.Printf("bridge: joined with prefix %#x", prefix)
	if a.routing != nil {
		a.routing.SetPrefixAndStart(prefix)
	}
}

// DeliverPacket reconstructs an IPv6 packet from a LoRa payload and
// the sender/receiver LoRa addresses, then hands it to the routing
// stack.
func (a *Adapter) DeliverPacket(payload []byte, sender, receiver loraaddr.Addr) {
	pkt, err := reconstructIPv6(payload, sender, receiver)
	if err != nil {
		a.logger.Printf("bridge: dropping undersized inbound payload: %v", err)
		return
	}
	if a.routing != nil {
		a.routing.DeliverIPv6Packet(pkt)
	}
}

// ipv6HeaderLen is the size of a full IPv6 header: 8 bytes of
// version/traffic-class/flow-label/payload-length/next-header/hop-limit,
// followed by a 16-byte source and 16-byte destination address.
const (
	ipv6NonAddrHeaderLen = 8
	ipv6AddrLen          = 16
	ipv6HeaderLen        = ipv6NonAddrHeaderLen + 2*ipv6AddrLen
)

// reconstructIPv6 rebuilds a full IPv6 packet from a LoRa payload
// that carries only the 8 non-address header bytes plus whatever
// follows the addresses, since the addresses themselves are derived
// from the LoRa sender/receiver via the fixed template instead of
// being carried over the air.
func reconstructIPv6(payload []byte, sender, receiver loraaddr.Addr) ([]byte, error) {
	if len(payload) < ipv6NonAddrHeaderLen {
		return nil, fmt.Errorf("bridge: payload too short for IPv6 header: %d bytes", len(payload))
	}
	pkt := make([]byte, ipv6HeaderLen+len(payload)-ipv6NonAddrHeaderLen)
	copy(pkt[0:ipv6NonAddrHeaderLen], payload[0:ipv6NonAddrHeaderLen])
	copy(pkt[ipv6NonAddrHeaderLen:], sender.ToIPv6())
	copy(pkt[ipv6NonAddrHeaderLen+ipv6AddrLen:], receiver.ToIPv6())
	copy(pkt[ipv6HeaderLen:], payload[ipv6NonAddrHeaderLen:])
	return pkt, nil
}

// Output is the fallback-interface entry point the routing stack
// calls for any packet it cannot route locally: it strips the two
// 16-byte IPv6 addresses (recoverable from the LoRa addresses on the
// far end) and hands the remainder to the MAC engine as DATA, sent
// from the LoRa address the packet's own IPv6 source address maps to
// (mirroring lorabridge.c's output(), which derives the MAC frame's
// sender via ipv62lora(&srcipaddr) rather than always using the
// node's own address).
func (a *Adapter) Output(ipv6Packet []byte) error {
	if len(ipv6Packet) < ipv6HeaderLen {
		return fmt.Errorf("bridge: packet too short for IPv6 header: %d bytes", len(ipv6Packet))
	}
	if a.engine == nil {
		return fmt.Errorf("bridge: no engine attached")
	}
	src := loraaddr.FromIPv6(net.IP(ipv6Packet[ipv6NonAddrHeaderLen : ipv6NonAddrHeaderLen+ipv6AddrLen]))
	payload := make([]byte, ipv6NonAddrHeaderLen+len(ipv6Packet)-ipv6HeaderLen)
	copy(payload[0:ipv6NonAddrHeaderLen], ipv6Packet[0:ipv6NonAddrHeaderLen])
	copy(payload[ipv6NonAddrHeaderLen:], ipv6Packet[ipv6HeaderLen:])
	return a.engine.SendDataFrom(src, payload)
}
