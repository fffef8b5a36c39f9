package wol

import (
	"fmt"
	"net"
)

// DefaultBroadcastAddr is where magic packets go unless configured otherwise.
// UDP port 9 is the conventional discard port for Wake-on-LAN.
const DefaultBroadcastAddr = "255.255.255.255:9"

// Sender broadcasts Wake-on-LAN magic packets. Sends are fire-and-forget:
// the packet itself carries no acknowledgment.
type Sender struct {
	BroadcastAddr string
}

// NewSender creates a sender targeting addr, or the default broadcast
// address when addr is empty.
func NewSender(addr string) *Sender {
	if addr == "" {
		addr = DefaultBroadcastAddr
	}
	return &Sender{BroadcastAddr: addr}
}

// Payload builds the 102-byte magic packet: six 0xFF bytes followed by the
// hardware address repeated sixteen times.
func Payload(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("invalid hardware address %q: %w", mac, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("hardware address %q is not a 48-bit MAC", mac)
	}

	payload := make([]byte, 0, 102)
	for i := 0; i < 6; i++ {
		payload = append(payload, 0xFF)
	}
	for i := 0; i < 16; i++ {
		payload = append(payload, hw...)
	}
	return payload, nil
}

// Send broadcasts the magic packet for the hardware address
func (s *Sender) Send(mac string) error {
	payload, err := Payload(mac)
	if err != nil {
		return err
	}

	conn, err := net.Dial("udp", s.BroadcastAddr)
	if err != nil {
		return fmt.Errorf("failed to open broadcast socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("failed to send magic packet: %w", err)
	}
	return nil
}
