package dht

import (
	"net"
	"strconv"
)

// resolveUDP resolves a NodeContact's UDP endpoint.
func resolveUDP(c NodeContact) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(c.Address, portString(c.UDPPort)))
}

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}
