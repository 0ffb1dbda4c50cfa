package dht

import (
	"github.com/kutluhann/kadnet/codec"
	"github.com/kutluhann/kadnet/id"
)

// NodeContact identifies a routable peer: its id, reachable address, and
// the two ports it listens on. Equality is structural.
type NodeContact struct {
	ID       id.NodeId
	Address  string
	UDPPort  uint16
	TCPPort  uint16
	UserData uint64
}

// Equal reports structural equality, ignoring UserData which is a
// per-message payload rather than identity.
func (c NodeContact) Equal(o NodeContact) bool {
	return c.ID.Equal(o.ID) && c.Address == o.Address && c.UDPPort == o.UDPPort && c.TCPPort == o.TCPPort
}

// Put encodes the contact per the wire format: id, length-prefixed address
// string, udp_port, tcp_port.
func (c NodeContact) Put(s *codec.Serializer) {
	raw := c.ID.Bytes()
	s.PutBytes(raw[:])
	s.PutString(c.Address)
	s.PutUint16(c.UDPPort)
	s.PutUint16(c.TCPPort)
}

// GetNodeContact decodes a contact previously written by Put.
func GetNodeContact(u *codec.Unserializer) (NodeContact, error) {
	var c NodeContact
	raw, err := u.GetFixed32()
	if err != nil {
		return c, err
	}
	c.ID = id.FromBytes(raw)
	c.Address, err = u.GetString()
	if err != nil {
		return c, err
	}
	c.UDPPort, err = u.GetUint16()
	if err != nil {
		return c, err
	}
	c.TCPPort, err = u.GetUint16()
	if err != nil {
		return c, err
	}
	return c, nil
}
