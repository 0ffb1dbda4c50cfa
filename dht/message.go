package dht

import (
	"fmt"

	"github.com/kutluhann/kadnet/codec"
	"github.com/kutluhann/kadnet/id"
)

// DatagramType tags the wire variant of a datagram, decoded by a single
// dispatcher instead of a virtual base class.
type DatagramType uint8

const (
	Ping             DatagramType = 1
	Pong             DatagramType = 2
	FindNode         DatagramType = 3
	FindNodes        DatagramType = 4
	FindFragment     DatagramType = 5
	FragmentFound    DatagramType = 6
	FragmentNotFound DatagramType = 7
	Store            DatagramType = 8
)

// Datagram is the tagged sum of every wire message this component exchanges.
// Only the fields relevant to Type are populated; pattern-match on Type on
// arrival rather than modeling each variant as a distinct Go type, which
// would force a type switch at every call site for no benefit here.
type Datagram struct {
	Type          DatagramType
	SenderID      id.NodeId
	SenderTCPPort uint16

	UserData uint64        // Ping, Pong, FindNode, FindNodes
	Target   id.NodeId     // FindNode, FindNodes, FindFragment, FragmentFound, FragmentNotFound, Store
	Nodes    []NodeContact // FindNodes, FragmentNotFound
	Fragment []byte        // FragmentFound, Store
}

// Encode renders the datagram to its wire form. MTU enforcement happens at
// the socket layer, which rejects oversized buffers at send time.
func (d Datagram) Encode() []byte {
	s := codec.NewSerializer()
	s.PutUint8(uint8(d.Type))
	senderRaw := d.SenderID.Bytes()
	s.PutBytes(senderRaw[:])
	s.PutUint16(d.SenderTCPPort)

	switch d.Type {
	case Ping, Pong:
		s.PutUint64(d.UserData)
	case FindNode:
		targetRaw := d.Target.Bytes()
		s.PutBytes(targetRaw[:])
		s.PutUint64(d.UserData)
	case FindNodes:
		targetRaw := d.Target.Bytes()
		s.PutBytes(targetRaw[:])
		s.PutUint64(uint64(len(d.Nodes)))
		for _, n := range d.Nodes {
			n.Put(s)
		}
		s.PutUint64(d.UserData)
	case FindFragment:
		targetRaw := d.Target.Bytes()
		s.PutBytes(targetRaw[:])
	case FragmentFound:
		targetRaw := d.Target.Bytes()
		s.PutBytes(targetRaw[:])
		s.PutBytesLenPrefixed(d.Fragment)
	case FragmentNotFound:
		targetRaw := d.Target.Bytes()
		s.PutBytes(targetRaw[:])
		s.PutUint64(uint64(len(d.Nodes)))
		for _, n := range d.Nodes {
			n.Put(s)
		}
	case Store:
		targetRaw := d.Target.Bytes()
		s.PutBytes(targetRaw[:])
		s.PutBytesLenPrefixed(d.Fragment)
	}
	return s.Bytes()
}

// DecodeDatagram parses a received buffer into a Datagram, failing on
// truncation or an unrecognized type byte.
func DecodeDatagram(buf []byte) (Datagram, error) {
	u := codec.NewUnserializer(buf)
	var d Datagram

	typeByte, err := u.GetUint8()
	if err != nil {
		return d, err
	}
	d.Type = DatagramType(typeByte)

	senderRaw, err := u.GetFixed32()
	if err != nil {
		return d, err
	}
	d.SenderID = id.FromBytes(senderRaw)

	d.SenderTCPPort, err = u.GetUint16()
	if err != nil {
		return d, err
	}

	switch d.Type {
	case Ping, Pong:
		d.UserData, err = u.GetUint64()
	case FindNode:
		err = d.getTarget(u)
		if err == nil {
			d.UserData, err = u.GetUint64()
		}
	case FindNodes:
		if err = d.getTarget(u); err != nil {
			break
		}
		err = d.getNodes(u)
		if err == nil {
			d.UserData, err = u.GetUint64()
		}
	case FindFragment:
		err = d.getTarget(u)
	case FragmentFound:
		if err = d.getTarget(u); err != nil {
			break
		}
		d.Fragment, err = u.GetBytesLenPrefixed()
	case FragmentNotFound:
		if err = d.getTarget(u); err != nil {
			break
		}
		err = d.getNodes(u)
	case Store:
		if err = d.getTarget(u); err != nil {
			break
		}
		d.Fragment, err = u.GetBytesLenPrefixed()
	default:
		return d, fmt.Errorf("dht: unknown datagram type %d", typeByte)
	}
	return d, err
}

func (d *Datagram) getTarget(u *codec.Unserializer) error {
	raw, err := u.GetFixed32()
	if err != nil {
		return err
	}
	d.Target = id.FromBytes(raw)
	return nil
}

func (d *Datagram) getNodes(u *codec.Unserializer) error {
	n, err := u.GetUint64()
	if err != nil {
		return err
	}
	d.Nodes = make([]NodeContact, 0, n)
	for i := uint64(0); i < n; i++ {
		c, err := GetNodeContact(u)
		if err != nil {
			return err
		}
		d.Nodes = append(d.Nodes, c)
	}
	return nil
}
