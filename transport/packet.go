// Package transport implements the persistent byte-stream layer: framed
// Connections with a registration handshake (connection.cc/h), and a Host
// orchestrator maintaining a connection cache, send queues, broadcast
// dedup and ban gating on top of them (host.cc/h).
package transport

import (
	"github.com/kutluhann/kadnet/codec"
	"github.com/kutluhann/kadnet/id"
)

// PacketType tags the wire frame's purpose.
type PacketType uint8

const (
	Direct       PacketType = 0
	Broadcast    PacketType = 1
	Registration PacketType = 2
)

// headerSize is the fixed-width prefix of every frame: type(1) + data_size(8)
// + sender(32) + receiver(32) + reserved(4).
const headerSize = 1 + 8 + 32 + 32 + 4

// Header is the fixed-width frame prefix preceding DataSize payload bytes.
type Header struct {
	Type     PacketType
	DataSize uint64
	Sender   id.NodeId
	Receiver id.NodeId
	Reserved uint32
}

// Packet is a framed header plus its payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// NewPacket builds a packet with DataSize derived from payload's length.
func NewPacket(t PacketType, sender, receiver id.NodeId, payload []byte) Packet {
	return Packet{
		Header: Header{
			Type:     t,
			DataSize: uint64(len(payload)),
			Sender:   sender,
			Receiver: receiver,
		},
		Payload: payload,
	}
}

// Encode serializes the packet to its wire form.
func (p Packet) Encode() []byte {
	s := codec.NewSerializer()
	s.PutUint8(uint8(p.Header.Type))
	s.PutUint64(p.Header.DataSize)
	senderRaw := p.Header.Sender.Bytes()
	s.PutBytes(senderRaw[:])
	receiverRaw := p.Header.Receiver.Bytes()
	s.PutBytes(receiverRaw[:])
	s.PutUint32(p.Header.Reserved)
	s.PutBytes(p.Payload)
	return s.Bytes()
}

// DecodeHeader parses exactly headerSize bytes into a Header.
func DecodeHeader(buf []byte) (Header, error) {
	u := codec.NewUnserializer(buf)
	var h Header

	t, err := u.GetUint8()
	if err != nil {
		return h, err
	}
	h.Type = PacketType(t)

	h.DataSize, err = u.GetUint64()
	if err != nil {
		return h, err
	}

	senderRaw, err := u.GetFixed32()
	if err != nil {
		return h, err
	}
	h.Sender = id.FromBytes(senderRaw)

	receiverRaw, err := u.GetFixed32()
	if err != nil {
		return h, err
	}
	h.Receiver = id.FromBytes(receiverRaw)

	h.Reserved, err = u.GetUint32()
	if err != nil {
		return h, err
	}
	return h, nil
}

// IsRegistration reports whether this packet is a handshake registration.
func (h Header) IsRegistration() bool { return h.Type == Registration }
