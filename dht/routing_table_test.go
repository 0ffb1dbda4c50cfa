package dht

import (
	"testing"

	"github.com/kutluhann/kadnet/id"
)

type recordingHandler struct {
	events   []EventType
	notFound []id.NodeId
}

func (h *recordingHandler) OnNodeEvent(_ NodeContact, e EventType) { h.events = append(h.events, e) }
func (h *recordingHandler) OnNodeNotFound(target id.NodeId)        { h.notFound = append(h.notFound, target) }
func (h *recordingHandler) IsEndpointBanned(string, uint16) bool   { return false }

func contactWithBit(bit int) NodeContact {
	var raw [32]byte
	raw[31-bit/8] = 1 << uint(bit%8)
	return NodeContact{ID: id.FromBytes(raw), Address: "127.0.0.1", UDPPort: 9000}
}

func TestBucketIndexSelfIsInvalid(t *testing.T) {
	local, _ := id.Random()
	if BucketIndex(local, local) != InvalidBucketIndex {
		t.Fatal("expected invalid bucket index for equal ids")
	}
}

func TestBucketIndexSymmetric(t *testing.T) {
	a, _ := id.Random()
	b, _ := id.Random()
	if BucketIndex(a, b) != BucketIndex(b, a) {
		t.Fatal("bucket_index must be symmetric under XOR")
	}
}

func TestUpdateOnObservationAddsAndPromotes(t *testing.T) {
	h := &recordingHandler{}
	rt := NewRoutingTable(id.Zero, h)
	peer := contactWithBit(0)

	rt.UpdateOnObservation(peer)
	if !rt.HasNode(peer.ID) {
		t.Fatal("expected peer to be routable after observation")
	}
	if len(h.events) != 1 || h.events[0] != NodeAdded {
		t.Fatalf("expected exactly one NodeAdded, got %v", h.events)
	}

	rt.UpdateOnObservation(peer)
	if len(h.events) != 1 {
		t.Fatalf("re-observing an existing member must not re-emit NodeAdded, got %v", h.events)
	}
}

func TestBucketCapacityEnforced(t *testing.T) {
	h := &recordingHandler{}
	rt := NewRoutingTable(id.Zero, h)

	idx := rt.BucketIndex(contactWithBit(255).ID)
	for i := 0; i < K; i++ {
		var raw [32]byte
		raw[31] = byte(i + 1)
		raw[0] = 0x80
		c := NodeContact{ID: id.FromBytes(raw), Address: "127.0.0.1", UDPPort: uint16(9000 + i)}
		if rt.BucketIndex(c.ID) != idx {
			continue
		}
		rt.UpdateOnObservation(c)
	}
	if rt.buckets[idx].Len() > K {
		t.Fatalf("bucket exceeded capacity K=%d: %d", K, rt.buckets[idx].Len())
	}
}

func TestNearestOrdersByBucketIndex(t *testing.T) {
	h := &recordingHandler{}
	rt := NewRoutingTable(id.Zero, h)

	var closeRaw, farRaw [32]byte
	closeRaw[31] = 0x01
	farRaw[0] = 0x80
	close := NodeContact{ID: id.FromBytes(closeRaw), Address: "127.0.0.1", UDPPort: 1}
	far := NodeContact{ID: id.FromBytes(farRaw), Address: "127.0.0.1", UDPPort: 2}
	rt.UpdateOnObservation(close)
	rt.UpdateOnObservation(far)

	nearest := rt.Nearest(id.Zero, 2)
	if len(nearest) != 2 {
		t.Fatalf("expected 2 results, got %d", len(nearest))
	}
	if !nearest[0].ID.Equal(close.ID) {
		t.Fatalf("expected closer peer first, got %v", nearest[0].ID)
	}
}

func TestCheckEndpointRejectsSpoofedAddress(t *testing.T) {
	h := &recordingHandler{}
	rt := NewRoutingTable(id.Zero, h)
	peer := contactWithBit(0)
	rt.UpdateOnObservation(peer)

	spoofed := peer
	spoofed.Address = "10.0.0.1"
	if rt.checkEndpoint(spoofed) {
		t.Fatal("expected checkEndpoint to reject a claimed-id/address mismatch")
	}
	if !rt.checkEndpoint(peer) {
		t.Fatal("expected checkEndpoint to accept the known endpoint")
	}
}

func TestCheckEndpointRejectsLocalID(t *testing.T) {
	h := &recordingHandler{}
	rt := NewRoutingTable(id.Zero, h)
	self := NodeContact{ID: id.Zero, Address: "127.0.0.1", UDPPort: 1}
	if rt.checkEndpoint(self) {
		t.Fatal("expected checkEndpoint to reject a datagram claiming the local id")
	}
}
