package dht

import (
	"testing"
	"time"

	"github.com/kutluhann/kadnet/id"
)

type noopFragmentHandler struct{}

func (noopFragmentHandler) OnFragmentFound(id.FragmentId, []byte) {}
func (noopFragmentHandler) OnFragmentNotFound(id.FragmentId)      {}

func newTestDHT(t *testing.T, bit int) (*DHT, *recordingHandler) {
	t.Helper()
	var raw [32]byte
	raw[31-bit/8] = 1 << uint(bit%8)
	self := NodeContact{ID: id.FromBytes(raw), Address: "127.0.0.1", UDPPort: 0}

	h := &recordingHandler{}
	tim := DefaultTimings()
	tim.TPing = 20 * time.Millisecond
	tim.TDiscovery = time.Hour
	tim.TLookup = time.Second

	d, err := New(self, h, noopFragmentHandler{}, newMemDB(), tim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Self.UDPPort = uint16(d.Socket.LocalAddr().Port)
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Shutdown)
	return d, h
}

// TestTwoNodeBootstrap grounds the spec's two-node bootstrap scenario: A
// bootstraps from B, and within TPing both learn of each other.
func TestTwoNodeBootstrap(t *testing.T) {
	a, ha := newTestDHT(t, 0)
	b, hb := newTestDHT(t, 255)

	_ = ha
	_ = hb

	bContact := b.Self
	aContact := a.Self
	a.AddNodes([]NodeContact{bContact})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("bootstrap did not converge: a knows b=%v, b knows a=%v", a.Table.HasNode(bContact.ID), b.Table.HasNode(aContact.ID))
		default:
		}
		if a.Table.HasNode(bContact.ID) && b.Table.HasNode(aContact.ID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
