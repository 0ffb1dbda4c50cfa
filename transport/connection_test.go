package transport

import (
	"net"
	"testing"
	"time"

	"github.com/kutluhann/kadnet/id"
)

type recordingOwner struct {
	mu       chan struct{}
	connects []Packet
	packets  []Packet
	dropped  []DropReason
	pendErrs []DropReason
}

func newRecordingOwner() *recordingOwner {
	return &recordingOwner{mu: make(chan struct{}, 64)}
}

func (o *recordingOwner) onConnected(c *Connection, reg Packet) {
	o.connects = append(o.connects, reg)
	o.mu <- struct{}{}
}
func (o *recordingOwner) onPacketReceived(c *Connection, pkt Packet) {
	o.packets = append(o.packets, pkt)
	o.mu <- struct{}{}
}
func (o *recordingOwner) onConnectionDropped(remote id.NodeId, active bool, reason DropReason) {
	o.dropped = append(o.dropped, reason)
	o.mu <- struct{}{}
}
func (o *recordingOwner) onPendingConnectionError(remote id.NodeId, reason DropReason) {
	o.pendErrs = append(o.pendErrs, reason)
	o.mu <- struct{}{}
}

func waitEvent(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
	}
}

func TestHandshakeCompletesBothSides(t *testing.T) {
	localID, _ := id.Random()
	remoteID, _ := id.Random()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	passiveOwner := newRecordingOwner()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		Accept(passiveOwner, conn, remoteID)
	}()

	activeOwner := newRecordingOwner()
	reg := NewPacket(Registration, localID, remoteID, nil)
	activeConn, err := Dial(activeOwner, l.Addr().String(), reg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer activeConn.Close()

	waitEvent(t, activeOwner.mu)
	waitEvent(t, passiveOwner.mu)

	if len(activeOwner.connects) != 1 {
		t.Fatalf("expected active side to observe one OnConnected, got %d", len(activeOwner.connects))
	}
	if len(passiveOwner.connects) != 1 {
		t.Fatalf("expected passive side to observe one OnConnected, got %d", len(passiveOwner.connects))
	}
}

func TestSendDeliversDirectPacket(t *testing.T) {
	localID, _ := id.Random()
	remoteID, _ := id.Random()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	passiveOwner := newRecordingOwner()
	var passiveConn *Connection
	accepted := make(chan struct{})
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		passiveConn = Accept(passiveOwner, conn, remoteID)
		close(accepted)
	}()

	activeOwner := newRecordingOwner()
	reg := NewPacket(Registration, localID, remoteID, nil)
	activeConn, err := Dial(activeOwner, l.Addr().String(), reg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer activeConn.Close()

	<-accepted
	waitEvent(t, activeOwner.mu)
	waitEvent(t, passiveOwner.mu)
	_ = passiveConn

	activeConn.Send(NewPacket(Direct, localID, remoteID, []byte("hello")))
	waitEvent(t, passiveOwner.mu)

	if len(passiveOwner.packets) != 1 || string(passiveOwner.packets[0].Payload) != "hello" {
		t.Fatalf("expected passive side to receive the direct packet, got %v", passiveOwner.packets)
	}
}

func TestDoubleRegistrationIsProtocolCorrupted(t *testing.T) {
	localID, _ := id.Random()
	remoteID, _ := id.Random()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	passiveOwner := newRecordingOwner()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		Accept(passiveOwner, conn, remoteID)
	}()

	activeOwner := newRecordingOwner()
	reg := NewPacket(Registration, localID, remoteID, nil)
	activeConn, err := Dial(activeOwner, l.Addr().String(), reg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer activeConn.Close()

	waitEvent(t, activeOwner.mu)
	waitEvent(t, passiveOwner.mu)

	activeConn.Send(NewPacket(Registration, localID, remoteID, nil))
	waitEvent(t, passiveOwner.mu)

	if len(passiveOwner.dropped) != 1 || passiveOwner.dropped[0] != ProtocolCorrupted {
		t.Fatalf("expected passive side to drop with ProtocolCorrupted, got %v", passiveOwner.dropped)
	}
}
