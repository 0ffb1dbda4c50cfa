package transport

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kutluhann/kadnet/ban"
	"github.com/kutluhann/kadnet/dht"
	"github.com/kutluhann/kadnet/id"
)

type noopFragHandler struct{}

func (noopFragHandler) OnFragmentFound(id.FragmentId, []byte) {}
func (noopFragHandler) OnFragmentNotFound(id.FragmentId)      {}

type memDB struct {
	mu   sync.Mutex
	data map[id.FragmentId][]byte
}

func newMemDB() *memDB { return &memDB{data: make(map[id.FragmentId][]byte)} }

func (m *memDB) Get(k id.FragmentId) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[k]
	return v, ok, nil
}
func (m *memDB) Put(k id.FragmentId, v []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[k] = v
	return nil
}
func (m *memDB) Delete(k id.FragmentId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, k)
	return nil
}
func (m *memDB) ForEach(fn func(id.FragmentId) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

type recordingEvents struct {
	mu       sync.Mutex
	messages [][]byte
}

func (r *recordingEvents) OnMessageReceived(from id.NodeId, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, payload)
}
func (r *recordingEvents) OnNodeDiscovered(id.NodeId) {}
func (r *recordingEvents) OnNodeRemoved(id.NodeId)    {}

func (r *recordingEvents) Messages() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.messages))
	copy(out, r.messages)
	return out
}

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freeTCPPort: %v", err)
	}
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	l.Close()
	return port
}

type testNode struct {
	host   *Host
	dht    *dht.DHT
	events *recordingEvents
}

func newTestNode(t *testing.T, bit int) *testNode {
	t.Helper()
	var raw [32]byte
	raw[31-bit/8] = 1 << uint(bit%8)
	self := dht.NodeContact{
		ID:      id.FromBytes(raw),
		Address: "127.0.0.1",
		TCPPort: freeTCPPort(t),
	}

	banMan, err := ban.Open(t.TempDir()+"/banlist", nil)
	if err != nil {
		t.Fatalf("ban.Open: %v", err)
	}
	events := &recordingEvents{}
	host := NewHost(self, banMan, events)

	tim := dht.DefaultTimings()
	tim.TPing = 20 * time.Millisecond
	tim.TDiscovery = time.Hour
	tim.TLookup = time.Second

	d, err := dht.New(self, host, noopFragHandler{}, newMemDB(), tim)
	if err != nil {
		t.Fatalf("dht.New: %v", err)
	}
	d.Self.UDPPort = uint16(d.Socket.LocalAddr().Port)
	host.SetDHT(d)
	if err := d.Start(); err != nil {
		t.Fatalf("dht.Start: %v", err)
	}
	if err := host.Start(net.JoinHostPort(self.Address, strconv.Itoa(int(self.TCPPort)))); err != nil {
		t.Fatalf("host.Start: %v", err)
	}
	t.Cleanup(func() {
		host.Shutdown()
		d.Shutdown()
	})
	return &testNode{host: host, dht: d, events: events}
}

// TestSendDirectAfterBootstrap grounds send_direct's "dial once the peer
// is known to the routing table" path end to end: two hosts bootstrap over
// UDP, then a message sent before any TCP connection exists is queued,
// dialed out, and delivered.
func TestSendDirectAfterBootstrap(t *testing.T) {
	a := newTestNode(t, 0)
	b := newTestNode(t, 255)

	bContact := b.dht.Self
	a.dht.AddNodes([]dht.NodeContact{bContact})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("bootstrap did not converge")
		default:
		}
		if a.dht.Table.HasNode(bContact.ID) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	a.host.SendDirect(bContact.ID, []byte("hello from a"))

	deadline = time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("message was not delivered")
		default:
		}
		msgs := b.events.Messages()
		if len(msgs) == 1 && string(msgs[0]) == "hello from a" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
