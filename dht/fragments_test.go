package dht

import (
	"net"
	"testing"
	"time"

	"github.com/kutluhann/kadnet/id"
)

// memDB is a trivial in-memory FragmentDB used only by tests; the real
// default implementation lives in package store.
type memDB struct {
	data map[id.FragmentId][]byte
}

func newMemDB() *memDB { return &memDB{data: make(map[id.FragmentId][]byte)} }

func (m *memDB) Get(key id.FragmentId) ([]byte, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}
func (m *memDB) Put(key id.FragmentId, value []byte) error { m.data[key] = value; return nil }
func (m *memDB) Delete(key id.FragmentId) error             { delete(m.data, key); return nil }
func (m *memDB) ForEach(fn func(key id.FragmentId) error) error {
	for k := range m.data {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

type recordingFragmentHandler struct {
	found    map[id.FragmentId][]byte
	notFound []id.FragmentId
}

func newRecordingFragmentHandler() *recordingFragmentHandler {
	return &recordingFragmentHandler{found: make(map[id.FragmentId][]byte)}
}
func (h *recordingFragmentHandler) OnFragmentFound(target id.FragmentId, value []byte) {
	h.found[target] = value
}
func (h *recordingFragmentHandler) OnFragmentNotFound(target id.FragmentId) {
	h.notFound = append(h.notFound, target)
}

func newTestCollector(t *testing.T) (*FragmentCollector, *memDB, *recordingFragmentHandler) {
	t.Helper()
	rtHandler := &recordingHandler{}
	rt := NewRoutingTable(id.Zero, rtHandler)
	sock := newLoopbackSocket(t, func(*net.UDPAddr, Datagram) {})
	db := newMemDB()
	fh := newRecordingFragmentHandler()
	fc := NewFragmentCollectorWithTimings(rt, sock, db, NodeContact{ID: id.Zero}, fh, 30*time.Millisecond, time.Hour)
	go fc.Run()
	t.Cleanup(fc.Stop)
	return fc, db, fh
}

// TestStoreFewerThanKKeepsLocal grounds fragment_collector.cc's rule that a
// node with fewer than K known peers always keeps a local copy.
func TestStoreFewerThanKKeepsLocal(t *testing.T) {
	fc, db, _ := newTestCollector(t)
	target, _ := id.Random()
	fc.Store(target, []byte("payload"), false)

	v, ok, err := db.Get(target)
	if err != nil || !ok {
		t.Fatalf("expected local storage with fewer than K known peers, ok=%v err=%v", ok, err)
	}
	if string(v) != "payload" {
		t.Fatalf("unexpected stored value %q", v)
	}
}

func TestLookupFindsLocalFragment(t *testing.T) {
	fc, db, fh := newTestCollector(t)
	target, _ := id.Random()
	_ = db.Put(target, []byte("here"))

	fc.Lookup(target)

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("expected FragmentFound to be emitted")
		default:
		}
		if v, ok := fh.found[target]; ok {
			if string(v) != "here" {
				t.Fatalf("unexpected value %q", v)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNetworkLookupTimesOutOnce(t *testing.T) {
	fc, _, fh := newTestCollector(t)
	target, _ := id.Random()

	fc.Lookup(target)

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("expected exactly one FragmentNotFound, got %v", fh.notFound)
		default:
		}
		if len(fh.notFound) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
