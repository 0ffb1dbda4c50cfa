package dht

import (
	"sync"
	"time"

	"github.com/kutluhann/kadnet/id"
	"github.com/sirupsen/logrus"
)

// TRep is the republication interval.
const TRep = 3600 * time.Second

var fragmentsLog = logrus.WithField("component", "fragments")

// FragmentDB is the opaque persistent byte-key/byte-value map the fragment
// collector stores into; a default file-backed implementation lives in
// package store, but any implementation satisfying this interface may be
// substituted.
type FragmentDB interface {
	Get(key id.FragmentId) ([]byte, bool, error)
	Put(key id.FragmentId, value []byte) error
	Delete(key id.FragmentId) error
	ForEach(fn func(key id.FragmentId) error) error
}

type fragmentLookup struct {
	visited map[id.NodeId]bool
	timer   *time.Timer
}

// FragmentCollector implements DHT store/find with timeouts, local
// persistence and periodic republication, per fragment_collector.cc.
type FragmentCollector struct {
	rt      *RoutingTable
	socket  *Socket
	db      FragmentDB
	self    NodeContact
	handler FragmentEventHandler

	lookupTimeout time.Duration
	repInterval   time.Duration

	requests chan id.FragmentId

	lookupMu sync.Mutex
	pending  map[id.FragmentId]*fragmentLookup

	storedMu sync.Mutex
	stored   map[id.FragmentId]time.Time

	stop chan struct{}
	done chan struct{}
}

// NewFragmentCollector wires a collector using the default TLookup/TRep
// timings.
func NewFragmentCollector(rt *RoutingTable, socket *Socket, db FragmentDB, self NodeContact, handler FragmentEventHandler) *FragmentCollector {
	return NewFragmentCollectorWithTimings(rt, socket, db, self, handler, TLookup, TRep)
}

// NewFragmentCollectorWithTimings is NewFragmentCollector with overridable
// timings.
func NewFragmentCollectorWithTimings(rt *RoutingTable, socket *Socket, db FragmentDB, self NodeContact, handler FragmentEventHandler, lookupTimeout, repInterval time.Duration) *FragmentCollector {
	return &FragmentCollector{
		rt:            rt,
		socket:        socket,
		db:            db,
		self:          self,
		handler:       handler,
		lookupTimeout: lookupTimeout,
		repInterval:   repInterval,
		requests:      make(chan id.FragmentId, 256),
		pending:       make(map[id.FragmentId]*fragmentLookup),
		stored:        make(map[id.FragmentId]time.Time),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Seed enumerates the persisted fragments on startup and marks their last
// republication time as now, so the republication worker does not
// immediately re-store everything it finds on disk.
func (fc *FragmentCollector) Seed() error {
	now := time.Now()
	fc.storedMu.Lock()
	defer fc.storedMu.Unlock()
	return fc.db.ForEach(func(key id.FragmentId) error {
		fc.stored[key] = now
		return nil
	})
}

// Run drives the local lookup worker and the republication worker until
// Stop is called.
func (fc *FragmentCollector) Run() {
	defer close(fc.done)
	ticker := time.NewTicker(fc.repInterval)
	defer ticker.Stop()
	for {
		select {
		case <-fc.stop:
			return
		case target := <-fc.requests:
			fc.lookupLocal(target)
		case <-ticker.C:
			fc.republish()
		}
	}
}

// Stop signals the workers to exit and waits for them to return.
func (fc *FragmentCollector) Stop() {
	close(fc.stop)
	<-fc.done
}

// Lookup enqueues a request for the local lookup worker, mirroring the
// condition-variable hand-off of fragment_collector.cc's LookupRoutine.
func (fc *FragmentCollector) Lookup(target id.FragmentId) {
	select {
	case fc.requests <- target:
	default:
		fragmentsLog.WithField("target", target).Warn("lookup queue full, dropping request")
	}
}

func (fc *FragmentCollector) lookupLocal(target id.FragmentId) {
	value, ok, err := fc.db.Get(target)
	if err != nil {
		fragmentsLog.WithError(err).WithField("target", target).Debug("local read failed, escalating to network")
		fc.startNetworkLookup(target)
		return
	}
	if ok {
		fc.handler.OnFragmentFound(target, value)
		return
	}
	fc.startNetworkLookup(target)
}

func (fc *FragmentCollector) startNetworkLookup(target id.FragmentId) {
	fc.lookupMu.Lock()
	if _, inProgress := fc.pending[target]; inProgress {
		fc.lookupMu.Unlock()
		return
	}
	lookup := &fragmentLookup{visited: make(map[id.NodeId]bool)}
	lookup.timer = time.AfterFunc(fc.lookupTimeout, func() { fc.onLookupTimeout(target) })
	fc.pending[target] = lookup
	fc.lookupMu.Unlock()

	for _, c := range fc.rt.Nearest(target, K) {
		fc.queryPeer(target, lookup, c)
	}
}

func (fc *FragmentCollector) queryPeer(target id.FragmentId, lookup *fragmentLookup, peer NodeContact) {
	fc.lookupMu.Lock()
	lookup.visited[peer.ID] = true
	fc.lookupMu.Unlock()
	addr, err := resolveUDP(peer)
	if err != nil {
		fragmentsLog.WithError(err).WithField("peer", peer.ID).Debug("resolve failed")
		return
	}
	_ = fc.socket.Send(Datagram{
		Type:          FindFragment,
		SenderID:      fc.self.ID,
		SenderTCPPort: fc.self.TCPPort,
		Target:        target,
	}, addr)
}

func (fc *FragmentCollector) onLookupTimeout(target id.FragmentId) {
	fc.lookupMu.Lock()
	_, ok := fc.pending[target]
	if ok {
		delete(fc.pending, target)
	}
	fc.lookupMu.Unlock()
	if !ok {
		return
	}
	fragmentsLog.WithField("target", target).Debug("fragment lookup timed out")
	fc.handler.OnFragmentNotFound(target)
}

// HandleFragmentFound processes a FRAGMENT_FOUND reply.
func (fc *FragmentCollector) HandleFragmentFound(target id.FragmentId, value []byte) {
	fc.lookupMu.Lock()
	lookup, ok := fc.pending[target]
	if !ok {
		fc.lookupMu.Unlock()
		return
	}
	lookup.timer.Stop()
	delete(fc.pending, target)
	fc.lookupMu.Unlock()

	fc.handler.OnFragmentFound(target, value)
}

// HandleFragmentNotFound processes a FRAGMENT_NOT_FOUND reply, re-querying
// unvisited peers from the responder's closest list.
func (fc *FragmentCollector) HandleFragmentNotFound(target id.FragmentId, from NodeContact, closest []NodeContact) {
	fc.lookupMu.Lock()
	lookup, ok := fc.pending[target]
	if !ok {
		fc.lookupMu.Unlock()
		return
	}
	lookup.visited[from.ID] = true
	var toQuery []NodeContact
	for _, p := range closest {
		if !lookup.visited[p.ID] {
			toQuery = append(toQuery, p)
		}
	}
	fc.lookupMu.Unlock()

	for _, p := range toQuery {
		fc.queryPeer(target, lookup, p)
	}
}

// HandleFindFragment answers an inbound FIND_FRAGMENT request.
func (fc *FragmentCollector) HandleFindFragment(target id.FragmentId, from NodeContact) {
	addr, err := resolveUDP(from)
	if err != nil {
		fragmentsLog.WithError(err).WithField("peer", from.ID).Debug("resolve failed")
		return
	}
	if value, ok, err := fc.db.Get(target); err == nil && ok {
		_ = fc.socket.Send(Datagram{
			Type:          FragmentFound,
			SenderID:      fc.self.ID,
			SenderTCPPort: fc.self.TCPPort,
			Target:        target,
			Fragment:      value,
		}, addr)
		return
	}
	_ = fc.socket.Send(Datagram{
		Type:          FragmentNotFound,
		SenderID:      fc.self.ID,
		SenderTCPPort: fc.self.TCPPort,
		Target:        target,
		Nodes:         fc.rt.Nearest(target, K),
	}, addr)
}

// HandleStore applies an inbound STORE: insert into the local map and
// refresh the republication timestamp.
func (fc *FragmentCollector) HandleStore(target id.FragmentId, value []byte) {
	if err := fc.db.Put(target, value); err != nil {
		fragmentsLog.WithError(err).WithField("target", target).Warn("store failed")
		return
	}
	fc.storedMu.Lock()
	fc.stored[target] = time.Now()
	fc.storedMu.Unlock()
}

// Store implements the keep-local-or-forward decision: fewer than K known
// candidates always keeps a local copy; otherwise a local copy replaces the
// farthest candidate only if the local node is itself farther from target
// than that candidate is. Selected peers (excluding any candidate replaced
// by local storage) receive STORE. removeOwn additionally deletes any
// existing local copy when the decision no longer keeps one, used by the
// republication worker.
func (fc *FragmentCollector) Store(target id.FragmentId, value []byte, removeOwn bool) {
	candidates := fc.rt.Nearest(target, K)
	keepLocal := len(candidates) < K
	selected := candidates

	if !keepLocal {
		farthestPos, farthestIdx := -1, -1
		for i, c := range candidates {
			idx := BucketIndex(target, c.ID)
			if idx > farthestIdx {
				farthestIdx, farthestPos = idx, i
			}
		}
		localIdx := BucketIndex(target, fc.rt.LocalID())
		if localIdx > farthestIdx {
			keepLocal = true
			selected = append(append([]NodeContact{}, candidates[:farthestPos]...), candidates[farthestPos+1:]...)
		}
	}

	if keepLocal {
		if err := fc.db.Put(target, value); err != nil {
			fragmentsLog.WithError(err).WithField("target", target).Warn("store failed")
		} else {
			fc.storedMu.Lock()
			fc.stored[target] = time.Now()
			fc.storedMu.Unlock()
		}
	} else if removeOwn {
		_ = fc.db.Delete(target)
		fc.storedMu.Lock()
		delete(fc.stored, target)
		fc.storedMu.Unlock()
	}

	for _, p := range selected {
		addr, err := resolveUDP(p)
		if err != nil {
			continue
		}
		_ = fc.socket.Send(Datagram{
			Type:          Store,
			SenderID:      fc.self.ID,
			SenderTCPPort: fc.self.TCPPort,
			Target:        target,
			Fragment:      value,
		}, addr)
	}
}

func (fc *FragmentCollector) republish() {
	now := time.Now()
	fc.storedMu.Lock()
	due := make([]id.FragmentId, 0)
	for target, last := range fc.stored {
		if now.Sub(last) >= fc.repInterval {
			due = append(due, target)
		}
	}
	fc.storedMu.Unlock()

	for _, target := range due {
		value, ok, err := fc.db.Get(target)
		if err != nil || !ok {
			fc.storedMu.Lock()
			delete(fc.stored, target)
			fc.storedMu.Unlock()
			continue
		}
		fc.Store(target, value, true)
	}
}
