package dht

import (
	"sync"
	"time"

	"github.com/kutluhann/kadnet/id"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// TDiscovery is the interval between random-id discovery lookups.
const TDiscovery = 60 * time.Second

// TLookup is the tombstone expiry for an in-flight iterative lookup.
const TLookup = 30 * time.Second

var explorerLog = logrus.WithField("component", "explorer")

type lookupState struct {
	queried              map[id.NodeId]bool
	awaitingConfirmation bool
	timer                *time.Timer
}

// NetExplorer runs the discovery loop and the iterative FIND_NODE lookup
// protocol described in net_explorer.cc.
type NetExplorer struct {
	rt      *RoutingTable
	socket  *Socket
	pinger  *Pinger
	self    NodeContact
	handler RoutingTableEventHandler

	discoveryInterval time.Duration
	lookupTimeout     time.Duration

	mu      sync.Mutex
	lookups map[id.NodeId]*lookupState

	stop chan struct{}
	done chan struct{}
}

// NewNetExplorer wires an explorer to its collaborators using the default
// TDiscovery/TLookup timings.
func NewNetExplorer(rt *RoutingTable, socket *Socket, pinger *Pinger, self NodeContact, handler RoutingTableEventHandler) *NetExplorer {
	return NewNetExplorerWithTimings(rt, socket, pinger, self, handler, TDiscovery, TLookup)
}

// NewNetExplorerWithTimings is NewNetExplorer with overridable timings.
func NewNetExplorerWithTimings(rt *RoutingTable, socket *Socket, pinger *Pinger, self NodeContact, handler RoutingTableEventHandler, discoveryInterval, lookupTimeout time.Duration) *NetExplorer {
	return &NetExplorer{
		rt:                rt,
		socket:            socket,
		pinger:            pinger,
		self:              self,
		handler:           handler,
		discoveryInterval: discoveryInterval,
		lookupTimeout:     lookupTimeout,
		lookups:           make(map[id.NodeId]*lookupState),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Run executes the discovery loop until Stop is called.
func (e *NetExplorer) Run() {
	defer close(e.done)
	ticker := time.NewTicker(e.discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			target, err := id.Random()
			if err != nil {
				explorerLog.WithError(err).Debug("random target generation failed")
				continue
			}
			e.Find(target)
		}
	}
}

// Stop signals the discovery loop to exit and waits for it to return.
func (e *NetExplorer) Stop() {
	close(e.stop)
	<-e.done
}

// Find starts an iterative FIND_NODE lookup for target. Starting a lookup
// already in progress is a no-op.
func (e *NetExplorer) Find(target id.NodeId) {
	e.mu.Lock()
	if _, inProgress := e.lookups[target]; inProgress {
		e.mu.Unlock()
		return
	}
	state := &lookupState{queried: make(map[id.NodeId]bool)}
	state.timer = time.AfterFunc(e.lookupTimeout, func() { e.onLookupTimeout(target) })
	e.lookups[target] = state
	e.mu.Unlock()

	candidates := e.rt.Nearest(target, K)
	var g errgroup.Group
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			e.queryPeer(target, state, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *NetExplorer) queryPeer(target id.NodeId, state *lookupState, peer NodeContact) {
	e.mu.Lock()
	state.queried[peer.ID] = true
	e.mu.Unlock()
	addr, err := resolveUDP(peer)
	if err != nil {
		explorerLog.WithError(err).WithField("peer", peer.ID).Debug("resolve failed")
		return
	}
	_ = e.socket.Send(Datagram{
		Type:          FindNode,
		SenderID:      e.self.ID,
		SenderTCPPort: e.self.TCPPort,
		Target:        target,
		UserData:      e.self.UserData,
	}, addr)
}

func (e *NetExplorer) onLookupTimeout(target id.NodeId) {
	e.mu.Lock()
	_, ok := e.lookups[target]
	if ok {
		delete(e.lookups, target)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	explorerLog.WithField("target", target).Debug("lookup timed out")
	e.handler.OnNodeNotFound(target)
}

// HandleFindNodesResponse processes a FIND_NODES reply for an in-flight
// lookup. Replies for a target with no lookup in flight, or from a peer the
// lookup never queried, are silently discarded; a repeated reply from a
// queried peer is processed again.
func (e *NetExplorer) HandleFindNodesResponse(target id.NodeId, from NodeContact, closest []NodeContact) {
	e.mu.Lock()
	state, ok := e.lookups[target]
	if !ok || !state.queried[from.ID] {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.rt.UpdateOnObservation(from)

	var foundContact NodeContact
	var found bool
	for _, c := range closest {
		if c.ID.Equal(target) {
			foundContact, found = c, true
			break
		}
	}

	if found {
		e.mu.Lock()
		state.awaitingConfirmation = true
		e.mu.Unlock()
		e.pinger.SendPing(foundContact, nil)
		return
	}

	for _, p := range closest {
		if p.ID.Equal(e.self.ID) {
			continue
		}
		e.mu.Lock()
		alreadyQueried := state.queried[p.ID]
		e.mu.Unlock()
		if alreadyQueried {
			continue
		}
		e.queryPeer(target, state, p)
	}
}

// CheckPong lets the dispatcher notify the explorer of every received PONG;
// if peer.ID is a lookup target currently awaiting confirmation, the lookup
// concludes with NodeFound.
func (e *NetExplorer) CheckPong(peer NodeContact) {
	e.mu.Lock()
	state, ok := e.lookups[peer.ID]
	if !ok || !state.awaitingConfirmation {
		e.mu.Unlock()
		return
	}
	state.timer.Stop()
	delete(e.lookups, peer.ID)
	e.mu.Unlock()

	explorerLog.WithField("target", peer.ID).Debug("lookup target confirmed reachable")
	e.handler.OnNodeEvent(peer, NodeFound)
}
