package dht

import (
	"sync"

	"github.com/kutluhann/kadnet/id"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "routing table")

// InvalidBucketIndex is returned by BucketIndex when the peer id equals the
// local id: such a peer is not routable.
const InvalidBucketIndex = -1

// RoutingTable holds id.Width k-buckets, protected by a single mutex
// covering every bucket, per the shared-resource discipline: the table is a
// short, bounded critical section rather than a lock per bucket.
type RoutingTable struct {
	mu      sync.Mutex
	localID id.NodeId
	buckets [id.Width]*KBucket
	total   int
	handler RoutingTableEventHandler
	pinger  *Pinger
}

// SetPinger wires the background prober that UpdateOnObservation hands
// bucket-overflow replacement candidates to. NewPingerWithTimings calls it
// once, after both the table and the pinger exist.
func (rt *RoutingTable) SetPinger(p *Pinger) {
	rt.pinger = p
}

// NewRoutingTable returns an empty table for localID.
func NewRoutingTable(localID id.NodeId, handler RoutingTableEventHandler) *RoutingTable {
	rt := &RoutingTable{localID: localID, handler: handler}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket()
	}
	return rt
}

// LocalID returns the table's owner id.
func (rt *RoutingTable) LocalID() id.NodeId {
	return rt.localID
}

// BucketIndex computes bucket_index(local, peer): 256 - 1 - CLZ(local XOR
// peer). Equal ids yield InvalidBucketIndex.
func (rt *RoutingTable) BucketIndex(peer id.NodeId) int {
	return BucketIndex(rt.localID, peer)
}

// BucketIndex is the free function form of the metric, used both by the
// table and by lookup code comparing two arbitrary ids (e.g. the fragment
// collector's keep-local-or-not decision).
func BucketIndex(a, b id.NodeId) int {
	clz := a.Xor(b).CLZ()
	if clz == id.Width {
		return InvalidBucketIndex
	}
	return id.Width - 1 - clz
}

// Total reports the current table-wide membership count.
func (rt *RoutingTable) Total() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.total
}

// HasNode reports whether peer is a current member.
func (rt *RoutingTable) HasNode(peer id.NodeId) bool {
	idx := rt.BucketIndex(peer)
	if idx == InvalidBucketIndex {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.buckets[idx].Exists(peer)
}

// checkEndpoint rejects a contact that claims the local id, or that claims
// an id already on file at a different address/port: the guard routing_
// table.cc applies before honoring any inbound datagram's claimed sender,
// to keep the liveness invariant honest against spoofed source endpoints.
func (rt *RoutingTable) checkEndpoint(c NodeContact) bool {
	if c.ID.Equal(rt.localID) {
		return false
	}
	if rt.handler.IsEndpointBanned(c.Address, c.UDPPort) {
		return false
	}
	idx := rt.BucketIndex(c.ID)
	if idx == InvalidBucketIndex {
		return false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	existing, ok := rt.buckets[idx].Get(c.ID)
	if !ok {
		return true
	}
	return existing.Address == c.Address && existing.UDPPort == c.UDPPort
}

// UpdateOnObservation applies the update_on_observation rule: promote an
// existing member, append a new one if there is room, or (when full) probe
// the head with peer as a replacement candidate.
func (rt *RoutingTable) UpdateOnObservation(peer NodeContact) {
	idx := rt.BucketIndex(peer.ID)
	if idx == InvalidBucketIndex {
		return
	}
	rt.mu.Lock()
	b := rt.buckets[idx]
	switch {
	case b.Exists(peer.ID):
		b.PromoteToTail(peer.ID)
		rt.mu.Unlock()
	case !b.Full():
		b.AddTail(peer)
		rt.total++
		rt.mu.Unlock()
		log.WithFields(logrus.Fields{"peer": peer.ID, "bucket": idx}).Debug("node added")
		rt.handler.OnNodeEvent(peer, NodeAdded)
	default:
		head, _ := b.LeastRecent()
		rt.mu.Unlock()
		if rt.pinger != nil {
			rt.pinger.ProbeReplacement(head, peer)
		}
	}
}

// UpdateTcpPort performs the in-place field update exposed by the spec.
func (rt *RoutingTable) UpdateTcpPort(peer id.NodeId, port uint16) {
	idx := rt.BucketIndex(peer)
	if idx == InvalidBucketIndex {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	c, ok := rt.buckets[idx].Get(peer)
	if !ok {
		return
	}
	c.TCPPort = port
	rt.buckets[idx].Update(c)
}

// removeMember evicts peer and, if a replacement is given, appends it in
// the same critical section; it emits NodeRemoved/NodeAdded accordingly.
// Used by the pinger on ping exhaustion.
func (rt *RoutingTable) removeMember(peer id.NodeId, replacement *NodeContact) {
	idx := rt.BucketIndex(peer)
	if idx == InvalidBucketIndex {
		return
	}
	rt.mu.Lock()
	b := rt.buckets[idx]
	contact, existed := b.Get(peer)
	if existed {
		b.Evict(peer)
		rt.total--
	}
	var added bool
	if replacement != nil && !b.Full() {
		b.AddTail(*replacement)
		rt.total++
		added = true
	}
	rt.mu.Unlock()

	if existed {
		rt.handler.OnNodeEvent(contact, NodeRemoved)
	}
	if added {
		rt.handler.OnNodeEvent(*replacement, NodeAdded)
	}
}

// GetKnownNodes returns every contact currently in the table.
func (rt *RoutingTable) GetKnownNodes() []NodeContact {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]NodeContact, 0, rt.total)
	for _, b := range rt.buckets {
		out = append(out, b.Contacts()...)
	}
	return out
}

// Nearest returns up to n contacts ordered by ascending bucket_index(target,
// peer) — closest first — ties broken by bucket iteration order. A member
// whose id equals target (InvalidBucketIndex) comes first.
func (rt *RoutingTable) Nearest(target id.NodeId, n int) []NodeContact {
	rt.mu.Lock()
	byIndex := make(map[int][]NodeContact)
	for _, b := range rt.buckets {
		for _, c := range b.Contacts() {
			idx := BucketIndex(target, c.ID)
			byIndex[idx] = append(byIndex[idx], c)
		}
	}
	rt.mu.Unlock()

	out := make([]NodeContact, 0, n)
	for i := InvalidBucketIndex; i <= id.Width && len(out) < n; i++ {
		for _, c := range byIndex[i] {
			out = append(out, c)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

// BroadcastReplication is the per-bucket fan-out used by broadcast_list.
const BroadcastReplication = 3

// BroadcastList implements broadcast_list(received_from): every bucket with
// index strictly greater than bucket_index(local, received_from) (or -1 if
// received_from is absent from the table, or local), scanned in descending
// order, contributes up to BroadcastReplication members.
func (rt *RoutingTable) BroadcastList(receivedFrom id.NodeId) []NodeContact {
	i0 := InvalidBucketIndex
	if rt.HasNode(receivedFrom) {
		i0 = rt.BucketIndex(receivedFrom)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []NodeContact
	for i := id.Width - 1; i > i0; i-- {
		contacts := rt.buckets[i].Contacts()
		if len(contacts) > BroadcastReplication {
			contacts = contacts[:BroadcastReplication]
		}
		out = append(out, contacts...)
	}
	return out
}
