package dht

import (
	"github.com/elliotchance/orderedmap/v2"
	"github.com/kutluhann/kadnet/id"
)

// K is the capacity of a single k-bucket.
const K = 16

// KBucket holds an insertion-ordered, unique-by-id set of contacts bounded
// to K entries. Front (the orderedmap's iteration start) is least recently
// seen; back is most recently seen. Promotion is delete-then-reinsert,
// which orderedmap.v2 always appends new keys at the back.
type KBucket struct {
	entries *orderedmap.OrderedMap[id.NodeId, NodeContact]
}

// NewKBucket returns an empty bucket.
func NewKBucket() *KBucket {
	return &KBucket{entries: orderedmap.NewOrderedMap[id.NodeId, NodeContact]()}
}

// Exists reports whether peer is a member.
func (b *KBucket) Exists(peer id.NodeId) bool {
	_, ok := b.entries.Get(peer)
	return ok
}

// Get returns the stored contact for peer.
func (b *KBucket) Get(peer id.NodeId) (NodeContact, bool) {
	return b.entries.Get(peer)
}

// Len reports the current membership count.
func (b *KBucket) Len() int {
	return b.entries.Len()
}

// Full reports whether the bucket is at capacity.
func (b *KBucket) Full() bool {
	return b.entries.Len() >= K
}

// AddTail appends a new contact at the back. The caller must have already
// checked Full().
func (b *KBucket) AddTail(c NodeContact) {
	b.entries.Set(c.ID, c)
}

// PromoteToTail re-orders an existing member to the back, marking it most
// recently seen.
func (b *KBucket) PromoteToTail(peer id.NodeId) {
	c, ok := b.entries.Get(peer)
	if !ok {
		return
	}
	b.entries.Delete(peer)
	b.entries.Set(peer, c)
}

// Evict removes a specific id from the bucket.
func (b *KBucket) Evict(peer id.NodeId) bool {
	return b.entries.Delete(peer)
}

// LeastRecent returns the head (least recently seen) contact.
func (b *KBucket) LeastRecent() (NodeContact, bool) {
	el := b.entries.Front()
	if el == nil {
		var zero NodeContact
		return zero, false
	}
	return el.Value, true
}

// Update performs an in-place field replacement preserving position.
func (b *KBucket) Update(c NodeContact) bool {
	if _, ok := b.entries.Get(c.ID); !ok {
		return false
	}
	b.entries.Set(c.ID, c)
	return true
}

// Contacts returns every member, front to back.
func (b *KBucket) Contacts() []NodeContact {
	out := make([]NodeContact, 0, b.entries.Len())
	for el := b.entries.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value)
	}
	return out
}
