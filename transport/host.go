package transport

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/kutluhann/kadnet/ban"
	"github.com/kutluhann/kadnet/dht"
	"github.com/kutluhann/kadnet/id"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var hostLog = logrus.WithField("component", "host")

// QMax bounds the total number of queued outbound packets across every
// peer; on overflow the oldest peer's queue is dropped wholesale.
const QMax = 1000

// BroadcastSeenCapacity bounds the broadcast fingerprint dedup set; the
// oldest entry is evicted on overflow.
const BroadcastSeenCapacity = 10000

// UTTL is how long a peer stays in the unreachable cache after a failed
// dial, before being eligible to retry.
const UTTL = 120 * time.Second

// MaxConcurrentDials bounds how many outbound TCP dials may be in flight
// at once.
const MaxConcurrentDials = 8

// EventHandler receives Host-level events; implementations must be
// safe for concurrent use, as callbacks arrive from worker goroutines.
type EventHandler interface {
	OnMessageReceived(from id.NodeId, payload []byte)
	OnNodeDiscovered(id.NodeId)
	OnNodeRemoved(id.NodeId)
}

type peerConns struct {
	active  *Connection
	passive *Connection
}

// Host is the C9 orchestrator: it maintains a connection cache keyed by
// peer and polarity, a bounded send queue, broadcast deduplication, and a
// ban gate, consulting the DHT's routing table to resolve peers.
type Host struct {
	self     dht.NodeContact
	handler  EventHandler
	banMan   *ban.Man
	resolver *dht.DHT // set via SetDHT once both exist

	listener net.Listener
	dialSem  *semaphore.Weighted
	wg       *errgroup.Group
	cancel   context.CancelFunc

	connMu sync.Mutex
	conns  map[id.NodeId]*peerConns

	pendingMu sync.Mutex
	pending   map[id.NodeId]bool

	unreachableMu sync.Mutex
	unreachable   map[id.NodeId]time.Time

	sendMu       sync.Mutex
	sendQueue    *orderedmap.OrderedMap[id.NodeId, []Packet]
	queuedTotal  int

	broadcastMu   sync.Mutex
	broadcastSeen *orderedmap.OrderedMap[string, bool]
}

// NewHost constructs a Host bound to self's TCP address. SetDHT must be
// called before Start, since dialing and lookups consult the routing
// table.
func NewHost(self dht.NodeContact, banMan *ban.Man, handler EventHandler) *Host {
	h := &Host{
		self:          self,
		handler:       handler,
		banMan:        banMan,
		dialSem:       semaphore.NewWeighted(MaxConcurrentDials),
		conns:         make(map[id.NodeId]*peerConns),
		pending:       make(map[id.NodeId]bool),
		unreachable:   make(map[id.NodeId]time.Time),
		sendQueue:     orderedmap.NewOrderedMap[id.NodeId, []Packet](),
		broadcastSeen: orderedmap.NewOrderedMap[string, bool](),
	}
	banMan.SetOwner(h)
	return h
}

// OnIDBanned implements ban.Owner; nothing extra to do beyond what Ban
// already performed synchronously, since the ban manager only calls this
// once the endpoint is actually recorded.
func (h *Host) OnIDBanned(id.NodeId) {}

// OnIDUnbanned implements ban.Owner.
func (h *Host) OnIDUnbanned(id.NodeId) {}

// SetDHT wires the routing table and lookup entry point the host consults
// to resolve peers, mirroring the deferred-wiring pattern used between the
// routing table and the pinger.
func (h *Host) SetDHT(d *dht.DHT) { h.resolver = d }

// SetEventHandler wires the receiver of message/discovery events, for
// callers that must construct the Host before its handler exists.
func (h *Host) SetEventHandler(handler EventHandler) { h.handler = handler }

// Start binds a TCP listener at listenAddr and begins accepting inbound
// connections.
func (h *Host) Start(listenAddr string) error {
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	h.listener = l

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	g, _ := errgroup.WithContext(context.Background())
	h.wg = g
	g.Go(func() error {
		h.acceptLoop(ctx)
		return nil
	})
	return nil
}

func (h *Host) acceptLoop(ctx context.Context) {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				hostLog.WithError(err).Debug("accept failed")
				return
			}
		}
		remoteAddr, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
		if splitErr == nil && h.banMan.IsBanned(ban.Entry{Address: remoteAddr, Port: tcpPort(conn)}) {
			_ = conn.Close()
			continue
		}
		Accept(h, conn, h.self.ID)
	}
}

func tcpPort(conn net.Conn) uint16 {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

// Shutdown drops every connection, closes the listener and joins the
// accept loop.
func (h *Host) Shutdown() error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.listener != nil {
		_ = h.listener.Close()
	}

	h.connMu.Lock()
	all := h.conns
	h.conns = make(map[id.NodeId]*peerConns)
	h.connMu.Unlock()
	for _, pc := range all {
		if pc.active != nil {
			pc.active.Close()
		}
		if pc.passive != nil {
			pc.passive.Close()
		}
	}

	if h.wg != nil {
		return h.wg.Wait()
	}
	return nil
}

func (h *Host) purgeUnreachable(peer id.NodeId) {
	h.unreachableMu.Lock()
	defer h.unreachableMu.Unlock()
	t, ok := h.unreachable[peer]
	if ok && time.Since(t) >= UTTL {
		delete(h.unreachable, peer)
	}
}

func (h *Host) isUnreachable(peer id.NodeId) bool {
	h.purgeUnreachable(peer)
	h.unreachableMu.Lock()
	defer h.unreachableMu.Unlock()
	_, ok := h.unreachable[peer]
	return ok
}

func (h *Host) connectionFor(peer id.NodeId) *Connection {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	pc, ok := h.conns[peer]
	if !ok {
		return nil
	}
	if pc.active != nil {
		return pc.active
	}
	return pc.passive
}

// Connect implements the dial policy: refuse a banned endpoint, a peer
// already marked unreachable, or one with a dial already pending;
// otherwise reserve the slot and dial in the background.
func (h *Host) Connect(peer dht.NodeContact) {
	if h.banMan.IsBanned(ban.Entry{Address: peer.Address, Port: peer.TCPPort}) {
		return
	}
	if h.isUnreachable(peer.ID) {
		return
	}
	h.pendingMu.Lock()
	if h.pending[peer.ID] {
		h.pendingMu.Unlock()
		return
	}
	h.pending[peer.ID] = true
	h.pendingMu.Unlock()

	go h.dial(peer)
}

func (h *Host) dial(peer dht.NodeContact) {
	if !h.dialSem.TryAcquire(1) {
		h.removeFromPending(peer.ID)
		return
	}
	defer h.dialSem.Release(1)

	reg := NewPacket(Registration, h.self.ID, peer.ID, nil)
	addr := net.JoinHostPort(peer.Address, fmt.Sprintf("%d", peer.TCPPort))
	conn, err := Dial(h, addr, reg)
	if err != nil {
		hostLog.WithError(err).WithField("peer", peer.ID).Debug("dial failed")
		h.onPendingConnectionError(peer.ID, ConnectionError)
		return
	}
	_ = conn
}

func (h *Host) removeFromPending(peer id.NodeId) {
	h.pendingMu.Lock()
	delete(h.pending, peer)
	h.pendingMu.Unlock()
}

// onConnected implements ConnectionOwner.OnConnected: register the
// connection by polarity, clear any pending-dial bookkeeping, and drain
// queued packets.
func (h *Host) onConnected(c *Connection, reg Packet) {
	remote := c.RemoteID()
	h.connMu.Lock()
	pc, ok := h.conns[remote]
	if !ok {
		pc = &peerConns{}
		h.conns[remote] = pc
	}
	if c.Active() {
		pc.active = c
	} else {
		pc.passive = c
	}
	h.connMu.Unlock()

	if c.Active() {
		h.removeFromPending(remote)
	}
	_ = reg

	h.sendMu.Lock()
	queued, ok := h.sendQueue.Get(remote)
	if ok {
		h.sendQueue.Delete(remote)
		h.queuedTotal -= len(queued)
	}
	h.sendMu.Unlock()
	for _, pkt := range queued {
		c.Send(pkt)
	}
}

// onPacketReceived implements ConnectionOwner.OnPacketReceived: direct
// packets addressed to the local id surface as MessageReceived; unseen
// broadcasts are forwarded and surfaced; everything else is dropped.
func (h *Host) onPacketReceived(c *Connection, pkt Packet) {
	switch pkt.Header.Type {
	case Direct:
		if !pkt.Header.Receiver.Equal(h.self.ID) {
			return
		}
		h.handler.OnMessageReceived(pkt.Header.Sender, pkt.Payload)
	case Broadcast:
		if h.isDuplicateBroadcast(pkt.Payload) {
			return
		}
		pkt.Header.Receiver = h.self.ID
		from := c.RemoteID()
		if h.resolver != nil {
			for _, p := range h.resolver.Table.BroadcastList(from) {
				h.SendDirect(p.ID, pkt.Payload)
			}
		}
		h.handler.OnMessageReceived(pkt.Header.Sender, pkt.Payload)
	}
}

func (h *Host) isDuplicateBroadcast(payload []byte) bool {
	sum := sha1.Sum(payload)
	key := string(sum[:])

	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()
	if _, seen := h.broadcastSeen.Get(key); seen {
		return true
	}
	h.markBroadcastSeen(key)
	return false
}

// markBroadcastSeen records a fingerprint and evicts the oldest entry on
// overflow, keeping |broadcastSeen| <= BroadcastSeenCapacity regardless of
// which caller inserted it. Callers hold broadcastMu.
func (h *Host) markBroadcastSeen(key string) {
	h.broadcastSeen.Set(key, true)
	if h.broadcastSeen.Len() > BroadcastSeenCapacity {
		oldest := h.broadcastSeen.Front()
		if oldest != nil {
			h.broadcastSeen.Delete(oldest.Key)
		}
	}
}

// onConnectionDropped implements ConnectionOwner.OnConnectionDropped:
// remove the matching polarity entry, and if no connections remain for
// the peer, drop its send queue.
func (h *Host) onConnectionDropped(remote id.NodeId, active bool, reason DropReason) {
	hostLog.WithFields(logrus.Fields{"peer": remote, "reason": reason}).Debug("connection dropped")
	h.connMu.Lock()
	pc, ok := h.conns[remote]
	empty := false
	if ok {
		if active {
			pc.active = nil
		} else {
			pc.passive = nil
		}
		if pc.active == nil && pc.passive == nil {
			delete(h.conns, remote)
			empty = true
		}
	}
	h.connMu.Unlock()

	if empty {
		h.clearSendQueue(remote)
	}
}

// onPendingConnectionError implements
// ConnectionOwner.OnPendingConnectionError: a failed outbound dial marks
// the peer unreachable and purges its pending state and send queue.
func (h *Host) onPendingConnectionError(remote id.NodeId, reason DropReason) {
	hostLog.WithFields(logrus.Fields{"peer": remote, "reason": reason}).Debug("pending connection failed")
	if reason == ConnectionError || reason == Timeout {
		h.unreachableMu.Lock()
		h.unreachable[remote] = time.Now()
		h.unreachableMu.Unlock()
	}
	h.clearSendQueue(remote)
	h.removeFromPending(remote)
}

func (h *Host) clearSendQueue(peer id.NodeId) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	queued, ok := h.sendQueue.Get(peer)
	if !ok {
		return
	}
	h.sendQueue.Delete(peer)
	h.queuedTotal -= len(queued)
}

func (h *Host) enqueue(peer id.NodeId, pkt Packet) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	existing, _ := h.sendQueue.Get(peer)
	h.sendQueue.Set(peer, append(existing, pkt))
	h.queuedTotal++

	for h.queuedTotal > QMax {
		oldest := h.sendQueue.Front()
		if oldest == nil {
			break
		}
		h.queuedTotal -= len(oldest.Value)
		h.sendQueue.Delete(oldest.Key)
	}
}

// SendDirect implements send_direct(to, payload): a no-op for the local
// id; enqueued on an existing connection, dialed and enqueued if the peer
// is known to the routing table, or else queued in send_queue alongside a
// FIND_NODE lookup.
func (h *Host) SendDirect(to id.NodeId, payload []byte) {
	if to.Equal(h.self.ID) {
		return
	}
	pkt := NewPacket(Direct, h.self.ID, to, payload)

	if c := h.connectionFor(to); c != nil {
		c.Send(pkt)
		return
	}

	if h.resolver != nil && h.resolver.Table.HasNode(to) {
		contacts := h.resolver.Table.Nearest(to, 1)
		if len(contacts) == 1 && contacts[0].ID.Equal(to) {
			h.enqueue(to, pkt)
			h.Connect(contacts[0])
			return
		}
	}

	h.enqueue(to, pkt)
	if h.resolver != nil {
		h.resolver.StartFindNode(to)
	}
}

// SendBroadcast implements send_broadcast(payload): stamp, fingerprint,
// and fan out to broadcast_list(local_id).
func (h *Host) SendBroadcast(payload []byte) {
	sum := sha1.Sum(payload)
	key := string(sum[:])
	h.broadcastMu.Lock()
	h.markBroadcastSeen(key)
	h.broadcastMu.Unlock()

	if h.resolver == nil {
		return
	}
	for _, p := range h.resolver.Table.BroadcastList(h.self.ID) {
		h.SendDirect(p.ID, payload)
	}
}

// SendBroadcastIfNoConnection implements
// send_broadcast_if_no_connection(to, payload): prefer a direct send if a
// connection already exists, otherwise broadcast and also start resolving
// to directly.
func (h *Host) SendBroadcastIfNoConnection(to id.NodeId, payload []byte) {
	if c := h.connectionFor(to); c != nil {
		h.SendDirect(to, payload)
		return
	}
	h.SendBroadcast(payload)
	if h.resolver != nil {
		h.resolver.StartFindNode(to)
	}
}

// Ban drops every connection to target, clears its send queue and pending
// dial, and delegates to the ban manager. When target's endpoint is not in
// the routing table, it also starts a lookup so the queued ban can resolve.
func (h *Host) Ban(target id.NodeId) {
	h.connMu.Lock()
	pc, ok := h.conns[target]
	h.connMu.Unlock()
	if ok {
		if pc.active != nil {
			pc.active.Close()
		}
		if pc.passive != nil {
			pc.passive.Close()
		}
	}
	h.clearSendQueue(target)
	h.removeFromPending(target)

	known := false
	var address string
	var port uint16
	if h.resolver != nil && h.resolver.Table.HasNode(target) {
		for _, c := range h.resolver.Table.Nearest(target, 1) {
			if c.ID.Equal(target) {
				known, address, port = true, c.Address, c.TCPPort
			}
		}
	}
	h.banMan.BanID(target, address, port, known)
	if !known && h.resolver != nil {
		h.resolver.StartFindNode(target)
	}
}

// Unban cancels a ban-by-id request for target that is still waiting for its
// lookup. An endpoint that Ban has already recorded stays banned; only
// ban.Man.Unban removes it.
func (h *Host) Unban(target id.NodeId) { h.banMan.UnbanID(target) }

// OnNodeEvent implements dht.RoutingTableEventHandler, translating routing
// table events into host-level notifications and resolving any pending
// ban-by-id request once a target is found.
func (h *Host) OnNodeEvent(contact dht.NodeContact, evt dht.EventType) {
	switch evt {
	case dht.NodeAdded:
		h.handler.OnNodeDiscovered(contact.ID)
	case dht.NodeRemoved:
		h.handler.OnNodeRemoved(contact.ID)
	case dht.NodeFound:
		h.banMan.OnNodeFound(contact.ID, contact.Address, contact.TCPPort)
	}
}

// OnNodeNotFound implements dht.RoutingTableEventHandler.
func (h *Host) OnNodeNotFound(target id.NodeId) {
	h.banMan.OnNodeNotFound(target)
}

// IsEndpointBanned implements dht.RoutingTableEventHandler, letting the
// routing table reject datagrams from a banned endpoint.
func (h *Host) IsEndpointBanned(address string, port uint16) bool {
	return h.banMan.IsBanned(ban.Entry{Address: address, Port: port})
}
