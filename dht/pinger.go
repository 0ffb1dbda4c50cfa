package dht

import (
	"sync"
	"time"

	"github.com/kutluhann/kadnet/id"
	"github.com/sirupsen/logrus"
)

// PMax is the number of unanswered pings tolerated before a peer is evicted.
const PMax = 3

// TPing is the round-robin probe interval and per-ping expiry.
const TPing = 8 * time.Second

var pingerLog = logrus.WithField("component", "pinger")

type pendingPing struct {
	peer        NodeContact
	sendCount   int
	replacement *NodeContact
	timer       *time.Timer
}

// Pinger runs the background liveness loop: every TPing it scans buckets
// round-robin (resuming from where the last sweep left off, wrapping at the
// end, per pinger.cc), issuing PING to every member of the next non-empty
// bucket. It also serves ad-hoc bootstrap pings and bucket-overflow
// replacement probes.
type Pinger struct {
	rt       *RoutingTable
	socket   *Socket
	self     NodeContact
	interval time.Duration
	pMax     int

	mu      sync.Mutex
	pending map[id.NodeId]*pendingPing
	cursor  int

	stop chan struct{}
	done chan struct{}
}

// NewPinger wires a pinger to its routing table and datagram socket, using
// the default TPing/PMax timings.
func NewPinger(rt *RoutingTable, socket *Socket, self NodeContact) *Pinger {
	return NewPingerWithTimings(rt, socket, self, TPing, PMax)
}

// NewPingerWithTimings is NewPinger with overridable timings, per the spec's
// "all configurable" timeout requirement; tests use short intervals here
// rather than waiting out the real 8s default.
func NewPingerWithTimings(rt *RoutingTable, socket *Socket, self NodeContact, interval time.Duration, pMax int) *Pinger {
	p := &Pinger{
		rt:       rt,
		socket:   socket,
		self:     self,
		interval: interval,
		pMax:     pMax,
		pending:  make(map[id.NodeId]*pendingPing),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	rt.SetPinger(p)
	return p
}

// Run executes the round-robin probe loop until Stop is called. Intended to
// be started in its own goroutine.
func (p *Pinger) Run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweepNextBucket()
		}
	}
}

// Stop signals the loop to exit between iterations and waits for it to
// return, per the one-shot-latch cancellation model.
func (p *Pinger) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Pinger) sweepNextBucket() {
	if p.rt.Total() == 0 {
		p.bootstrapFromCursor()
		return
	}
	for i := 0; i < id.Width; i++ {
		idx := p.cursor
		p.cursor = (p.cursor + 1) % id.Width
		p.rt.mu.Lock()
		contacts := p.rt.buckets[idx].Contacts()
		p.rt.mu.Unlock()
		if len(contacts) == 0 {
			continue
		}
		for _, c := range contacts {
			p.SendPing(c, nil)
		}
		return
	}
}

// bootstrapFromCursor is a no-op placeholder invoked when the table is
// empty; bootstrap contacts are injected externally via AddNodes, which
// calls SendPing directly, so there is nothing to scan here yet.
func (p *Pinger) bootstrapFromCursor() {}

// AddNodes issues an immediate PING to each given contact, used for
// explicit bootstrap.
func (p *Pinger) AddNodes(contacts []NodeContact) {
	for _, c := range contacts {
		p.SendPing(c, nil)
	}
}

// ProbeReplacement pings head (the bucket's least recently seen member)
// attaching replacement as the candidate to install if head is evicted.
func (p *Pinger) ProbeReplacement(head NodeContact, replacement NodeContact) {
	p.SendPing(head, &replacement)
}

// SendPing issues a PING to peer, recording or incrementing its pending-ping
// state. replacement, if non-nil, is attached so that ping exhaustion can
// install it in place of peer.
func (p *Pinger) SendPing(peer NodeContact, replacement *NodeContact) {
	p.mu.Lock()
	pp, exists := p.pending[peer.ID]
	if exists {
		pp.sendCount++
		if replacement != nil {
			pp.replacement = replacement
		}
		pp.timer.Reset(p.interval)
	} else {
		pp = &pendingPing{peer: peer, sendCount: 1, replacement: replacement}
		pp.timer = time.AfterFunc(p.interval, func() { p.onPingTimeout(peer.ID) })
		p.pending[peer.ID] = pp
	}
	p.mu.Unlock()

	addr, err := resolveUDP(peer)
	if err != nil {
		pingerLog.WithError(err).WithField("peer", peer.ID).Debug("resolve failed")
		return
	}
	_ = p.socket.Send(Datagram{
		Type:          Ping,
		SenderID:      p.self.ID,
		SenderTCPPort: p.self.TCPPort,
		UserData:      p.self.UserData,
	}, addr)
}

func (p *Pinger) onPingTimeout(peer id.NodeId) {
	p.mu.Lock()
	pp, ok := p.pending[peer]
	if !ok {
		p.mu.Unlock()
		return
	}
	if pp.sendCount < p.pMax {
		p.mu.Unlock()
		p.SendPing(pp.peer, pp.replacement)
		return
	}
	delete(p.pending, peer)
	replacement := pp.replacement
	p.mu.Unlock()

	pingerLog.WithField("peer", peer).Debug("ping exhausted, evicting")
	p.rt.removeMember(peer, replacement)
}

// CheckPingResponce clears pending state for peer and folds it into the
// routing table as a confirmed-live observation, per pinger.cc's
// CheckPingResponce.
func (p *Pinger) CheckPingResponce(peer NodeContact) {
	p.mu.Lock()
	pp, ok := p.pending[peer.ID]
	if ok {
		pp.timer.Stop()
		delete(p.pending, peer.ID)
	}
	p.mu.Unlock()
	p.rt.UpdateOnObservation(peer)
}
