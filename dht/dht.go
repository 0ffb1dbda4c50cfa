package dht

import (
	"fmt"
	"net"
	"time"

	"github.com/kutluhann/kadnet/id"
	"github.com/sirupsen/logrus"
)

var dhtLog = logrus.WithField("component", "dht")

// Timings collects every configurable duration named in the concurrency
// model, threaded through DHT construction instead of relying on package
// constants everywhere, per the "Global state" design note.
type Timings struct {
	TPing      time.Duration
	PMax       int
	TDiscovery time.Duration
	TLookup    time.Duration
	TRep       time.Duration
}

// DefaultTimings returns the spec's reference timings.
func DefaultTimings() Timings {
	return Timings{TPing: TPing, PMax: PMax, TDiscovery: TDiscovery, TLookup: TLookup, TRep: TRep}
}

// DHT wires the routing table, datagram socket, pinger, net explorer and
// fragment collector into the C3/C5/C6/C7/C8 subsystem, dispatching
// received datagrams to the right collaborator.
type DHT struct {
	Self   NodeContact
	Table  *RoutingTable
	Socket *Socket

	pinger    *Pinger
	explorer  *NetExplorer
	fragments *FragmentCollector
}

// New binds a UDP socket at self's address and wires every collaborator.
// handler receives routing-table and lookup events; fragHandler receives
// fragment lookup outcomes; db is the opaque persistent fragment store.
func New(self NodeContact, handler RoutingTableEventHandler, fragHandler FragmentEventHandler, db FragmentDB, t Timings) (*DHT, error) {
	d := &DHT{Self: self}
	d.Table = NewRoutingTable(self.ID, handler)

	sock, err := Listen(net.JoinHostPort(self.Address, portString(self.UDPPort)), d.onDatagram)
	if err != nil {
		return nil, fmt.Errorf("dht: %w", err)
	}
	d.Socket = sock

	d.pinger = NewPingerWithTimings(d.Table, sock, self, t.TPing, t.PMax)
	d.explorer = NewNetExplorerWithTimings(d.Table, sock, d.pinger, self, handler, t.TDiscovery, t.TLookup)
	d.fragments = NewFragmentCollectorWithTimings(d.Table, sock, db, self, fragHandler, t.TLookup, t.TRep)
	return d, nil
}

// Start launches the background workers. Call once after New.
func (d *DHT) Start() error {
	if err := d.fragments.Seed(); err != nil {
		dhtLog.WithError(err).Warn("fragment seed failed")
	}
	go d.pinger.Run()
	go d.explorer.Run()
	go d.fragments.Run()
	return nil
}

// Shutdown stops every background worker and closes the socket, joining all
// worker goroutines before returning.
func (d *DHT) Shutdown() {
	d.pinger.Stop()
	d.explorer.Stop()
	d.fragments.Stop()
	_ = d.Socket.Close()
}

// AddNodes bootstraps by pinging each given contact directly.
func (d *DHT) AddNodes(contacts []NodeContact) {
	d.pinger.AddNodes(contacts)
}

// StartFindNode begins an iterative lookup for target, used by the host
// orchestrator's send_direct path when a peer is not yet known.
func (d *DHT) StartFindNode(target id.NodeId) {
	d.explorer.Find(target)
}

// FindFragment begins a local-then-network lookup for a fragment.
func (d *DHT) FindFragment(target id.FragmentId) {
	d.fragments.Lookup(target)
}

// StoreFragment runs the keep-local-or-forward decision for (target, value).
func (d *DHT) StoreFragment(target id.FragmentId, value []byte) {
	d.fragments.Store(target, value, false)
}

func (d *DHT) onDatagram(from *net.UDPAddr, dg Datagram) {
	sender := NodeContact{
		ID:      dg.SenderID,
		Address: from.IP.String(),
		UDPPort: uint16(from.Port),
		TCPPort: dg.SenderTCPPort,
	}
	if !d.Table.checkEndpoint(sender) {
		dhtLog.WithField("peer", sender.ID).Debug("dropping datagram with spoofed endpoint")
		return
	}

	switch dg.Type {
	case Ping:
		sender.UserData = dg.UserData
		d.Table.UpdateOnObservation(sender)
		_ = d.Socket.Send(Datagram{
			Type:          Pong,
			SenderID:      d.Self.ID,
			SenderTCPPort: d.Self.TCPPort,
			UserData:      d.Self.UserData,
		}, from)
	case Pong:
		sender.UserData = dg.UserData
		d.pinger.CheckPingResponce(sender)
		d.explorer.CheckPong(sender)
	case FindNode:
		closest := d.Table.Nearest(dg.Target, K)
		_ = d.Socket.Send(Datagram{
			Type:          FindNodes,
			SenderID:      d.Self.ID,
			SenderTCPPort: d.Self.TCPPort,
			Target:        dg.Target,
			Nodes:         closest,
			UserData:      dg.UserData,
		}, from)
	case FindNodes:
		d.explorer.HandleFindNodesResponse(dg.Target, sender, dg.Nodes)
	case FindFragment:
		d.fragments.HandleFindFragment(dg.Target, sender)
	case FragmentFound:
		d.fragments.HandleFragmentFound(dg.Target, dg.Fragment)
	case FragmentNotFound:
		d.fragments.HandleFragmentNotFound(dg.Target, sender, dg.Nodes)
	case Store:
		d.fragments.HandleStore(dg.Target, dg.Fragment)
	}
}
