package dht

import "github.com/kutluhann/kadnet/id"

// EventType enumerates the events the routing table, pinger, explorer and
// fragment collector raise to their owner.
type EventType int

const (
	NodeAdded EventType = iota
	NodeRemoved
	NodeFound
	NodeNotFound
)

func (e EventType) String() string {
	switch e {
	case NodeAdded:
		return "NodeAdded"
	case NodeRemoved:
		return "NodeRemoved"
	case NodeFound:
		return "NodeFound"
	case NodeNotFound:
		return "NodeNotFound"
	default:
		return "Unknown"
	}
}

// RoutingTableEventHandler receives membership and lookup events. It is
// invoked from worker goroutines and must be safe for concurrent calls, per
// the capability-record pattern used throughout this package instead of
// interface inheritance.
type RoutingTableEventHandler interface {
	OnNodeEvent(contact NodeContact, event EventType)
	OnNodeNotFound(target id.NodeId)
	IsEndpointBanned(address string, port uint16) bool
}

// FragmentEventHandler receives fragment lookup outcomes.
type FragmentEventHandler interface {
	OnFragmentFound(target id.FragmentId, value []byte)
	OnFragmentNotFound(target id.FragmentId)
}
