// Package ban implements the endpoint and node-id ban list described by
// banman.cc/h: a persisted set of banned address:port endpoints, plus a
// pending-by-id queue for ids the caller wants banned but has not yet
// located on the network.
package ban

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/kutluhann/kadnet/id"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "ban")

// Entry identifies a banned endpoint.
type Entry struct {
	Address string
	Port    uint16
}

func (e Entry) String() string { return fmt.Sprintf("%s:%d", e.Address, e.Port) }

// Owner receives notification when a queued id is finally resolved to an
// endpoint and banned, or when the caller asks to stop waiting for it.
type Owner interface {
	OnIDBanned(id.NodeId)
	OnIDUnbanned(id.NodeId)
}

// Man is the ban manager. It is safe for concurrent use.
type Man struct {
	path  string
	owner Owner

	mu     sync.Mutex
	banned map[Entry]bool

	pendingMu sync.Mutex
	pendingByID map[id.NodeId]bool
}

// SetOwner wires the notification target after both the ban manager and
// its owner exist, mirroring the deferred-wiring pattern used between the
// routing table and the pinger. A nil owner (the default) means
// notifications are silently skipped.
func (m *Man) SetOwner(owner Owner) { m.owner = owner }

// Open loads a ban list from path (if it exists) and returns a Man backed
// by it. A corrupt line silently aborts the rest of the load, matching
// SeedFromFile's best-effort recovery. owner may be nil and wired later
// via SetOwner.
func Open(path string, owner Owner) (*Man, error) {
	m := &Man{
		path:        path,
		owner:       owner,
		banned:      make(map[Entry]bool),
		pendingByID: make(map[id.NodeId]bool),
	}
	if err := m.seedFromFile(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Man) seedFromFile() error {
	f, err := os.Open(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ban: open %q: %w", m.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			log.WithField("line", line).Warn("corrupt ban file line, aborting load")
			return nil
		}
		port, err := strconv.ParseUint(line[idx+1:], 10, 16)
		if err != nil {
			log.WithField("line", line).Warn("corrupt ban file line, aborting load")
			return nil
		}
		m.banned[Entry{Address: line[:idx], Port: uint16(port)}] = true
	}
	return scanner.Err()
}

func (m *Man) dumpToFile() {
	f, err := os.Create(m.path)
	if err != nil {
		log.WithError(err).Warn("failed to persist ban list")
		return
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for e := range m.banned {
		fmt.Fprintln(w, e.String())
	}
	if err := w.Flush(); err != nil {
		log.WithError(err).Warn("failed to persist ban list")
	}
}

// IsBanned reports whether an endpoint is currently banned.
func (m *Man) IsBanned(e Entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.banned[e]
}

// Ban bans an endpoint directly.
func (m *Man) Ban(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.WithField("endpoint", e).Info("banning endpoint")
	m.banned[e] = true
	m.dumpToFile()
}

// Unban removes an endpoint from the ban list.
func (m *Man) Unban(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log.WithField("endpoint", e).Info("unbanning endpoint")
	delete(m.banned, e)
	m.dumpToFile()
}

// BanID bans an endpoint known to belong to id. If the endpoint is not yet
// known, id is queued and resolved the next time a node lookup reports it
// found; the caller is expected to start a lookup itself.
func (m *Man) BanID(target id.NodeId, knownAddress string, knownPort uint16, known bool) {
	if known {
		m.Ban(Entry{Address: knownAddress, Port: knownPort})
		if m.owner != nil {
			m.owner.OnIDBanned(target)
		}
		return
	}
	m.pendingMu.Lock()
	m.pendingByID[target] = true
	m.pendingMu.Unlock()
}

// UnbanID cancels a pending-by-id ban request; it has no effect if the id
// was never queued.
func (m *Man) UnbanID(target id.NodeId) {
	m.pendingMu.Lock()
	_, queued := m.pendingByID[target]
	delete(m.pendingByID, target)
	m.pendingMu.Unlock()
	if queued && m.owner != nil {
		m.owner.OnIDUnbanned(target)
	}
}

// OnNodeFound satisfies the routing table's discovery notification: if
// target was queued for a ban, it is resolved now that its endpoint is
// known.
func (m *Man) OnNodeFound(target id.NodeId, address string, port uint16) {
	m.pendingMu.Lock()
	waiting := m.pendingByID[target]
	delete(m.pendingByID, target)
	m.pendingMu.Unlock()
	if !waiting {
		return
	}
	m.Ban(Entry{Address: address, Port: port})
	if m.owner != nil {
		m.owner.OnIDBanned(target)
	}
}

// OnNodeNotFound drops a pending-by-id ban request whose lookup failed.
func (m *Man) OnNodeNotFound(target id.NodeId) {
	m.pendingMu.Lock()
	delete(m.pendingByID, target)
	m.pendingMu.Unlock()
}

// Clear empties the ban list and the pending queue.
func (m *Man) Clear() {
	m.pendingMu.Lock()
	m.pendingByID = make(map[id.NodeId]bool)
	m.pendingMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.banned = make(map[Entry]bool)
	m.dumpToFile()
}

// Banned returns a snapshot of every currently banned endpoint.
func (m *Man) Banned() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.banned))
	for e := range m.banned {
		out = append(out, e)
	}
	return out
}
