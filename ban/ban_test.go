package ban

import (
	"path/filepath"
	"testing"

	"github.com/kutluhann/kadnet/id"
)

type recordingOwner struct {
	banned   []id.NodeId
	unbanned []id.NodeId
}

func (o *recordingOwner) OnIDBanned(target id.NodeId)   { o.banned = append(o.banned, target) }
func (o *recordingOwner) OnIDUnbanned(target id.NodeId) { o.unbanned = append(o.unbanned, target) }

func TestBanAndIsBanned(t *testing.T) {
	owner := &recordingOwner{}
	m, err := Open(filepath.Join(t.TempDir(), "banlist"), owner)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := Entry{Address: "10.0.0.1", Port: 4000}
	if m.IsBanned(e) {
		t.Fatal("endpoint should not be banned yet")
	}
	m.Ban(e)
	if !m.IsBanned(e) {
		t.Fatal("endpoint should be banned")
	}
	m.Unban(e)
	if m.IsBanned(e) {
		t.Fatal("endpoint should be unbanned")
	}
}

func TestBanListPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "banlist")
	owner := &recordingOwner{}
	m1, err := Open(path, owner)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := Entry{Address: "192.168.1.5", Port: 9001}
	m1.Ban(e)

	m2, err := Open(path, owner)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !m2.IsBanned(e) {
		t.Fatal("expected ban to survive reload")
	}
}

func TestBanIDQueuesUntilResolved(t *testing.T) {
	owner := &recordingOwner{}
	m, err := Open(filepath.Join(t.TempDir(), "banlist"), owner)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	target, _ := id.Random()
	m.BanID(target, "", 0, false)
	if len(owner.banned) != 0 {
		t.Fatal("should not ban until resolved")
	}

	m.OnNodeFound(target, "10.0.0.2", 5000)
	if len(owner.banned) != 1 || !owner.banned[0].Equal(target) {
		t.Fatalf("expected owner notified of resolved ban, got %v", owner.banned)
	}
	if !m.IsBanned(Entry{Address: "10.0.0.2", Port: 5000}) {
		t.Fatal("endpoint should now be banned")
	}
}

func TestBanIDNotFoundDropsQueueEntry(t *testing.T) {
	owner := &recordingOwner{}
	m, err := Open(filepath.Join(t.TempDir(), "banlist"), owner)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	target, _ := id.Random()
	m.BanID(target, "", 0, false)
	m.OnNodeNotFound(target)
	m.OnNodeFound(target, "10.0.0.3", 6000)
	if len(owner.banned) != 0 {
		t.Fatal("expected no ban after not-found dropped the queue entry")
	}
}
