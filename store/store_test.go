package store

import (
	"testing"

	"github.com/kutluhann/kadnet/id"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key, _ := id.Random()
	if err := s.Put(key, []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(v) != "payload" {
		t.Fatalf("unexpected value %q", v)
	}
}

func TestGetMissingKeyIsNotAnError(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key, _ := id.Random()
	_, ok, err := s.Get(key)
	if err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestDeleteThenGetMisses(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key, _ := id.Random()
	_ = s.Put(key, []byte("x"))
	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, _ := s.Get(key)
	if ok {
		t.Fatal("expected miss after delete")
	}
	if err := s.Delete(key); err != nil {
		t.Fatalf("deleting an absent key should not error: %v", err)
	}
}

func TestForEachEnumeratesPersistedKeys(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	keys := make(map[id.FragmentId]bool)
	for i := 0; i < 5; i++ {
		k, _ := id.Random()
		keys[k] = true
		_ = s.Put(k, []byte("v"))
	}

	seen := make(map[id.FragmentId]bool)
	err = s.ForEach(func(key id.FragmentId) error {
		seen[key] = true
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	for k := range keys {
		if !seen[k] {
			t.Fatalf("ForEach missed key %v", k)
		}
	}
}
