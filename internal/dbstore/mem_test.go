package dbstore

import (
	"testing"
	"time"
)

func TestRoomModeratorAuthority(t *testing.T) {
	m := NewMem()
	now := time.Now()
	if err := m.CreateRoom("r1", "general", "alice", 500, now); err != nil {
		t.Fatal(err)
	}

	if err := m.AddMember("r1", "bob", "carol", now); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden for non-moderator add, got %v", err)
	}
	if err := m.AddMember("r1", "alice", "carol", now); err != nil {
		t.Fatalf("moderator add should succeed: %v", err)
	}

	members, err := m.GetRoomMembers("r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}

	if err := m.DeleteRoom("r1", "carol"); err != ErrForbidden {
		t.Fatalf("expected ErrForbidden for non-moderator delete, got %v", err)
	}
	if err := m.DeleteRoom("r1", "alice"); err != nil {
		t.Fatalf("moderator delete should succeed: %v", err)
	}
}

func TestExpireStaleSessionsCascades(t *testing.T) {
	m := NewMem()
	if err := m.Login("alice", "1.2.3.4:9000", "1.2.3.4:9001"); err != nil {
		t.Fatal(err)
	}
	if err := m.AnnounceWholeFile("alice", FileRecord{FileHash: "h1", FileName: "a.bin", SizeBytes: 10}); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().Add(time.Minute)
	expired, err := m.ExpireStaleSessions(cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0] != "alice" {
		t.Fatalf("got %v, want [alice]", expired)
	}

	if _, err := m.GetSession("alice"); err != ErrNotFound {
		t.Fatalf("expected session to be gone, got %v", err)
	}
	peers, err := m.GetPeersForFile("h1")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected peer association to cascade-delete, got %v", peers)
	}
}

func TestAnnouncePartialFileMerges(t *testing.T) {
	m := NewMem()
	if err := m.AnnouncePartialFile("bob", "h1", []int{0, 1}); err != nil {
		t.Fatal(err)
	}
	if err := m.AnnouncePartialFile("bob", "h1", []int{1, 2}); err != nil {
		t.Fatal(err)
	}
	peers, err := m.GetPeersForFile("h1")
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 {
		t.Fatalf("got %d peer entries, want 1", len(peers))
	}
	if len(peers[0].ChunkIndexes) != 3 {
		t.Fatalf("got %d chunk indexes, want 3 (merged)", len(peers[0].ChunkIndexes))
	}
}
