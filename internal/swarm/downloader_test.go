package swarm

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peernet/peernet/internal/chunking"
	"github.com/peernet/peernet/internal/logging"
)

func TestRarestFirstPlanOrdersByAscendingAvailability(t *testing.T) {
	peers := []*peerCandidate{
		{Username: "a", Have: map[int]bool{0: true, 1: true, 2: true}},
		{Username: "b", Have: map[int]bool{0: true}},
	}
	plan := rarestFirstPlan(3, peers)
	if plan[0] != 1 && plan[0] != 2 {
		t.Fatalf("expected a rarest chunk (1 or 2) first, got plan %v", plan)
	}
	if plan[len(plan)-1] != 0 {
		t.Fatalf("expected chunk 0 (held by both peers) last, got plan %v", plan)
	}
}

func TestRarestFirstPlanTreatsWholeFilePeerAsHoldingEverything(t *testing.T) {
	peers := []*peerCandidate{{Username: "seed", Whole: true}}
	plan := rarestFirstPlan(4, peers)
	if len(plan) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(plan))
	}
}

func TestPeersHoldingChunk(t *testing.T) {
	peers := []*peerCandidate{
		{Username: "seed", Whole: true},
		{Username: "partial", Have: map[int]bool{5: true}},
		{Username: "unrelated", Have: map[int]bool{1: true}},
	}
	holders := peersHoldingChunk(peers, 5)
	if len(holders) != 2 {
		t.Fatalf("expected 2 holders of chunk 5, got %d: %+v", len(holders), holders)
	}
}

func TestFetchChunkFallsBackToSecondPeer(t *testing.T) {
	dir := t.TempDir()
	badDir := t.TempDir() // peer "bad" serves from a dir without the chunk file

	content := []byte("chunk zero bytes")
	if err := os.WriteFile(filepath.Join(dir, "0.chunk"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	expectedDigest := chunking.HashChunk(content)

	goodStates := NewStateMap()
	goodStates.Set("filehash", &FileState{FileHash: "filehash", NumChunks: 1, TempDir: dir, Have: map[int]bool{0: true}})
	goodAddr := startTestChunkServer(t, dir, goodStates)

	badStates := NewStateMap()
	badStates.Set("filehash", &FileState{FileHash: "filehash", NumChunks: 1, TempDir: badDir, Have: map[int]bool{0: true}})
	badAddr := startTestChunkServer(t, badDir, badStates)

	d := &Downloader{log: logging.New("test", "")}
	candidates := []*peerCandidate{
		{Username: "bad", DataAddr: badAddr},
		{Username: "good", DataAddr: goodAddr},
	}

	destTemp := t.TempDir()
	err := d.fetchChunk(context.Background(), destTemp, "filehash", 0, expectedDigest, candidates)
	if err != nil {
		t.Fatalf("expected fallback to good peer to succeed, got %v", err)
	}

	got, err := os.ReadFile(filepath.Join(destTemp, "0.chunk"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Fatalf("got %q, want %q", got, content)
	}
}

func TestFetchChunkFailsWhenNoCandidates(t *testing.T) {
	d := &Downloader{log: logging.New("test", "")}
	err := d.fetchChunk(context.Background(), t.TempDir(), "filehash", 0, "deadbeef", nil)
	if err == nil {
		t.Fatal("expected error with no candidates")
	}
}

func TestFetchChunkRejectsDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0.chunk"), []byte("actual content"), 0o644); err != nil {
		t.Fatal(err)
	}
	states := NewStateMap()
	states.Set("filehash", &FileState{FileHash: "filehash", NumChunks: 1, TempDir: dir, Have: map[int]bool{0: true}})
	addr := startTestChunkServer(t, dir, states)

	d := &Downloader{log: logging.New("test", "")}
	candidates := []*peerCandidate{{Username: "peer", DataAddr: addr}}

	err := d.fetchChunk(context.Background(), t.TempDir(), "filehash", 0, "wrongdigest", candidates)
	if err == nil {
		t.Fatal("expected digest mismatch to be rejected")
	}
}

func TestParseChunkFileName(t *testing.T) {
	cases := map[string]struct {
		idx int
		ok  bool
	}{
		"0.chunk":   {0, true},
		"12.chunk":  {12, true},
		"bad.chunk": {0, false},
		"12.txt":    {0, false},
	}
	for name, want := range cases {
		idx, ok := parseChunkFileName(name)
		if ok != want.ok || (ok && idx != want.idx) {
			t.Errorf("parseChunkFileName(%q) = (%d, %v), want (%d, %v)", name, idx, ok, want.idx, want.ok)
		}
	}
}

func TestDialDataRespectsContextCancellation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Millisecond)
	defer cancel()
	time.Sleep(2 * time.Millisecond)

	_, err = dialData(ctx, ln.Addr().String())
	if err == nil {
		t.Fatal("expected dial to fail after context deadline")
	}
}
