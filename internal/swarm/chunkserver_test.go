package swarm

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peernet/peernet/internal/logging"
)

func startTestChunkServer(t *testing.T, downloadDir string, states *StateMap) string {
	t.Helper()
	srv := NewChunkServer(0, downloadDir, states, nil, logging.New("test", ""))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv.listener = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handle(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestChunkServerGetChunkFromWholeFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello peernet world, this is a whole file")
	if err := os.WriteFile(filepath.Join(dir, "greeting.txt"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	states := NewStateMap()
	states.Set("abc123", &FileState{
		FileHash:  "abc123",
		FileName:  "greeting.txt",
		SizeBytes: int64(len(content)),
		NumChunks: 1,
		Whole:     true,
	})

	addr := startTestChunkServer(t, dir, states)
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := sendDataRequest(conn, dataRequest{Action: "get_chunk", FileHash: "abc123", ChunkIndex: 0}); err != nil {
		t.Fatal(err)
	}
	reader := bufio.NewReader(conn)
	resp, err := readDataResponse(conn, reader)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "success" {
		t.Fatalf("expected success, got %+v", resp)
	}

	buf := make([]byte, len(content))
	if _, err := readFull(reader, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != string(content) {
		t.Fatalf("got %q, want %q", buf, content)
	}
}

func TestChunkServerListChunksPartial(t *testing.T) {
	dir := t.TempDir()
	states := NewStateMap()
	state := &FileState{
		FileHash:  "def456",
		FileName:  "movie.mkv",
		NumChunks: 3,
		TempDir:   dir,
		Have:      map[int]bool{0: true, 2: true},
	}
	states.Set("def456", state)

	addr := startTestChunkServer(t, dir, states)
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := sendDataRequest(conn, dataRequest{Action: "list_chunks", FileHash: "def456"}); err != nil {
		t.Fatal(err)
	}
	reader := bufio.NewReader(conn)
	resp, err := readDataResponse(conn, reader)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "success" || resp.WholeFile {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.ChunkIndexes) != 2 {
		t.Fatalf("expected 2 chunk indexes, got %v", resp.ChunkIndexes)
	}
}

func TestChunkServerUnknownFile(t *testing.T) {
	dir := t.TempDir()
	states := NewStateMap()
	addr := startTestChunkServer(t, dir, states)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if err := sendDataRequest(conn, dataRequest{Action: "list_chunks", FileHash: "nonexistent"}); err != nil {
		t.Fatal(err)
	}
	reader := bufio.NewReader(conn)
	resp, err := readDataResponse(conn, reader)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != "error" {
		t.Fatalf("expected error status, got %+v", resp)
	}
}

func TestDataRequestJSONShape(t *testing.T) {
	req := dataRequest{Action: "get_chunk", FileHash: "h", ChunkIndex: 4}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var back dataRequest
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back != req {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, req)
	}
}
