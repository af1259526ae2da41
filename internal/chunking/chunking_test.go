package chunking

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashFileSingleChunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	data := []byte("hello world")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	whole, chunks, size, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(data)) {
		t.Fatalf("got size %d, want %d", size, len(data))
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if whole != HashBytes(data) {
		t.Fatalf("whole digest mismatch")
	}
	if chunks[0] != HashChunk(data) {
		t.Fatalf("chunk digest mismatch")
	}
}

func TestHashFileMultiChunk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	data := make([]byte, Size+100)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	_, chunks, size, err := HashFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(data)) {
		t.Fatalf("got size %d, want %d", size, len(data))
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0] != HashChunk(data[:Size]) {
		t.Fatalf("first chunk digest mismatch")
	}
	if chunks[1] != HashChunk(data[Size:]) {
		t.Fatalf("second chunk digest mismatch")
	}
}

func TestNumChunks(t *testing.T) {
	cases := []struct {
		size int64
		want int
	}{
		{0, 0},
		{1, 1},
		{Size, 1},
		{Size + 1, 2},
		{Size * 3, 3},
	}
	for _, c := range cases {
		if got := NumChunks(c.size); got != c.want {
			t.Errorf("NumChunks(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}
