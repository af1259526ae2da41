// Package swarm implements the peer's data plane: the chunk server that
// serves bytes to other peers, the download-state map tracking what's
// held locally, and the rarest-first downloader that pulls a file in
// from the swarm.
package swarm

import (
	"sync"

	"github.com/peernet/peernet/pkg/syncmap"
)

// StateMap tracks every file a peer currently holds or is assembling,
// keyed by file hash.
type StateMap = syncmap.Map[string, *FileState]

// NewStateMap creates an empty StateMap.
func NewStateMap() *StateMap {
	return syncmap.New[string, *FileState]()
}

// FileState tracks one file's local possession: either the whole file is
// held (under DownloadDir) or a partial set of chunks is held (under a
// temp directory), never both at once.
type FileState struct {
	mu sync.Mutex

	FileHash  string
	FileName  string
	SizeBytes int64
	NumChunks int

	Whole   bool
	TempDir string          // set while partial
	Have    map[int]bool    // chunk indexes held on disk, valid while !Whole
}

// HasChunk reports whether chunk index i is currently held.
func (f *FileState) HasChunk(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Whole {
		return true
	}
	return f.Have[i]
}

// MarkChunk records chunk index i as held.
func (f *FileState) MarkChunk(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Have == nil {
		f.Have = make(map[int]bool)
	}
	f.Have[i] = true
}

// ChunkIndexes returns a snapshot of the chunk indexes currently held.
func (f *FileState) ChunkIndexes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.Have))
	for i := range f.Have {
		out = append(out, i)
	}
	return out
}

// Complete reports whether every chunk of the file is held.
func (f *FileState) Complete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Whole {
		return true
	}
	return len(f.Have) == f.NumChunks
}

// PromoteToWhole marks the file as fully possessed after assembly and
// whole-digest verification.
func (f *FileState) PromoteToWhole() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Whole = true
	f.Have = nil
	f.TempDir = ""
}
