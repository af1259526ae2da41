package swarm

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peernet/peernet/internal/chunking"
	"github.com/peernet/peernet/internal/controlclient"
	"github.com/peernet/peernet/internal/logging"
)

// Announcer re-announces local holdings to the tracker: once at login
// (scanning the whole download directory) and again, incrementally, for
// any single file a dirwatch.Watcher reports as settled.
type Announcer struct {
	tracker     *controlclient.Client
	states      *StateMap
	downloadDir string
	log         *logging.Logger
}

// NewAnnouncer creates an Announcer.
func NewAnnouncer(tracker *controlclient.Client, states *StateMap, downloadDir string, log *logging.Logger) *Announcer {
	return &Announcer{tracker: tracker, states: states, downloadDir: downloadDir, log: log}
}

// AnnounceAll scans the download directory for whole files and temp_*
// directories for partially-downloaded files, announcing each to the
// tracker. Whole files are re-hashed since their content may have
// changed since the last session; partial files trust their on-disk
// chunk-index names without re-verifying digests, per the adopted
// answer to spec.md's re-validation Open Question.
func (a *Announcer) AnnounceAll() error {
	entries, err := os.ReadDir(a.downloadDir)
	if err != nil {
		return fmt.Errorf("swarm: scanning %s: %w", a.downloadDir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(a.downloadDir, name)

		if entry.IsDir() {
			if strings.HasPrefix(name, "temp_") {
				fileHash := strings.TrimPrefix(name, "temp_")
				if err := a.announcePartialFromTemp(fileHash, path); err != nil {
					a.log.Printf("auto-announce partial %s failed: %v", fileHash, err)
				}
			}
			continue
		}

		if err := a.AnnounceFile(path); err != nil {
			a.log.Printf("auto-announce %s failed: %v", path, err)
		}
	}
	return nil
}

// AnnounceFile hashes and announces a single whole file, used both by
// AnnounceAll and by the dirwatch callback for files added mid-session.
func (a *Announcer) AnnounceFile(path string) error {
	whole, chunks, size, err := chunking.HashFile(path)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}

	resp, err := a.tracker.Call("announce", map[string]interface{}{
		"file_hash":    whole,
		"file_name":    filepath.Base(path),
		"size_bytes":   size,
		"chunk_hashes": chunks,
	})
	if err != nil {
		return fmt.Errorf("announce: %w", err)
	}
	if !resp.IsOK() {
		return fmt.Errorf("announce rejected: %s", resp.Message)
	}

	a.states.Set(whole, &FileState{
		FileHash:  whole,
		FileName:  filepath.Base(path),
		SizeBytes: size,
		NumChunks: len(chunks),
		Whole:     true,
	})
	return nil
}

func (a *Announcer) announcePartialFromTemp(fileHash, tempDir string) error {
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return err
	}

	indexes := make([]int, 0, len(entries))
	have := make(map[int]bool, len(entries))
	for _, entry := range entries {
		idx, ok := parseChunkFileName(entry.Name())
		if !ok {
			continue
		}
		indexes = append(indexes, idx)
		have[idx] = true
	}
	if len(indexes) == 0 {
		return nil
	}

	resp, err := a.tracker.Call("partial_announce", map[string]interface{}{
		"file_hash":     fileHash,
		"chunk_indexes": indexes,
	})
	if err != nil {
		return fmt.Errorf("partial_announce: %w", err)
	}
	if !resp.IsOK() {
		return fmt.Errorf("partial_announce rejected: %s", resp.Message)
	}

	meta, err := a.fetchMetadataForAnnounce(fileHash)
	numChunks := len(indexes)
	fileName := fileHash
	var size int64
	if err == nil && meta != nil {
		numChunks = len(meta.ChunkHashes)
		fileName = meta.FileName
		size = meta.SizeBytes
	}

	a.states.Set(fileHash, &FileState{
		FileHash:  fileHash,
		FileName:  fileName,
		SizeBytes: size,
		NumChunks: numChunks,
		TempDir:   tempDir,
		Have:      have,
	})
	return nil
}

func (a *Announcer) fetchMetadataForAnnounce(fileHash string) (*fileMetadata, error) {
	resp, err := a.tracker.Call("get_file_metadata", map[string]interface{}{"file_hash": fileHash})
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, fmt.Errorf("get_file_metadata rejected: %s", resp.Message)
	}
	name, _ := resp.Payload["file_name"].(string)
	size, _ := resp.Payload["size_bytes"].(float64)
	hashes := toStringSlice(resp.Payload["chunk_hashes"])
	return &fileMetadata{FileName: name, SizeBytes: int64(size), ChunkHashes: hashes}, nil
}

// parseChunkFileName extracts the chunk index from a "<n>.chunk" file
// name, as written by Downloader.fetchChunk.
func parseChunkFileName(name string) (int, bool) {
	const suffix = ".chunk"
	if !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(name, suffix))
	if err != nil {
		return 0, false
	}
	return n, true
}
