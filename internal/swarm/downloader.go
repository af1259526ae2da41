package swarm

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/peernet/peernet/internal/chunking"
	"github.com/peernet/peernet/internal/controlclient"
	"github.com/peernet/peernet/internal/logging"
	"github.com/peernet/peernet/internal/scoring"
	"github.com/peernet/peernet/pkg/retryutil"
)

// peerCandidate is one peer's advertised data-plane address and the set
// of chunk indexes it is known to hold for the file being fetched.
type peerCandidate struct {
	Username string
	DataAddr string
	Whole    bool
	Have     map[int]bool
}

// Downloader pulls a file in from the swarm using rarest-first chunk
// scheduling and a bounded worker pool sized from the local peer's
// reputation score.
type Downloader struct {
	tracker     *controlclient.Client
	states      *StateMap
	downloadDir string

	scoreWeightTime   float64
	scoreWeightChunks float64
	workerBase        int
	workerCap         int
	workerDivider     float64

	chunksServed  func() int64 // cumulative chunks served, used for the score lookup
	secondsOnline func() int64

	log *logging.Logger
}

// DownloaderConfig carries the tunables SPEC_FULL.md's scoring/worker
// formulas need, plumbed from internal/config.
type DownloaderConfig struct {
	ScoreWeightTime   float64
	ScoreWeightChunks float64
	WorkerBase        int
	WorkerCap         int
	WorkerDivider     float64
}

// NewDownloader creates a Downloader.
func NewDownloader(tracker *controlclient.Client, states *StateMap, downloadDir string, cfg DownloaderConfig, secondsOnline, chunksServed func() int64, log *logging.Logger) *Downloader {
	return &Downloader{
		tracker:           tracker,
		states:            states,
		downloadDir:       downloadDir,
		scoreWeightTime:   cfg.ScoreWeightTime,
		scoreWeightChunks: cfg.ScoreWeightChunks,
		workerBase:        cfg.WorkerBase,
		workerCap:         cfg.WorkerCap,
		workerDivider:     cfg.WorkerDivider,
		chunksServed:      chunksServed,
		secondsOnline:     secondsOnline,
		log:               log,
	}
}

// Fetch downloads fileHash from the swarm, assembling it under
// d.downloadDir once every chunk is verified. It implements spec.md
// §4.2.3 end to end: peer discovery, metadata lookup, parallel
// availability probing, rarest-first scheduling, a bounded worker pool,
// per-chunk two-peer retry, and final whole-digest reverification.
func (d *Downloader) Fetch(ctx context.Context, fileHash string) error {
	meta, err := d.fetchMetadata(fileHash)
	if err != nil {
		return err
	}

	peers, err := d.fetchPeers(fileHash)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return fmt.Errorf("swarm: no peers hold %s", fileHash)
	}

	tempDir := filepath.Join(d.downloadDir, fmt.Sprintf("temp_%s", fileHash))
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("swarm: creating temp dir: %w", err)
	}

	state := &FileState{
		FileHash:  fileHash,
		FileName:  meta.FileName,
		SizeBytes: meta.SizeBytes,
		NumChunks: len(meta.ChunkHashes),
		TempDir:   tempDir,
		Have:      make(map[int]bool),
	}
	d.states.Set(fileHash, state)

	d.probeAvailability(ctx, peers, fileHash)

	plan := rarestFirstPlan(state.NumChunks, peers)

	score := scoring.Score(d.secondsOnline(), d.chunksServed(), d.scoreWeightTime, d.scoreWeightChunks)
	workers := scoring.MaxWorkers(score, d.workerBase, d.workerCap, d.workerDivider)
	if workers > len(plan) && len(plan) > 0 {
		workers = len(plan)
	}
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workers)
	var mu sync.Mutex
	var failed []int

	for _, idx := range plan {
		idx := idx
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			candidates := peersHoldingChunk(peers, idx)
			expected := meta.ChunkHashes[idx]
			if err := d.fetchChunk(gctx, tempDir, fileHash, idx, expected, candidates); err != nil {
				d.log.Printf("chunk %d of %s failed: %v", idx, fileHash, err)
				mu.Lock()
				failed = append(failed, idx)
				mu.Unlock()
				return nil // don't abort the whole group; report partial failure below
			}
			state.MarkChunk(idx)
			d.announcePartial(fileHash, state.ChunkIndexes())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("swarm: download of %s canceled: %w", fileHash, err)
	}
	if len(failed) > 0 {
		return fmt.Errorf("swarm: %d chunk(s) of %s could not be fetched from any peer", len(failed), fileHash)
	}

	return d.assemble(state, meta)
}

type fileMetadata struct {
	FileName    string
	SizeBytes   int64
	ChunkHashes []string
}

func (d *Downloader) fetchMetadata(fileHash string) (*fileMetadata, error) {
	resp, err := d.tracker.Call("get_file_metadata", map[string]interface{}{"file_hash": fileHash})
	if err != nil {
		return nil, fmt.Errorf("swarm: get_file_metadata: %w", err)
	}
	if !resp.IsOK() {
		return nil, fmt.Errorf("swarm: get_file_metadata rejected: %s", resp.Message)
	}
	name, _ := resp.Payload["file_name"].(string)
	size, _ := resp.Payload["size_bytes"].(float64)
	hashes := toStringSlice(resp.Payload["chunk_hashes"])
	return &fileMetadata{FileName: name, SizeBytes: int64(size), ChunkHashes: hashes}, nil
}

func (d *Downloader) fetchPeers(fileHash string) ([]*peerCandidate, error) {
	resp, err := d.tracker.Call("get_peers", map[string]interface{}{"file_hash": fileHash})
	if err != nil {
		return nil, fmt.Errorf("swarm: get_peers: %w", err)
	}
	if !resp.IsOK() {
		return nil, fmt.Errorf("swarm: get_peers rejected: %s", resp.Message)
	}
	raw, _ := resp.Payload["peers"].([]interface{})
	out := make([]*peerCandidate, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		username, _ := m["username"].(string)
		dataAddr, _ := m["data_addr"].(string)
		whole, _ := m["whole_file"].(bool)
		pc := &peerCandidate{Username: username, DataAddr: dataAddr, Whole: whole, Have: make(map[int]bool)}
		for _, idx := range toIntSlice(m["chunk_indexes"]) {
			pc.Have[idx] = true
		}
		out = append(out, pc)
	}
	return out, nil
}

// probeAvailability asks every peer that didn't already self-report a
// whole file which chunks it currently holds, running the probes
// concurrently bounded by len(peers).
func (d *Downloader) probeAvailability(ctx context.Context, peers []*peerCandidate, fileHash string) {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		p := p
		if p.Whole {
			continue
		}
		g.Go(func() error {
			indexes, whole, err := listChunks(gctx, p.DataAddr, fileHash)
			if err != nil {
				d.log.Printf("list_chunks to %s failed: %v", p.Username, err)
				return nil // a probe failure just leaves this peer out of the plan
			}
			if whole {
				p.Whole = true
				return nil
			}
			for _, idx := range indexes {
				p.Have[idx] = true
			}
			return nil
		})
	}
	g.Wait()
}

// rarestFirstPlan orders chunk indexes by ascending availability (fewest
// holding peers first), per spec.md §4.2.3's rarest-first requirement.
func rarestFirstPlan(numChunks int, peers []*peerCandidate) []int {
	counts := make([]int, numChunks)
	for _, p := range peers {
		if p.Whole {
			for i := range counts {
				counts[i]++
			}
			continue
		}
		for idx := range p.Have {
			if idx >= 0 && idx < numChunks {
				counts[idx]++
			}
		}
	}
	plan := make([]int, numChunks)
	for i := range plan {
		plan[i] = i
	}
	sort.SliceStable(plan, func(i, j int) bool {
		return counts[plan[i]] < counts[plan[j]]
	})
	return plan
}

func peersHoldingChunk(peers []*peerCandidate, idx int) []*peerCandidate {
	out := make([]*peerCandidate, 0, len(peers))
	for _, p := range peers {
		if p.Whole || p.Have[idx] {
			out = append(out, p)
		}
	}
	return out
}

// fetchChunk tries up to two distinct candidates in order (spec.md's
// per-chunk retry budget). A chunk whose digest doesn't match expected
// is discarded and counts as a failed attempt, per the integrity policy
// in spec.md §4.2.3.
func (d *Downloader) fetchChunk(ctx context.Context, tempDir, fileHash string, idx int, expected string, candidates []*peerCandidate) error {
	if len(candidates) == 0 {
		return fmt.Errorf("no peer holds chunk %d", idx)
	}

	path := filepath.Join(tempDir, fmt.Sprintf("%d.chunk", idx))
	op := func(ctx context.Context, c *peerCandidate) error {
		data, err := getChunk(ctx, c.DataAddr, fileHash, idx)
		if err != nil {
			return fmt.Errorf("from %s: %w", c.Username, err)
		}
		if got := chunking.HashChunk(data); got != expected {
			return fmt.Errorf("from %s: chunk %d digest mismatch (got %s, want %s)", c.Username, idx, got, expected)
		}
		return os.WriteFile(path, data, 0o644)
	}

	return retryutil.Do(ctx, candidates, op, retryutil.WithOnRetry(func(attempt int, c *peerCandidate, err error) {
		d.log.Printf("chunk %d attempt %d via %s failed: %v", idx, attempt, c.Username, err)
	}))
}

func (d *Downloader) announcePartial(fileHash string, indexes []int) {
	resp, err := d.tracker.Call("partial_announce", map[string]interface{}{
		"file_hash":     fileHash,
		"chunk_indexes": indexes,
	})
	if err != nil {
		d.log.Printf("partial_announce for %s failed: %v", fileHash, err)
		return
	}
	if !resp.IsOK() {
		d.log.Printf("partial_announce for %s rejected: %s", fileHash, resp.Message)
	}
}

// assemble concatenates every chunk in order, reverifies the whole-file
// digest, and promotes the file from partial to whole on success.
func (d *Downloader) assemble(state *FileState, meta *fileMetadata) error {
	destPath := filepath.Join(d.downloadDir, meta.FileName)
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("swarm: creating %s: %w", destPath, err)
	}

	for i := 0; i < state.NumChunks; i++ {
		chunkPath := filepath.Join(state.TempDir, fmt.Sprintf("%d.chunk", i))
		data, err := os.ReadFile(chunkPath)
		if err != nil {
			out.Close()
			return fmt.Errorf("swarm: reading assembled chunk %d: %w", i, err)
		}
		if _, err := out.Write(data); err != nil {
			out.Close()
			return fmt.Errorf("swarm: writing assembled chunk %d: %w", i, err)
		}
	}
	if err := out.Close(); err != nil {
		return err
	}

	whole, _, _, err := chunking.HashFile(destPath)
	if err != nil {
		return fmt.Errorf("swarm: reverifying %s: %w", destPath, err)
	}
	if whole != state.FileHash {
		os.Remove(destPath)
		return fmt.Errorf("swarm: assembled file %s failed whole-digest verification", meta.FileName)
	}

	os.RemoveAll(state.TempDir)
	state.PromoteToWhole()
	return nil
}

func listChunks(ctx context.Context, addr, fileHash string) (indexes []int, whole bool, err error) {
	conn, err := dialData(ctx, addr)
	if err != nil {
		return nil, false, err
	}
	defer conn.Close()

	if err := sendDataRequest(conn, dataRequest{Action: "list_chunks", FileHash: fileHash}); err != nil {
		return nil, false, err
	}
	reader := bufio.NewReader(conn)
	resp, err := readDataResponse(conn, reader)
	if err != nil {
		return nil, false, err
	}
	if resp.Status != "success" {
		return nil, false, fmt.Errorf("list_chunks rejected: %s", resp.Message)
	}
	return resp.ChunkIndexes, resp.WholeFile, nil
}

func getChunk(ctx context.Context, addr, fileHash string, idx int) ([]byte, error) {
	conn, err := dialData(ctx, addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := sendDataRequest(conn, dataRequest{Action: "get_chunk", FileHash: fileHash, ChunkIndex: idx}); err != nil {
		return nil, err
	}
	reader := bufio.NewReader(conn)
	resp, err := readDataResponse(conn, reader)
	if err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, fmt.Errorf("get_chunk rejected: %s", resp.Message)
	}

	buf := make([]byte, chunking.Size)
	n, err := readFull(reader, buf)
	if err != nil {
		return nil, fmt.Errorf("reading chunk body: %w", err)
	}
	return buf[:n], nil
}

// readFull reads until buf is filled or the reader hits EOF (the final
// chunk of a file is shorter than chunking.Size and the connection
// closes right after it, so io.ReadFull isn't appropriate here).
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

func dialData(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: dataTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

func toStringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toIntSlice(v interface{}) []int {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, e := range raw {
		if f, ok := e.(float64); ok {
			out = append(out, int(f))
		}
	}
	return out
}
