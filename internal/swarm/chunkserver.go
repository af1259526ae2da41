package swarm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/peernet/peernet/internal/chunking"
	"github.com/peernet/peernet/internal/logging"
)

// ChunkServed is called once per successfully served chunk, letting the
// caller accumulate the chunks-served counter the heartbeat loop reports
// to the tracker.
type ChunkServed func()

// ChunkServer answers list_chunks and get_chunk requests from other
// peers. Each accepted connection serves exactly one request and closes,
// mirroring the teacher's per-connection relay handling style but
// without any persistent session.
type ChunkServer struct {
	port        int
	downloadDir string
	states      *StateMap
	onServed    ChunkServed
	log         *logging.Logger

	listener net.Listener
}

// NewChunkServer creates a ChunkServer bound to port.
func NewChunkServer(port int, downloadDir string, states *StateMap, onServed ChunkServed, log *logging.Logger) *ChunkServer {
	return &ChunkServer{
		port:        port,
		downloadDir: downloadDir,
		states:      states,
		onServed:    onServed,
		log:         log,
	}
}

// Start listens and serves until stop is closed.
func (s *ChunkServer) Start(stop <-chan struct{}) error {
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("swarm: failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Printf("chunk server listening on %s", addr)

	go func() {
		<-stop
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
				s.log.Printf("accept error: %v", err)
				continue
			}
		}
		go s.handle(conn)
	}
}

func (s *ChunkServer) handle(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("panic handling connection: %v", r)
		}
	}()

	reader := bufio.NewReader(conn)

	var req dataRequest
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}
	if err := json.Unmarshal(line, &req); err != nil {
		sendDataResponse(conn, dataResponse{Status: "error", Message: "malformed request"})
		return
	}

	switch req.Action {
	case "list_chunks":
		s.handleListChunks(conn, req)
	case "get_chunk":
		s.handleGetChunk(conn, req)
	default:
		sendDataResponse(conn, dataResponse{Status: "error", Message: fmt.Sprintf("unknown action %q", req.Action)})
	}
}

func (s *ChunkServer) handleListChunks(conn net.Conn, req dataRequest) {
	state, ok := s.states.Get(req.FileHash)
	if !ok {
		sendDataResponse(conn, dataResponse{Status: "error", Message: "unknown file"})
		return
	}
	resp := dataResponse{Status: "success", WholeFile: state.Whole}
	if !state.Whole {
		resp.ChunkIndexes = state.ChunkIndexes()
	}
	sendDataResponse(conn, resp)
}

func (s *ChunkServer) handleGetChunk(conn net.Conn, req dataRequest) {
	state, ok := s.states.Get(req.FileHash)
	if !ok || !state.HasChunk(req.ChunkIndex) {
		sendDataResponse(conn, dataResponse{Status: "error", Message: "chunk not available"})
		return
	}

	data, err := readChunkBytes(s.downloadDir, state, req.ChunkIndex)
	if err != nil {
		s.log.Printf("read error for chunk %d of %s: %v", req.ChunkIndex, req.FileHash, err)
		sendDataResponse(conn, dataResponse{Status: "error", Message: "read error"})
		return
	}

	if err := sendDataResponse(conn, dataResponse{Status: "success"}); err != nil {
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.log.Printf("failed writing chunk %d of %s: %v", req.ChunkIndex, req.FileHash, err)
		return
	}
	if s.onServed != nil {
		s.onServed()
	}
}

// readChunkBytes returns the bytes of chunk idx, reading either a
// standalone chunk file under the file's temp directory (while assembly
// is still in progress) or the appropriate byte range of the completed
// file under downloadDir.
func readChunkBytes(downloadDir string, state *FileState, idx int) ([]byte, error) {
	if !state.Whole {
		return os.ReadFile(filepath.Join(state.TempDir, fmt.Sprintf("%d.chunk", idx)))
	}

	f, err := os.Open(filepath.Join(downloadDir, state.FileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	offset := int64(idx) * chunking.Size
	length := chunking.Size
	if remaining := state.SizeBytes - offset; remaining < length {
		length = remaining
	}
	if length <= 0 {
		return nil, fmt.Errorf("chunk index %d out of range for file of size %d", idx, state.SizeBytes)
	}

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

func sendDataResponse(conn net.Conn, resp dataResponse) error {
	line, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = conn.Write(line)
	return err
}
