// Package chattransport implements the peer's chat-port listener: a
// persistent, session-oriented connection carrying a stream of
// newline-framed JSON records, demultiplexed by an "action" tag into a
// chat message, a room broadcast, or a room-sync pull request.
package chattransport

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/peernet/peernet/internal/dbstore"
	"github.com/peernet/peernet/internal/logging"
	"github.com/peernet/peernet/pkg/syncmap"
)

// Message is the room-message record carried over the wire and persisted
// in a room's journal.
type Message struct {
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	Text      string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Hash      string `json:"hash"`
}

// Handler reacts to the three inbound record kinds: direct chat messages,
// room broadcasts, and room-sync pull requests. Registered once at startup
// by whatever owns the room manager.
type Handler interface {
	// HandleChatMessage processes a 1:1 direct message from a known sender.
	HandleChatMessage(from, text string)
	// HandleRoomMessage merges an inbound broadcast into the local journal.
	HandleRoomMessage(msg Message)
	// SyncRoomMessages answers a pull request for room messages. The server
	// does not check membership itself; an implementation returns
	// dbstore.ErrForbidden for a non-member, which the server answers with
	// "Acesso negado".
	SyncRoomMessages(roomID, requester string) ([]Message, error)
}

type envelope struct {
	Action string `json:"action"`

	// chat_message
	From    string `json:"from,omitempty"`
	Message string `json:"message,omitempty"`

	// room_message (Message minus the action tag, folded in above)
	RoomID    string `json:"room_id,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Hash      string `json:"hash,omitempty"`

	// sync_room_messages
	Requester string `json:"requester,omitempty"`
}

type syncReply struct {
	Status   string    `json:"status"`
	Message  string    `json:"message,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// errAcessoNegado is returned to a sync_room_messages requester who is
// not a current member of the room, preserving the original
// implementation's exact rejection string on the wire.
const errAcessoNegado = "Acesso negado"

// Server listens on the peer's chat port.
type Server struct {
	port    int
	handler Handler
	log     *logging.Logger

	listener net.Listener
}

// NewServer creates a chat Server bound to port.
func NewServer(port int, handler Handler, log *logging.Logger) *Server {
	return &Server{port: port, handler: handler, log: log}
}

// Start listens and serves connections until stop is closed.
func (s *Server) Start(stop <-chan struct{}) error {
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("chattransport: failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Printf("chat server listening on %s", addr)

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
		go s.handleConnection(conn)
	}
}

// handleConnection reads a stream of newline-framed JSON records until
// the peer disconnects. A malformed line is skipped, not fatal, per
// spec.md §4.4's single framing invariant.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("panic handling chat connection: %v", r)
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.log.Printf("skipping malformed chat line: %v", err)
			continue
		}

		switch env.Action {
		case "chat_message":
			s.handler.HandleChatMessage(env.From, env.Message)
		case "room_message":
			s.handler.HandleRoomMessage(Message{
				RoomID:    env.RoomID,
				Sender:    env.Sender,
				Text:      env.Message,
				Timestamp: env.Timestamp,
				Hash:      env.Hash,
			})
		case "sync_room_messages":
			s.handleSync(conn, env)
		default:
			s.log.Printf("skipping unknown chat action %q", env.Action)
		}
	}
}

func (s *Server) handleSync(conn net.Conn, env envelope) {
	messages, err := s.handler.SyncRoomMessages(env.RoomID, env.Requester)
	if err != nil {
		status := "error"
		message := err.Error()
		if err == dbstore.ErrForbidden {
			message = errAcessoNegado
		}
		writeSyncReply(conn, syncReply{Status: status, Message: message})
		return
	}
	writeSyncReply(conn, syncReply{Status: "success", Messages: messages})
}

func writeSyncReply(conn net.Conn, reply syncReply) {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	line, err := json.Marshal(reply)
	if err != nil {
		return
	}
	line = append(line, '\n')
	conn.Write(line)
}

// ConnCache caches outbound connections to known chat peers, so the room
// manager can reuse a live connection for successive broadcasts instead
// of redialing for every message.
type ConnCache struct {
	conns *syncmap.Map[string, net.Conn]
}

// NewConnCache creates an empty ConnCache.
func NewConnCache() *ConnCache {
	return &ConnCache{conns: syncmap.New[string, net.Conn]()}
}

// Send writes one JSON-per-line record to addr, reusing a cached
// connection when available and falling back to a fresh dial on error.
func (c *ConnCache) Send(addr string, v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if conn, ok := c.conns.Get(addr); ok {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if _, err := conn.Write(line); err == nil {
			return nil
		}
		conn.Close()
		c.conns.Delete(addr)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("chattransport: dial %s: %w", addr, err)
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(line); err != nil {
		conn.Close()
		return fmt.Errorf("chattransport: send to %s: %w", addr, err)
	}
	c.conns.Set(addr, conn)
	return nil
}

// Sync dials addr, sends a sync_room_messages request, reads the single
// reply record, and closes the connection (sync requests are one-shot,
// unlike the persistent connections Send reuses).
func Sync(addr, roomID, requester string) ([]Message, error) {
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("chattransport: dial %s: %w", addr, err)
	}
	defer conn.Close()

	req := envelope{Action: "sync_room_messages", RoomID: roomID, Requester: requester}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(line); err != nil {
		return nil, fmt.Errorf("chattransport: send sync request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(20 * time.Second))
	reader := bufio.NewReader(conn)
	respLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("chattransport: read sync reply: %w", err)
	}
	var reply syncReply
	if err := json.Unmarshal(respLine, &reply); err != nil {
		return nil, fmt.Errorf("chattransport: decode sync reply: %w", err)
	}
	if reply.Status != "success" {
		return nil, fmt.Errorf("sync_room_messages rejected: %s", reply.Message)
	}
	return reply.Messages, nil
}

// Close releases every cached connection.
func (c *ConnCache) Close() {
	for _, addr := range c.conns.Keys() {
		if conn, ok := c.conns.Get(addr); ok {
			conn.Close()
		}
	}
}
