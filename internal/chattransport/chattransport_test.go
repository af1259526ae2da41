package chattransport

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/peernet/peernet/internal/dbstore"
	"github.com/peernet/peernet/internal/logging"
)

type fakeHandler struct {
	mu           sync.Mutex
	chatMessages []string
	roomMessages []Message
	syncFunc     func(roomID, requester string) ([]Message, error)
}

func (f *fakeHandler) HandleChatMessage(from, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatMessages = append(f.chatMessages, from+":"+text)
}

func (f *fakeHandler) HandleRoomMessage(msg Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomMessages = append(f.roomMessages, msg)
}

func (f *fakeHandler) SyncRoomMessages(roomID, requester string) ([]Message, error) {
	if f.syncFunc != nil {
		return f.syncFunc(roomID, requester)
	}
	return nil, nil
}

func startTestServer(t *testing.T, handler *fakeHandler) string {
	t.Helper()
	srv := NewServer(0, handler, logging.New("test", ""))
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
			go srv.handleConnection(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func writeLine(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	b = append(b, '\n')
	if _, err := conn.Write(b); err != nil {
		t.Fatal(err)
	}
}

func TestHandleChatMessage(t *testing.T) {
	handler := &fakeHandler{}
	addr := startTestServer(t, handler)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	writeLine(t, conn, envelope{Action: "chat_message", From: "alice", Message: "hi"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.chatMessages)
		handler.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.chatMessages) != 1 || handler.chatMessages[0] != "alice:hi" {
		t.Fatalf("got %v", handler.chatMessages)
	}
}

func TestHandleRoomMessage(t *testing.T) {
	handler := &fakeHandler{}
	addr := startTestServer(t, handler)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	writeLine(t, conn, envelope{Action: "room_message", RoomID: "r1", Sender: "bob", Message: "hello room", Timestamp: 100, Hash: "abc"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.roomMessages)
		handler.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.roomMessages) != 1 || handler.roomMessages[0].RoomID != "r1" {
		t.Fatalf("got %v", handler.roomMessages)
	}
}

func TestSyncRoomMessagesRejectsNonMember(t *testing.T) {
	handler := &fakeHandler{
		syncFunc: func(roomID, requester string) ([]Message, error) {
			return nil, dbstore.ErrForbidden
		},
	}
	addr := startTestServer(t, handler)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	writeLine(t, conn, envelope{Action: "sync_room_messages", RoomID: "r1", Requester: "carol"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var reply syncReply
	if err := json.Unmarshal(line, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Status != "error" || reply.Message != errAcessoNegado {
		t.Fatalf("expected Acesso negado rejection, got %+v", reply)
	}
}

func TestSyncRoomMessagesSucceedsForMember(t *testing.T) {
	want := []Message{{RoomID: "r1", Sender: "alice", Text: "m1", Timestamp: 1, Hash: "h1"}}
	handler := &fakeHandler{
		syncFunc: func(roomID, requester string) ([]Message, error) {
			return want, nil
		},
	}
	addr := startTestServer(t, handler)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	writeLine(t, conn, envelope{Action: "sync_room_messages", RoomID: "r1", Requester: "alice"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	var reply syncReply
	if err := json.Unmarshal(line, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Status != "success" || len(reply.Messages) != 1 || reply.Messages[0].Hash != "h1" {
		t.Fatalf("got %+v", reply)
	}
}

func TestMalformedLineIsSkippedNotFatal(t *testing.T) {
	handler := &fakeHandler{}
	addr := startTestServer(t, handler)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write([]byte("{not valid json\n"))
	writeLine(t, conn, envelope{Action: "chat_message", From: "x", Message: "still works"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.chatMessages)
		handler.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.chatMessages) != 1 {
		t.Fatalf("expected connection to survive malformed line, got %v", handler.chatMessages)
	}
}
