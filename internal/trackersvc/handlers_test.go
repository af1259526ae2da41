package trackersvc

import (
	"testing"
	"time"

	"github.com/peernet/peernet/internal/dbstore"
	"github.com/peernet/peernet/internal/logging"
	"github.com/peernet/peernet/internal/wireproto"
)

func newTestServer() (*Server, dbstore.Store) {
	store := dbstore.NewMem()
	srv := New(0, store, 15*time.Minute, 1.0, 10.0, logging.New("test", ""))
	return srv, store
}

func TestRegisterLoginHeartbeat(t *testing.T) {
	srv, _ := newTestServer()
	sess := &session{}

	resp := srv.dispatch(sess, wireproto.Request{Method: "register", Params: map[string]interface{}{
		"username": "alice", "password_hash": "hash1",
	}})
	if !resp.IsOK() {
		t.Fatalf("register failed: %+v", resp)
	}

	resp = srv.dispatch(sess, wireproto.Request{Method: "login", Params: map[string]interface{}{
		"username": "alice", "password_hash": "hash1", "data_addr": "1.1.1.1:9000", "chat_addr": "1.1.1.1:9001",
	}})
	if !resp.IsOK() {
		t.Fatalf("login failed: %+v", resp)
	}
	if sess.username != "alice" {
		t.Fatalf("expected session bound to alice, got %q", sess.username)
	}

	resp = srv.dispatch(sess, wireproto.Request{Method: "heartbeat", Params: map[string]interface{}{
		"seconds_online_delta": float64(60), "chunks_served_delta": float64(3),
	}})
	if !resp.IsOK() {
		t.Fatalf("heartbeat failed: %+v", resp)
	}
}

func TestLoginWrongPasswordFails(t *testing.T) {
	srv, _ := newTestServer()
	sess := &session{}
	srv.dispatch(sess, wireproto.Request{Method: "register", Params: map[string]interface{}{
		"username": "alice", "password_hash": "hash1",
	}})

	resp := srv.dispatch(sess, wireproto.Request{Method: "login", Params: map[string]interface{}{
		"username": "alice", "password_hash": "wrong",
	}})
	if resp.IsOK() {
		t.Fatalf("expected login with wrong password to fail")
	}
}

func TestSessionExpiryReturnsLoginExpirado(t *testing.T) {
	store := dbstore.NewMem()
	srv := New(0, store, 10*time.Millisecond, 1.0, 10.0, logging.New("test", ""))
	sess := &session{}

	srv.dispatch(sess, wireproto.Request{Method: "register", Params: map[string]interface{}{
		"username": "alice", "password_hash": "hash1",
	}})
	srv.dispatch(sess, wireproto.Request{Method: "login", Params: map[string]interface{}{
		"username": "alice", "password_hash": "hash1",
	}})

	time.Sleep(30 * time.Millisecond)

	resp := srv.dispatch(sess, wireproto.Request{Method: "list_files"})
	if resp.IsOK() {
		t.Fatalf("expected expired session to be rejected")
	}
	if resp.Message != "Login expirado" {
		t.Fatalf("got message %q, want %q", resp.Message, "Login expirado")
	}
}

func TestAnnounceAndGetPeersExcludesSelf(t *testing.T) {
	srv, _ := newTestServer()
	alice := &session{}
	bob := &session{}

	for _, s := range []struct {
		sess *session
		user string
	}{{alice, "alice"}, {bob, "bob"}} {
		srv.dispatch(s.sess, wireproto.Request{Method: "register", Params: map[string]interface{}{
			"username": s.user, "password_hash": "h",
		}})
		srv.dispatch(s.sess, wireproto.Request{Method: "login", Params: map[string]interface{}{
			"username": s.user, "password_hash": "h", "data_addr": s.user + ":9000",
		}})
	}

	srv.dispatch(alice, wireproto.Request{Method: "announce", Params: map[string]interface{}{
		"file_hash": "h1", "file_name": "f.bin", "size_bytes": float64(10),
	}})
	srv.dispatch(bob, wireproto.Request{Method: "announce", Params: map[string]interface{}{
		"file_hash": "h1", "file_name": "f.bin", "size_bytes": float64(10),
	}})

	resp := srv.dispatch(alice, wireproto.Request{Method: "get_peers", Params: map[string]interface{}{"file_hash": "h1"}})
	if !resp.IsOK() {
		t.Fatalf("get_peers failed: %+v", resp)
	}
	peers := resp.Payload["peers"].([]map[string]interface{})
	if len(peers) != 1 || peers[0]["username"] != "bob" {
		t.Fatalf("expected only bob in peer list, got %+v", peers)
	}
}

func TestGetPeersSortedByScoreDescending(t *testing.T) {
	srv, _ := newTestServer()
	alice := &session{}
	bob := &session{}
	carol := &session{}

	for _, s := range []struct {
		sess *session
		user string
	}{{alice, "alice"}, {bob, "bob"}, {carol, "carol"}} {
		srv.dispatch(s.sess, wireproto.Request{Method: "register", Params: map[string]interface{}{
			"username": s.user, "password_hash": "h",
		}})
		srv.dispatch(s.sess, wireproto.Request{Method: "login", Params: map[string]interface{}{
			"username": s.user, "password_hash": "h", "data_addr": s.user + ":9000",
		}})
		srv.dispatch(s.sess, wireproto.Request{Method: "announce", Params: map[string]interface{}{
			"file_hash": "h1", "file_name": "f.bin", "size_bytes": float64(10),
		}})
	}

	// bob has the highest score, carol the lowest.
	srv.dispatch(bob, wireproto.Request{Method: "heartbeat", Params: map[string]interface{}{
		"seconds_online_delta": float64(1000), "chunks_served_delta": float64(0),
	}})
	srv.dispatch(carol, wireproto.Request{Method: "heartbeat", Params: map[string]interface{}{
		"seconds_online_delta": float64(1), "chunks_served_delta": float64(0),
	}})

	resp := srv.dispatch(alice, wireproto.Request{Method: "get_peers", Params: map[string]interface{}{"file_hash": "h1"}})
	if !resp.IsOK() {
		t.Fatalf("get_peers failed: %+v", resp)
	}
	peers := resp.Payload["peers"].([]map[string]interface{})
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d: %+v", len(peers), peers)
	}
	if peers[0]["username"] != "bob" || peers[1]["username"] != "carol" {
		t.Fatalf("expected [bob, carol] sorted by score descending, got %+v", peers)
	}
	if _, ok := peers[0]["score"]; !ok {
		t.Fatalf("expected score field in peer payload, got %+v", peers[0])
	}
}

func TestHeartbeatReconcilesFileAssociationsAndGCsOrphans(t *testing.T) {
	srv, store := newTestServer()
	alice := &session{}
	srv.dispatch(alice, wireproto.Request{Method: "register", Params: map[string]interface{}{
		"username": "alice", "password_hash": "h",
	}})
	srv.dispatch(alice, wireproto.Request{Method: "login", Params: map[string]interface{}{
		"username": "alice", "password_hash": "h", "data_addr": "alice:9000",
	}})
	srv.dispatch(alice, wireproto.Request{Method: "announce", Params: map[string]interface{}{
		"file_hash": "h1", "file_name": "f.bin", "size_bytes": float64(10),
	}})

	if _, err := store.GetFileMetadata("h1"); err != nil {
		t.Fatalf("expected h1 to exist after announce: %v", err)
	}

	resp := srv.dispatch(alice, wireproto.Request{Method: "heartbeat", Params: map[string]interface{}{
		"seconds_online_delta": float64(1), "chunks_served_delta": float64(0),
		"file_hashes": []interface{}{},
	}})
	if !resp.IsOK() {
		t.Fatalf("heartbeat failed: %+v", resp)
	}

	if _, err := store.GetFileMetadata("h1"); err != dbstore.ErrNotFound {
		t.Fatalf("expected h1 to be GC'd once alice dropped it, got err=%v", err)
	}
}

func TestRemoveMemberAllowsSelfRemoval(t *testing.T) {
	srv, _ := newTestServer()
	alice := &session{}
	bob := &session{}

	for _, s := range []struct {
		sess *session
		user string
	}{{alice, "alice"}, {bob, "bob"}} {
		srv.dispatch(s.sess, wireproto.Request{Method: "register", Params: map[string]interface{}{
			"username": s.user, "password_hash": "h",
		}})
		srv.dispatch(s.sess, wireproto.Request{Method: "login", Params: map[string]interface{}{
			"username": s.user, "password_hash": "h",
		}})
	}

	resp := srv.dispatch(alice, wireproto.Request{Method: "create_room", Params: map[string]interface{}{"name": "general"}})
	roomID := resp.Payload["room_id"].(string)
	srv.dispatch(alice, wireproto.Request{Method: "add_member", Params: map[string]interface{}{"room_id": roomID, "username": "bob"}})

	resp = srv.dispatch(bob, wireproto.Request{Method: "remove_member", Params: map[string]interface{}{"room_id": roomID, "username": "bob"}})
	if !resp.IsOK() {
		t.Fatalf("expected bob to be able to remove himself, got %+v", resp)
	}

	resp = srv.dispatch(alice, wireproto.Request{Method: "is_member", Params: map[string]interface{}{"room_id": roomID, "username": "bob"}})
	if !resp.IsOK() || resp.Payload["is_member"] != false {
		t.Fatalf("expected bob to no longer be a member, got %+v", resp)
	}
}

func TestIsMemberReflectsMembership(t *testing.T) {
	srv, _ := newTestServer()
	alice := &session{}
	srv.dispatch(alice, wireproto.Request{Method: "register", Params: map[string]interface{}{
		"username": "alice", "password_hash": "h",
	}})
	srv.dispatch(alice, wireproto.Request{Method: "login", Params: map[string]interface{}{
		"username": "alice", "password_hash": "h",
	}})
	resp := srv.dispatch(alice, wireproto.Request{Method: "create_room", Params: map[string]interface{}{"name": "general"}})
	roomID := resp.Payload["room_id"].(string)

	resp = srv.dispatch(alice, wireproto.Request{Method: "is_member", Params: map[string]interface{}{"room_id": roomID, "username": "alice"}})
	if !resp.IsOK() || resp.Payload["is_member"] != true {
		t.Fatalf("expected moderator to be a member, got %+v", resp)
	}

	resp = srv.dispatch(alice, wireproto.Request{Method: "is_member", Params: map[string]interface{}{"room_id": roomID, "username": "mallory"}})
	if !resp.IsOK() || resp.Payload["is_member"] != false {
		t.Fatalf("expected non-member to report false, got %+v", resp)
	}
}

func TestRoomModeratorAuthorityViaProtocol(t *testing.T) {
	srv, _ := newTestServer()
	alice := &session{}
	bob := &session{}

	for _, s := range []struct {
		sess *session
		user string
	}{{alice, "alice"}, {bob, "bob"}} {
		srv.dispatch(s.sess, wireproto.Request{Method: "register", Params: map[string]interface{}{
			"username": s.user, "password_hash": "h",
		}})
		srv.dispatch(s.sess, wireproto.Request{Method: "login", Params: map[string]interface{}{
			"username": s.user, "password_hash": "h",
		}})
	}

	resp := srv.dispatch(alice, wireproto.Request{Method: "create_room", Params: map[string]interface{}{"name": "general"}})
	if !resp.IsOK() {
		t.Fatalf("create_room failed: %+v", resp)
	}
	roomID := resp.Payload["room_id"].(string)

	resp = srv.dispatch(bob, wireproto.Request{Method: "delete_room", Params: map[string]interface{}{"room_id": roomID}})
	if resp.IsOK() {
		t.Fatalf("expected non-moderator delete_room to fail")
	}
}
