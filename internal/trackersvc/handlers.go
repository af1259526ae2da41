package trackersvc

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/peernet/peernet/internal/dbstore"
	"github.com/peernet/peernet/internal/scoring"
	"github.com/peernet/peernet/internal/wireproto"
)

func paramString(req wireproto.Request, key string) string {
	if v, ok := req.Params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func paramInt(req wireproto.Request, key string) int {
	if v, ok := req.Params[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

func paramIntSlice(req wireproto.Request, key string) []int {
	v, ok := req.Params[key]
	if !ok {
		return nil
	}
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

func paramStringSlice(req wireproto.Request, key string) []string {
	v, ok := req.Params[key]
	if !ok {
		return nil
	}
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

// handleRegister creates a new account. The password hash is computed by
// the peer client and never transmitted in clear text on the wire, so
// this simply stores the opaque hash it receives.
func (s *Server) handleRegister(req wireproto.Request) wireproto.Response {
	username := paramString(req, "username")
	passwordHash := paramString(req, "password_hash")
	if username == "" || passwordHash == "" {
		return wireproto.Err("username and password_hash are required")
	}
	if err := s.store.Register(username, passwordHash); err != nil {
		if err == dbstore.ErrForbidden {
			return wireproto.Err("username already registered")
		}
		return wireproto.Err(fmt.Sprintf("registration failed: %v", err))
	}
	return wireproto.OK("registered", nil)
}

func (s *Server) handleLogin(sess *session, req wireproto.Request) wireproto.Response {
	username := paramString(req, "username")
	passwordHash := paramString(req, "password_hash")
	dataAddr := paramString(req, "data_addr")
	chatAddr := paramString(req, "chat_addr")

	ok, err := s.store.Authenticate(username, passwordHash)
	if err == dbstore.ErrNotFound || (err == nil && !ok) {
		return wireproto.Err("invalid username or password")
	}
	if err != nil {
		return wireproto.Err(fmt.Sprintf("internal error: %v", err))
	}

	if err := s.store.Login(username, dataAddr, chatAddr); err != nil {
		return wireproto.Err(fmt.Sprintf("login failed: %v", err))
	}
	sess.username = username
	return wireproto.OK("logged in", nil)
}

func (s *Server) handleHeartbeat(sess *session, req wireproto.Request) wireproto.Response {
	secondsOnlineDelta := int64(paramInt(req, "seconds_online_delta"))
	chunksServedDelta := int64(paramInt(req, "chunks_served_delta"))
	fileHashes := paramStringSlice(req, "file_hashes")

	if err := s.store.Heartbeat(sess.username, secondsOnlineDelta, chunksServedDelta, time.Now()); err != nil {
		return wireproto.Err(fmt.Sprintf("heartbeat failed: %v", err))
	}
	if req.Params["file_hashes"] != nil {
		if err := s.store.ReconcileFiles(sess.username, fileHashes); err != nil {
			return wireproto.Err(fmt.Sprintf("heartbeat failed: %v", err))
		}
	}
	info, err := s.store.GetSession(sess.username)
	if err != nil {
		return wireproto.Err(fmt.Sprintf("internal error: %v", err))
	}
	return wireproto.OK("", map[string]interface{}{
		"seconds_online": info.SecondsOnline,
		"chunks_served":  info.ChunksServed,
	})
}

func (s *Server) handleAnnounce(sess *session, req wireproto.Request) wireproto.Response {
	rec := dbstore.FileRecord{
		FileHash:    paramString(req, "file_hash"),
		FileName:    paramString(req, "file_name"),
		SizeBytes:   int64(paramInt(req, "size_bytes")),
		ChunkHashes: paramStringSlice(req, "chunk_hashes"),
	}
	if rec.FileHash == "" {
		return wireproto.Err("file_hash is required")
	}
	if err := s.store.AnnounceWholeFile(sess.username, rec); err != nil {
		return wireproto.Err(fmt.Sprintf("announce failed: %v", err))
	}
	return wireproto.OK("announced", nil)
}

func (s *Server) handlePartialAnnounce(sess *session, req wireproto.Request) wireproto.Response {
	fileHash := paramString(req, "file_hash")
	indexes := paramIntSlice(req, "chunk_indexes")
	if fileHash == "" {
		return wireproto.Err("file_hash is required")
	}
	if err := s.store.AnnouncePartialFile(sess.username, fileHash, indexes); err != nil {
		return wireproto.Err(fmt.Sprintf("partial_announce failed: %v", err))
	}
	return wireproto.OK("partial announce recorded", nil)
}

func (s *Server) handleGetPeers(sess *session, req wireproto.Request) wireproto.Response {
	fileHash := paramString(req, "file_hash")
	peers, err := s.store.GetPeersForFile(fileHash)
	if err != nil {
		return wireproto.Err(fmt.Sprintf("get_peers failed: %v", err))
	}

	type scoredPeer struct {
		out   map[string]interface{}
		score float64
	}
	scored := make([]scoredPeer, 0, len(peers))
	for _, pf := range peers {
		if pf.Username == sess.username {
			continue // a peer never downloads from itself
		}
		addr, err := s.store.GetPeerAddress(pf.Username)
		if err != nil {
			continue
		}
		var score float64
		if info, err := s.store.GetSession(pf.Username); err == nil {
			score = scoring.Score(info.SecondsOnline, info.ChunksServed, s.scoreWeightTime, s.scoreWeightChunks)
		}
		scored = append(scored, scoredPeer{
			out: map[string]interface{}{
				"username":      pf.Username,
				"data_addr":     addr,
				"whole_file":    pf.WholeFile,
				"chunk_indexes": pf.ChunkIndexes,
				"score":         score,
			},
			score: score,
		})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	out := make([]map[string]interface{}, len(scored))
	for i, sp := range scored {
		out[i] = sp.out
	}
	return wireproto.OK("", map[string]interface{}{"peers": out})
}

// handleIsMember answers whether username is a current member of room_id,
// used by the room manager to authorize sync_room_messages requests.
func (s *Server) handleIsMember(sess *session, req wireproto.Request) wireproto.Response {
	roomID := paramString(req, "room_id")
	target := paramString(req, "username")
	if target == "" {
		target = sess.username
	}
	ok, err := s.store.IsMember(roomID, target)
	if err == dbstore.ErrNotFound {
		return wireproto.Err("unknown room")
	}
	if err != nil {
		return wireproto.Err(fmt.Sprintf("internal error: %v", err))
	}
	return wireproto.OK("", map[string]interface{}{"is_member": ok})
}

func (s *Server) handleGetFileMetadata(sess *session, req wireproto.Request) wireproto.Response {
	fileHash := paramString(req, "file_hash")
	rec, err := s.store.GetFileMetadata(fileHash)
	if err == dbstore.ErrNotFound {
		return wireproto.Err("unknown file")
	}
	if err != nil {
		return wireproto.Err(fmt.Sprintf("internal error: %v", err))
	}
	return wireproto.OK("", map[string]interface{}{
		"file_hash":    rec.FileHash,
		"file_name":    rec.FileName,
		"size_bytes":   rec.SizeBytes,
		"chunk_hashes": rec.ChunkHashes,
	})
}

func (s *Server) handleListFiles(sess *session, req wireproto.Request) wireproto.Response {
	files, err := s.store.ListFiles()
	if err != nil {
		return wireproto.Err(fmt.Sprintf("internal error: %v", err))
	}
	out := make([]map[string]interface{}, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]interface{}{
			"file_hash":  f.FileHash,
			"file_name":  f.FileName,
			"size_bytes": f.SizeBytes,
		})
	}
	return wireproto.OK("", map[string]interface{}{"files": out})
}

func (s *Server) handleListOnlineUsers(sess *session, req wireproto.Request) wireproto.Response {
	users, err := s.store.ListOnlineUsers()
	if err != nil {
		return wireproto.Err(fmt.Sprintf("internal error: %v", err))
	}
	return wireproto.OK("", map[string]interface{}{"users": users})
}

func (s *Server) handleGetPeerAddress(sess *session, req wireproto.Request) wireproto.Response {
	target := paramString(req, "username")
	addr, err := s.store.GetPeerAddress(target)
	if err == dbstore.ErrNotFound {
		return wireproto.Err("peer not online")
	}
	if err != nil {
		return wireproto.Err(fmt.Sprintf("internal error: %v", err))
	}
	return wireproto.OK("", map[string]interface{}{"data_addr": addr})
}

func (s *Server) handleGetPeerChatAddress(sess *session, req wireproto.Request) wireproto.Response {
	target := paramString(req, "username")
	addr, err := s.store.GetPeerChatAddress(target)
	if err == dbstore.ErrNotFound {
		return wireproto.Err("peer not online")
	}
	if err != nil {
		return wireproto.Err(fmt.Sprintf("internal error: %v", err))
	}
	return wireproto.OK("", map[string]interface{}{"chat_addr": addr})
}

func (s *Server) handleCreateRoom(sess *session, req wireproto.Request) wireproto.Response {
	name := paramString(req, "name")
	maxHistory := paramInt(req, "max_history")
	if maxHistory <= 0 {
		maxHistory = 500
	}
	roomID := uuid.New().String()
	if err := s.store.CreateRoom(roomID, name, sess.username, maxHistory, time.Now()); err != nil {
		return wireproto.Err(fmt.Sprintf("create_room failed: %v", err))
	}
	return wireproto.OK("room created", map[string]interface{}{"room_id": roomID})
}

func (s *Server) handleDeleteRoom(sess *session, req wireproto.Request) wireproto.Response {
	roomID := paramString(req, "room_id")
	err := s.store.DeleteRoom(roomID, sess.username)
	if err == dbstore.ErrForbidden {
		return wireproto.Err("only the room's moderator may delete it")
	}
	if err == dbstore.ErrNotFound {
		return wireproto.Err("unknown room")
	}
	if err != nil {
		return wireproto.Err(fmt.Sprintf("delete_room failed: %v", err))
	}
	return wireproto.OK("room deleted", nil)
}

func (s *Server) handleAddMember(sess *session, req wireproto.Request) wireproto.Response {
	roomID := paramString(req, "room_id")
	target := paramString(req, "username")
	err := s.store.AddMember(roomID, sess.username, target, time.Now())
	if err == dbstore.ErrForbidden {
		return wireproto.Err("only the room's moderator may add members")
	}
	if err == dbstore.ErrNotFound {
		return wireproto.Err("unknown room")
	}
	if err != nil {
		return wireproto.Err(fmt.Sprintf("add_member failed: %v", err))
	}
	return wireproto.OK("member added", nil)
}

func (s *Server) handleRemoveMember(sess *session, req wireproto.Request) wireproto.Response {
	roomID := paramString(req, "room_id")
	target := paramString(req, "username")
	err := s.store.RemoveMember(roomID, sess.username, target)
	if err == dbstore.ErrForbidden {
		return wireproto.Err("only the room's moderator may remove members")
	}
	if err == dbstore.ErrNotFound {
		return wireproto.Err("unknown room")
	}
	if err != nil {
		return wireproto.Err(fmt.Sprintf("remove_member failed: %v", err))
	}
	return wireproto.OK("member removed", nil)
}

func (s *Server) handleListRooms(sess *session, req wireproto.Request) wireproto.Response {
	rooms, err := s.store.ListRooms()
	if err != nil {
		return wireproto.Err(fmt.Sprintf("internal error: %v", err))
	}
	out := make([]map[string]interface{}, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, map[string]interface{}{
			"room_id":   r.RoomID,
			"name":      r.Name,
			"moderator": r.Moderator,
		})
	}
	return wireproto.OK("", map[string]interface{}{"rooms": out})
}

func (s *Server) handleGetRoomMembers(sess *session, req wireproto.Request) wireproto.Response {
	roomID := paramString(req, "room_id")
	members, err := s.store.GetRoomMembers(roomID)
	if err == dbstore.ErrNotFound {
		return wireproto.Err("unknown room")
	}
	if err != nil {
		return wireproto.Err(fmt.Sprintf("internal error: %v", err))
	}
	return wireproto.OK("", map[string]interface{}{"members": members})
}

func (s *Server) handleGetRoomInfo(sess *session, req wireproto.Request) wireproto.Response {
	roomID := paramString(req, "room_id")
	room, err := s.store.GetRoomInfo(roomID)
	if err == dbstore.ErrNotFound {
		return wireproto.Err("unknown room")
	}
	if err != nil {
		return wireproto.Err(fmt.Sprintf("internal error: %v", err))
	}
	return wireproto.OK("", map[string]interface{}{
		"room_id":     room.RoomID,
		"name":        room.Name,
		"moderator":   room.Moderator,
		"max_history": room.MaxHistory,
	})
}
