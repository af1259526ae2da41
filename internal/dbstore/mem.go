package dbstore

import (
	"sync"
	"time"
)

// Mem is an in-memory Store implementation, used in tests in place of a
// real PostgreSQL database.
type Mem struct {
	mu sync.Mutex

	users    map[string]User
	sessions map[string]*PeerSession
	files    map[string]FileRecord
	peerFiles map[string]map[string]PeerFile // fileHash -> username -> PeerFile
	rooms    map[string]Room
	members  map[string]map[string]time.Time // roomID -> username -> joinedAt
}

// NewMem returns an empty in-memory Store.
func NewMem() *Mem {
	return &Mem{
		users:     make(map[string]User),
		sessions:  make(map[string]*PeerSession),
		files:     make(map[string]FileRecord),
		peerFiles: make(map[string]map[string]PeerFile),
		rooms:     make(map[string]Room),
		members:   make(map[string]map[string]time.Time),
	}
}

func (m *Mem) Register(username, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[username]; exists {
		return ErrForbidden
	}
	m.users[username] = User{Username: username, PasswordHash: passwordHash, CreatedAt: time.Now()}
	return nil
}

func (m *Mem) Authenticate(username, passwordHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return false, ErrNotFound
	}
	return u.PasswordHash == passwordHash, nil
}

func (m *Mem) Login(username, dataAddr, chatAddr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[username] = &PeerSession{
		Username: username,
		DataAddr: dataAddr,
		ChatAddr: chatAddr,
		LastSeen: time.Now(),
	}
	return nil
}

func (m *Mem) Heartbeat(username string, secondsOnlineDelta, chunksServedDelta int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[username]
	if !ok {
		return ErrNotFound
	}
	s.SecondsOnline += secondsOnlineDelta
	s.ChunksServed += chunksServedDelta
	s.LastSeen = now
	return nil
}

func (m *Mem) Touch(username string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[username]
	if !ok {
		return ErrNotFound
	}
	s.LastSeen = now
	return nil
}

func (m *Mem) GetSession(username string) (*PeerSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// gcOrphanFileLocked drops fileHash's File record once no peer is
// associated with it. Callers must hold m.mu.
func (m *Mem) gcOrphanFileLocked(fileHash string) {
	if peers, ok := m.peerFiles[fileHash]; ok && len(peers) > 0 {
		return
	}
	delete(m.peerFiles, fileHash)
	delete(m.files, fileHash)
}

func (m *Mem) RemovePeer(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, username)
	for fileHash, peers := range m.peerFiles {
		delete(peers, username)
		m.gcOrphanFileLocked(fileHash)
	}
	return nil
}

// ReconcileFiles sets username's whole-file association set to exactly
// fileHashes: files no longer present are dropped, new ones are added as
// whole-file associations, and any file left with no owning peer is
// garbage collected.
func (m *Mem) ReconcileFiles(username string, fileHashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(fileHashes))
	for _, h := range fileHashes {
		want[h] = true
	}

	for fileHash, peers := range m.peerFiles {
		if want[fileHash] {
			continue
		}
		if _, owns := peers[username]; owns {
			delete(peers, username)
			m.gcOrphanFileLocked(fileHash)
		}
	}

	for fileHash := range want {
		if _, known := m.files[fileHash]; !known {
			continue // can't associate a file that was never announced
		}
		if m.peerFiles[fileHash] == nil {
			m.peerFiles[fileHash] = make(map[string]PeerFile)
		}
		m.peerFiles[fileHash][username] = PeerFile{Username: username, FileHash: fileHash, WholeFile: true}
	}
	return nil
}

func (m *Mem) ListOnlineUsers() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for u := range m.sessions {
		out = append(out, u)
	}
	return out, nil
}

func (m *Mem) GetPeerAddress(username string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[username]
	if !ok {
		return "", ErrNotFound
	}
	return s.DataAddr, nil
}

func (m *Mem) GetPeerChatAddress(username string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[username]
	if !ok {
		return "", ErrNotFound
	}
	return s.ChatAddr, nil
}

func (m *Mem) ExpireStaleSessions(cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	for u, s := range m.sessions {
		if s.LastSeen.Before(cutoff) {
			expired = append(expired, u)
		}
	}
	for _, u := range expired {
		delete(m.sessions, u)
		for fileHash, peers := range m.peerFiles {
			delete(peers, u)
			m.gcOrphanFileLocked(fileHash)
		}
	}
	return expired, nil
}

func (m *Mem) AnnounceWholeFile(username string, rec FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[rec.FileHash] = rec
	if m.peerFiles[rec.FileHash] == nil {
		m.peerFiles[rec.FileHash] = make(map[string]PeerFile)
	}
	m.peerFiles[rec.FileHash][username] = PeerFile{Username: username, FileHash: rec.FileHash, WholeFile: true}
	return nil
}

func (m *Mem) AnnouncePartialFile(username, fileHash string, chunkIndexes []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peerFiles[fileHash] == nil {
		m.peerFiles[fileHash] = make(map[string]PeerFile)
	}
	existing := m.peerFiles[fileHash][username]
	if existing.WholeFile {
		return nil
	}
	set := make(map[int]bool)
	for _, i := range existing.ChunkIndexes {
		set[i] = true
	}
	for _, i := range chunkIndexes {
		set[i] = true
	}
	merged := make([]int, 0, len(set))
	for i := range set {
		merged = append(merged, i)
	}
	m.peerFiles[fileHash][username] = PeerFile{Username: username, FileHash: fileHash, ChunkIndexes: merged}
	return nil
}

func (m *Mem) GetFileMetadata(fileHash string) (*FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.files[fileHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := rec
	return &cp, nil
}

func (m *Mem) ListFiles() ([]FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FileRecord, 0, len(m.files))
	for _, rec := range m.files {
		out = append(out, rec)
	}
	return out, nil
}

func (m *Mem) GetPeersForFile(fileHash string) ([]PeerFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers, ok := m.peerFiles[fileHash]
	if !ok {
		return nil, nil
	}
	out := make([]PeerFile, 0, len(peers))
	for _, pf := range peers {
		out = append(out, pf)
	}
	return out, nil
}

func (m *Mem) CreateRoom(roomID, name, moderator string, maxHistory int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rooms[roomID]; exists {
		return ErrForbidden
	}
	m.rooms[roomID] = Room{RoomID: roomID, Name: name, Moderator: moderator, MaxHistory: maxHistory, CreatedAt: now}
	m.members[roomID] = map[string]time.Time{moderator: now}
	return nil
}

func (m *Mem) DeleteRoom(roomID, requester string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if room.Moderator != requester {
		return ErrForbidden
	}
	delete(m.rooms, roomID)
	delete(m.members, roomID)
	return nil
}

func (m *Mem) AddMember(roomID, requester, username string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if room.Moderator != requester {
		return ErrForbidden
	}
	if m.members[roomID] == nil {
		m.members[roomID] = make(map[string]time.Time)
	}
	m.members[roomID][username] = now
	return nil
}

func (m *Mem) RemoveMember(roomID, requester, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if requester != username && room.Moderator != requester {
		return ErrForbidden
	}
	delete(m.members[roomID], username)
	return nil
}

func (m *Mem) ListRooms() ([]Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out, nil
}

func (m *Mem) GetRoomMembers(roomID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.members[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]string, 0, len(mm))
	for u := range mm {
		out = append(out, u)
	}
	return out, nil
}

func (m *Mem) GetRoomInfo(roomID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (m *Mem) IsMember(roomID, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mm, ok := m.members[roomID]
	if !ok {
		return false, ErrNotFound
	}
	_, isMember := mm[username]
	return isMember, nil
}
