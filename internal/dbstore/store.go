package dbstore

import (
	"errors"
	"time"
)

// ErrNotFound is returned by lookup methods when no matching row exists.
var ErrNotFound = errors.New("dbstore: not found")

// ErrForbidden is returned when an operation is attempted by a peer that
// lacks the authority to perform it (e.g. a non-moderator deleting a room).
var ErrForbidden = errors.New("dbstore: forbidden")

// Store is the tracker's persistence interface. Every §4.1 operation that
// touches durable state goes through it, so handler tests can substitute
// Mem for PG.
type Store interface {
	// Accounts
	Register(username, passwordHash string) error
	Authenticate(username, passwordHash string) (bool, error)

	// Sessions
	Login(username, dataAddr, chatAddr string) error
	Heartbeat(username string, secondsOnlineDelta, chunksServedDelta int64, now time.Time) error
	Touch(username string, now time.Time) error
	GetSession(username string) (*PeerSession, error)
	RemovePeer(username string) error // cascades file associations
	ListOnlineUsers() ([]string, error)
	GetPeerAddress(username string) (string, error)
	GetPeerChatAddress(username string) (string, error)
	ExpireStaleSessions(cutoff time.Time) ([]string, error)

	// Files
	AnnounceWholeFile(username string, rec FileRecord) error
	AnnouncePartialFile(username, fileHash string, chunkIndexes []int) error
	GetFileMetadata(fileHash string) (*FileRecord, error)
	ListFiles() ([]FileRecord, error)
	GetPeersForFile(fileHash string) ([]PeerFile, error)
	ReconcileFiles(username string, fileHashes []string) error // sets the peer's whole-file association set to exactly fileHashes, GC'ing orphans

	// Rooms
	CreateRoom(roomID, name, moderator string, maxHistory int, now time.Time) error
	DeleteRoom(roomID, requester string) error
	AddMember(roomID, requester, username string, now time.Time) error
	RemoveMember(roomID, requester, username string) error
	ListRooms() ([]Room, error)
	GetRoomMembers(roomID string) ([]string, error)
	GetRoomInfo(roomID string) (*Room, error)
	IsMember(roomID, username string) (bool, error)
}
