// Package dbstore defines the tracker's persistence interface and its
// PostgreSQL and in-memory implementations.
package dbstore

import "time"

// User is a registered peer account.
type User struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// PeerSession tracks an active, logged-in peer.
type PeerSession struct {
	Username    string
	DataAddr    string // chunk-server host:port
	ChatAddr    string // chat-transport host:port
	LastSeen    time.Time
	SecondsOnline int64
	ChunksServed  int64
}

// FileRecord describes a known file by its whole-file digest.
type FileRecord struct {
	FileHash   string
	FileName   string
	SizeBytes  int64
	ChunkHashes []string
}

// PeerFile records that a peer holds some or all of a file's chunks.
type PeerFile struct {
	Username     string
	FileHash     string
	WholeFile    bool
	ChunkIndexes []int // empty/ignored when WholeFile is true
}

// Room is a moderated chat room.
type Room struct {
	RoomID     string
	Name       string
	Moderator  string
	MaxHistory int
	CreatedAt  time.Time
}

// RoomMember is a membership row.
type RoomMember struct {
	RoomID   string
	Username string
	JoinedAt time.Time
}
