package dbstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PG is a PostgreSQL-backed Store.
type PG struct {
	db *sql.DB
}

// Connect opens a PostgreSQL connection pool and verifies it with a ping.
func Connect(connStr string) (*PG, error) {
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	return &PG{db: sqlDB}, nil
}

// Close closes the underlying connection pool.
func (p *PG) Close() error {
	return p.db.Close()
}

// Migrate creates the tracker's schema if it does not already exist.
func (p *PG) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS peer_sessions (
			username TEXT PRIMARY KEY REFERENCES users(username) ON DELETE CASCADE,
			data_addr TEXT NOT NULL,
			chat_addr TEXT NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			seconds_online BIGINT NOT NULL DEFAULT 0,
			chunks_served BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			file_hash TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			size_bytes BIGINT NOT NULL,
			chunk_hashes JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS peer_files (
			username TEXT NOT NULL REFERENCES users(username) ON DELETE CASCADE,
			file_hash TEXT NOT NULL REFERENCES files(file_hash) ON DELETE CASCADE,
			whole_file BOOLEAN NOT NULL DEFAULT false,
			chunk_indexes JSONB NOT NULL DEFAULT '[]',
			PRIMARY KEY (username, file_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_rooms (
			room_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			moderator TEXT NOT NULL REFERENCES users(username),
			max_history INT NOT NULL DEFAULT 500,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL REFERENCES chat_rooms(room_id) ON DELETE CASCADE,
			username TEXT NOT NULL REFERENCES users(username) ON DELETE CASCADE,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (room_id, username)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (p *PG) Register(username, passwordHash string) error {
	_, err := p.db.Exec(
		`INSERT INTO users (username, password_hash) VALUES ($1, $2)`,
		username, passwordHash,
	)
	return err
}

func (p *PG) Authenticate(username, passwordHash string) (bool, error) {
	var stored string
	err := p.db.QueryRow(`SELECT password_hash FROM users WHERE username = $1`, username).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return stored == passwordHash, nil
}

func (p *PG) Login(username, dataAddr, chatAddr string) error {
	_, err := p.db.Exec(`
		INSERT INTO peer_sessions (username, data_addr, chat_addr, last_seen, seconds_online, chunks_served)
		VALUES ($1, $2, $3, now(), 0, 0)
		ON CONFLICT (username) DO UPDATE SET
			data_addr = EXCLUDED.data_addr,
			chat_addr = EXCLUDED.chat_addr,
			last_seen = now()`,
		username, dataAddr, chatAddr,
	)
	return err
}

func (p *PG) Heartbeat(username string, secondsOnlineDelta, chunksServedDelta int64, now time.Time) error {
	res, err := p.db.Exec(`
		UPDATE peer_sessions SET
			seconds_online = seconds_online + $2,
			chunks_served = chunks_served + $3,
			last_seen = $4
		WHERE username = $1`,
		username, secondsOnlineDelta, chunksServedDelta, now,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PG) Touch(username string, now time.Time) error {
	res, err := p.db.Exec(`UPDATE peer_sessions SET last_seen = $2 WHERE username = $1`, username, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PG) GetSession(username string) (*PeerSession, error) {
	s := &PeerSession{Username: username}
	err := p.db.QueryRow(`
		SELECT data_addr, chat_addr, last_seen, seconds_online, chunks_served
		FROM peer_sessions WHERE username = $1`, username,
	).Scan(&s.DataAddr, &s.ChatAddr, &s.LastSeen, &s.SecondsOnline, &s.ChunksServed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

// gcOrphanFiles drops any file no longer associated with a peer. Files
// are immutable and exist only while at least one peer holds them.
func gcOrphanFiles(tx *sql.Tx) error {
	_, err := tx.Exec(`
		DELETE FROM files
		WHERE NOT EXISTS (SELECT 1 FROM peer_files WHERE peer_files.file_hash = files.file_hash)`)
	return err
}

func (p *PG) RemovePeer(username string) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM peer_files WHERE username = $1`, username); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM peer_sessions WHERE username = $1`, username); err != nil {
		return err
	}
	if err := gcOrphanFiles(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ReconcileFiles sets username's whole-file association set to exactly
// fileHashes, removing stale associations, adding new ones for files
// already known to the tracker, and garbage collecting files that end up
// with no owning peer.
func (p *PG) ReconcileFiles(username string, fileHashes []string) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM peer_files WHERE username = $1 AND NOT (file_hash = ANY($2))`,
		username, pqStringArray(fileHashes),
	); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO peer_files (username, file_hash, whole_file, chunk_indexes)
		SELECT $1, file_hash, true, '[]' FROM files WHERE file_hash = ANY($2)
		ON CONFLICT (username, file_hash) DO UPDATE SET whole_file = true`,
		username, pqStringArray(fileHashes),
	); err != nil {
		return err
	}
	if err := gcOrphanFiles(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PG) ListOnlineUsers() ([]string, error) {
	rows, err := p.db.Query(`SELECT username FROM peer_sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PG) GetPeerAddress(username string) (string, error) {
	var addr string
	err := p.db.QueryRow(`SELECT data_addr FROM peer_sessions WHERE username = $1`, username).Scan(&addr)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return addr, err
}

func (p *PG) GetPeerChatAddress(username string) (string, error) {
	var addr string
	err := p.db.QueryRow(`SELECT chat_addr FROM peer_sessions WHERE username = $1`, username).Scan(&addr)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return addr, err
}

func (p *PG) ExpireStaleSessions(cutoff time.Time) ([]string, error) {
	rows, err := p.db.Query(`SELECT username FROM peer_sessions WHERE last_seen < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	var expired []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, u)
	}
	rows.Close()

	if len(expired) == 0 {
		return nil, nil
	}
	tx, err := p.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM peer_files WHERE username = ANY($1)`, pqStringArray(expired)); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM peer_sessions WHERE last_seen < $1`, cutoff); err != nil {
		return nil, err
	}
	if err := gcOrphanFiles(tx); err != nil {
		return nil, err
	}
	return expired, tx.Commit()
}

// pqStringArray formats a Go string slice as a Postgres array literal
// for use with the ANY($1) construct.
func pqStringArray(values []string) string {
	out := "{"
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += `"` + v + `"`
	}
	return out + "}"
}

func (p *PG) AnnounceWholeFile(username string, rec FileRecord) error {
	chunkJSON, err := json.Marshal(rec.ChunkHashes)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`
		INSERT INTO files (file_hash, file_name, size_bytes, chunk_hashes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (file_hash) DO UPDATE SET file_name = EXCLUDED.file_name`,
		rec.FileHash, rec.FileName, rec.SizeBytes, chunkJSON,
	)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`
		INSERT INTO peer_files (username, file_hash, whole_file, chunk_indexes)
		VALUES ($1, $2, true, '[]')
		ON CONFLICT (username, file_hash) DO UPDATE SET whole_file = true`,
		username, rec.FileHash,
	)
	return err
}

func (p *PG) AnnouncePartialFile(username, fileHash string, chunkIndexes []int) error {
	indexJSON, err := json.Marshal(chunkIndexes)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`
		INSERT INTO peer_files (username, file_hash, whole_file, chunk_indexes)
		VALUES ($1, $2, false, $3)
		ON CONFLICT (username, file_hash) DO UPDATE SET
			chunk_indexes = (
				SELECT to_jsonb(array_agg(DISTINCT e))
				FROM (
					SELECT jsonb_array_elements(peer_files.chunk_indexes) AS e
					UNION
					SELECT jsonb_array_elements($3::jsonb) AS e
				) merged
			)
		WHERE peer_files.whole_file = false`,
		username, fileHash, indexJSON,
	)
	return err
}

func (p *PG) GetFileMetadata(fileHash string) (*FileRecord, error) {
	rec := &FileRecord{FileHash: fileHash}
	var chunkJSON []byte
	err := p.db.QueryRow(`SELECT file_name, size_bytes, chunk_hashes FROM files WHERE file_hash = $1`, fileHash).
		Scan(&rec.FileName, &rec.SizeBytes, &chunkJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(chunkJSON, &rec.ChunkHashes); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PG) ListFiles() ([]FileRecord, error) {
	rows, err := p.db.Query(`SELECT file_hash, file_name, size_bytes, chunk_hashes FROM files`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FileRecord
	for rows.Next() {
		var rec FileRecord
		var chunkJSON []byte
		if err := rows.Scan(&rec.FileHash, &rec.FileName, &rec.SizeBytes, &chunkJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(chunkJSON, &rec.ChunkHashes)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PG) GetPeersForFile(fileHash string) ([]PeerFile, error) {
	rows, err := p.db.Query(`
		SELECT username, whole_file, chunk_indexes FROM peer_files WHERE file_hash = $1`, fileHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PeerFile
	for rows.Next() {
		pf := PeerFile{FileHash: fileHash}
		var idxJSON []byte
		if err := rows.Scan(&pf.Username, &pf.WholeFile, &idxJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(idxJSON, &pf.ChunkIndexes)
		out = append(out, pf)
	}
	return out, rows.Err()
}

func (p *PG) CreateRoom(roomID, name, moderator string, maxHistory int, now time.Time) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO chat_rooms (room_id, name, moderator, max_history, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		roomID, name, moderator, maxHistory, now,
	)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO room_members (room_id, username, joined_at) VALUES ($1, $2, $3)`,
		roomID, moderator, now,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PG) requireModerator(roomID, requester string) error {
	var moderator string
	err := p.db.QueryRow(`SELECT moderator FROM chat_rooms WHERE room_id = $1`, roomID).Scan(&moderator)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if moderator != requester {
		return ErrForbidden
	}
	return nil
}

func (p *PG) DeleteRoom(roomID, requester string) error {
	if err := p.requireModerator(roomID, requester); err != nil {
		return err
	}
	_, err := p.db.Exec(`DELETE FROM chat_rooms WHERE room_id = $1`, roomID)
	return err
}

func (p *PG) AddMember(roomID, requester, username string, now time.Time) error {
	if err := p.requireModerator(roomID, requester); err != nil {
		return err
	}
	_, err := p.db.Exec(`
		INSERT INTO room_members (room_id, username, joined_at) VALUES ($1, $2, $3)
		ON CONFLICT (room_id, username) DO NOTHING`,
		roomID, username, now,
	)
	return err
}

func (p *PG) RemoveMember(roomID, requester, username string) error {
	if requester != username {
		if err := p.requireModerator(roomID, requester); err != nil {
			return err
		}
	} else if _, err := p.GetRoomInfo(roomID); err != nil {
		return err // surfaces ErrNotFound for an unknown room
	}
	_, err := p.db.Exec(`DELETE FROM room_members WHERE room_id = $1 AND username = $2`, roomID, username)
	return err
}

func (p *PG) ListRooms() ([]Room, error) {
	rows, err := p.db.Query(`SELECT room_id, name, moderator, max_history, created_at FROM chat_rooms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.RoomID, &r.Name, &r.Moderator, &r.MaxHistory, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PG) GetRoomMembers(roomID string) ([]string, error) {
	rows, err := p.db.Query(`SELECT username FROM room_members WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PG) GetRoomInfo(roomID string) (*Room, error) {
	r := &Room{RoomID: roomID}
	err := p.db.QueryRow(`SELECT name, moderator, max_history, created_at FROM chat_rooms WHERE room_id = $1`, roomID).
		Scan(&r.Name, &r.Moderator, &r.MaxHistory, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PG) IsMember(roomID, username string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND username = $2)`,
		roomID, username,
	).Scan(&exists)
	return exists, err
}

// SeedDefaultUser inserts a default account if no users exist yet, using
// the given password hash (already KDF-hashed by the caller).
func (p *PG) SeedDefaultUser(username, passwordHash string) error {
	var count int
	if err := p.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return fmt.Errorf("checking users count: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err := p.db.Exec(
		`INSERT INTO users (username, password_hash) VALUES ($1, $2) ON CONFLICT (username) DO NOTHING`,
		username, passwordHash,
	)
	return err
}
