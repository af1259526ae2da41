// Package room implements the peer's per-room message journal: hash-
// deduplicated, timestamp-ordered persistence with eventually-consistent
// replication among a room's members.
package room

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/peernet/peernet/internal/chattransport"
	"github.com/peernet/peernet/internal/chunking"
	"github.com/peernet/peernet/internal/dbstore"
	"github.com/peernet/peernet/internal/logging"
	"github.com/peernet/peernet/internal/wireproto"
)

// trackerCaller is the subset of controlclient.Client the room manager
// needs, narrowed to an interface so tests can substitute a stub tracker
// instead of dialing a real one.
type trackerCaller interface {
	Call(method string, params map[string]interface{}) (*wireproto.Response, error)
}

// Message is a room's content-addressed chat record.
type Message = chattransport.Message

// journalFile is the on-disk shape of a room journal.
type journalFile struct {
	Messages []Message `json:"messages"`
}

type roomState struct {
	mu         sync.Mutex
	messages   []Message
	maxHistory int
	lastActive time.Time // last local send or receive
	lastSync   time.Time // last successful reconciliation
	syncing    bool
}

// Manager owns every room the local peer has joined: its in-memory
// cache, its on-disk journal, and the broadcast/sync fabric connecting
// it to other members.
type Manager struct {
	self        string
	journalDir  string
	logDir      string
	tracker     trackerCaller
	conns       *chattransport.ConnCache
	log         *logging.Logger

	mu    sync.Mutex
	rooms map[string]*roomState
}

// NewManager creates a room Manager for the local peer named self.
func NewManager(self, journalDir, logDir string, tracker trackerCaller, conns *chattransport.ConnCache, log *logging.Logger) *Manager {
	return &Manager{
		self:       self,
		journalDir: journalDir,
		logDir:     logDir,
		tracker:    tracker,
		conns:      conns,
		log:        log,
		rooms:      make(map[string]*roomState),
	}
}

// Join loads (or creates) a room's journal into the in-memory cache,
// marking it locally active so the sync scheduler and receive path start
// tracking it.
func (m *Manager) Join(roomID string) error {
	m.mu.Lock()
	_, exists := m.rooms[roomID]
	if exists {
		m.mu.Unlock()
		return nil
	}
	state := &roomState{}
	m.rooms[roomID] = state
	m.mu.Unlock()

	messages, err := m.readJournal(roomID)
	if err != nil {
		return err
	}
	maxHistory := m.fetchMaxHistory(roomID)

	state.mu.Lock()
	state.messages = messages
	state.maxHistory = maxHistory
	state.mu.Unlock()
	return nil
}

// fetchMaxHistory resolves the room's configured history limit from the
// tracker. A lookup failure leaves history untrimmed (0 disables the
// trim) rather than failing the join.
func (m *Manager) fetchMaxHistory(roomID string) int {
	if m.tracker == nil {
		return 0
	}
	resp, err := m.tracker.Call("get_room_info", map[string]interface{}{"room_id": roomID})
	if err != nil || !resp.IsOK() {
		return 0
	}
	if n, ok := resp.Payload["max_history"].(float64); ok {
		return int(n)
	}
	return 0
}

// MessageHash computes a message's content identity: the digest of
// "room:sender:text:timestamp", per spec.md §3.
func MessageHash(roomID, sender, text string, timestamp int64) string {
	return chunking.HashBytes([]byte(fmt.Sprintf("%s:%s:%s:%d", roomID, sender, text, timestamp)))
}

// Send assembles, persists, and broadcasts a new message into roomID.
func (m *Manager) Send(roomID, text string) error {
	timestamp := time.Now().Unix()
	msg := Message{
		RoomID:    roomID,
		Sender:    m.self,
		Text:      text,
		Timestamp: timestamp,
		Hash:      MessageHash(roomID, m.self, text, timestamp),
	}

	if err := m.mergeAndPersist(roomID, []Message{msg}); err != nil {
		return err
	}
	m.broadcast(roomID, msg)
	return nil
}

// Receive merges an inbound room_message into the local journal if the
// room is locally active, and is a no-op otherwise (spec.md §4.5).
func (m *Manager) Receive(msg Message) {
	m.mu.Lock()
	_, tracked := m.rooms[msg.RoomID]
	m.mu.Unlock()
	if !tracked {
		return
	}
	if err := m.mergeAndPersist(msg.RoomID, []Message{msg}); err != nil {
		m.log.Printf("failed to merge inbound message for room %s: %v", msg.RoomID, err)
	}
}

// mergeAndPersist performs the persist-and-merge procedure: under the
// room's lock, merge incoming into the cache by hash-dedup, sort by
// timestamp, trim to max history, write the journal, and mark activity.
func (m *Manager) mergeAndPersist(roomID string, incoming []Message) error {
	m.mu.Lock()
	state, ok := m.rooms[roomID]
	if !ok {
		state = &roomState{}
		m.rooms[roomID] = state
	}
	m.mu.Unlock()

	state.mu.Lock()
	defer state.mu.Unlock()

	known := make(map[string]bool, len(state.messages))
	for _, msg := range state.messages {
		known[msg.Hash] = true
	}
	var added []Message
	for _, msg := range incoming {
		if !known[msg.Hash] {
			known[msg.Hash] = true
			added = append(added, msg)
		}
	}
	merged := mergeByHash(state.messages, incoming)
	merged = trimToMaxHistory(merged, state.maxHistory)
	state.messages = merged
	state.lastActive = time.Now()

	if err := m.writeJournal(roomID, merged); err != nil {
		return err
	}
	if len(added) > 0 {
		m.appendAuditLog(roomID, added)
	}
	return nil
}

// mergeByHash returns the hash-deduplicated union of existing and
// incoming, sorted by timestamp (ties broken by hash for determinism).
func mergeByHash(existing, incoming []Message) []Message {
	seen := make(map[string]Message, len(existing)+len(incoming))
	for _, m := range existing {
		seen[m.Hash] = m
	}
	for _, m := range incoming {
		seen[m.Hash] = m
	}
	out := make([]Message, 0, len(seen))
	for _, m := range seen {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// trimToMaxHistory drops the oldest messages beyond maxHistory, keeping
// the most recent ones in timestamp order.
func trimToMaxHistory(messages []Message, maxHistory int) []Message {
	if maxHistory <= 0 || len(messages) <= maxHistory {
		return messages
	}
	return messages[len(messages)-maxHistory:]
}

func (m *Manager) readJournal(roomID string) ([]Message, error) {
	path := m.journalPath(roomID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("room: reading journal %s: %w", path, err)
	}
	var jf journalFile
	if err := json.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("room: decoding journal %s: %w", path, err)
	}
	return jf.Messages, nil
}

// writeJournal writes the journal atomically via a temp-file-then-rename,
// so a crash mid-write never leaves a torn journal on disk.
func (m *Manager) writeJournal(roomID string, messages []Message) error {
	if err := os.MkdirAll(m.journalDir, 0o755); err != nil {
		return fmt.Errorf("room: creating journal dir: %w", err)
	}
	data, err := json.MarshalIndent(journalFile{Messages: messages}, "", "  ")
	if err != nil {
		return err
	}

	path := m.journalPath(roomID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("room: writing temp journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("room: renaming journal into place: %w", err)
	}
	return nil
}

func (m *Manager) journalPath(roomID string) string {
	return filepath.Join(m.journalDir, fmt.Sprintf("room_%s.json", roomID))
}

func (m *Manager) appendAuditLog(roomID string, messages []Message) {
	if m.logDir == "" {
		return
	}
	if err := os.MkdirAll(m.logDir, 0o755); err != nil {
		m.log.Printf("could not create chat log dir: %v", err)
		return
	}
	path := filepath.Join(m.logDir, fmt.Sprintf("room_%s.log", roomID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		m.log.Printf("could not open chat log %s: %v", path, err)
		return
	}
	defer f.Close()
	for _, msg := range messages {
		fmt.Fprintf(f, "%s %s: %s\n", time.Unix(msg.Timestamp, 0).Format(time.RFC3339), msg.Sender, msg.Text)
	}
}

// broadcast sends msg to every current member of roomID except self,
// falling back to a one-shot direct send for members without a live
// cached connection.
func (m *Manager) broadcast(roomID string, msg Message) {
	members, err := m.roomMembers(roomID)
	if err != nil {
		m.log.Printf("could not resolve members for room %s: %v", roomID, err)
		return
	}

	env := map[string]interface{}{
		"action":    "room_message",
		"room_id":   msg.RoomID,
		"sender":    msg.Sender,
		"message":   msg.Text,
		"timestamp": msg.Timestamp,
		"hash":      msg.Hash,
	}

	for _, username := range members {
		if username == m.self {
			continue
		}
		addr, err := m.peerChatAddress(username)
		if err != nil {
			m.log.Printf("no chat address for %s: %v", username, err)
			continue
		}
		if err := m.conns.Send(addr, env); err != nil {
			m.log.Printf("broadcast of room %s message to %s failed: %v", roomID, username, err)
		}
	}
}

func (m *Manager) roomMembers(roomID string) ([]string, error) {
	resp, err := m.tracker.Call("get_room_members", map[string]interface{}{"room_id": roomID})
	if err != nil {
		return nil, err
	}
	if !resp.IsOK() {
		return nil, fmt.Errorf("get_room_members rejected: %s", resp.Message)
	}
	raw, _ := resp.Payload["members"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Manager) peerChatAddress(username string) (string, error) {
	resp, err := m.tracker.Call("get_peer_chat_address", map[string]interface{}{"username": username})
	if err != nil {
		return "", err
	}
	if !resp.IsOK() {
		return "", fmt.Errorf("get_peer_chat_address rejected: %s", resp.Message)
	}
	addr, _ := resp.Payload["chat_addr"].(string)
	if addr == "" {
		return "", fmt.Errorf("peer %s has no chat address", username)
	}
	return addr, nil
}

// isMember asks the tracker whether username currently belongs to
// roomID. A nil tracker (used in tests) admits everyone.
func (m *Manager) isMember(roomID, username string) (bool, error) {
	if m.tracker == nil {
		return true, nil
	}
	resp, err := m.tracker.Call("is_member", map[string]interface{}{"room_id": roomID, "username": username})
	if err != nil {
		return false, err
	}
	if !resp.IsOK() {
		return false, fmt.Errorf("is_member rejected: %s", resp.Message)
	}
	ok, _ := resp.Payload["is_member"].(bool)
	return ok, nil
}

// SyncRoomMessages answers a sync_room_messages request with the local
// journal for roomID, implementing chattransport.Handler. The journal is
// produced only when requester is a current member of the room.
func (m *Manager) SyncRoomMessages(roomID, requester string) ([]Message, error) {
	m.mu.Lock()
	state, tracked := m.rooms[roomID]
	m.mu.Unlock()
	if !tracked {
		return nil, nil
	}

	member, err := m.isMember(roomID, requester)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, dbstore.ErrForbidden
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	out := make([]Message, len(state.messages))
	copy(out, state.messages)
	return out, nil
}

// HandleChatMessage satisfies chattransport.Handler for direct messages;
// the room manager only cares about room traffic, so this just logs.
func (m *Manager) HandleChatMessage(from, text string) {
	m.log.Printf("direct message from %s: %s", from, text)
}

// HandleRoomMessage satisfies chattransport.Handler.
func (m *Manager) HandleRoomMessage(msg Message) {
	m.Receive(msg)
}

// activeRoomIDs returns a snapshot of every room the peer currently
// tracks.
func (m *Manager) activeRoomIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

// SyncScheduler periodically reconciles every locally active room
// against a random sample of its members, per spec.md §4.5's pull
// replication loop.
type SyncScheduler struct {
	manager  *Manager
	interval time.Duration
	fanout   int
	log      *logging.Logger
}

// NewSyncScheduler creates a SyncScheduler.
func NewSyncScheduler(manager *Manager, interval time.Duration, fanout int, log *logging.Logger) *SyncScheduler {
	return &SyncScheduler{manager: manager, interval: interval, fanout: fanout, log: log}
}

// Run blocks, triggering a reconciliation round every interval until ctx
// (modeled here as stop) is closed.
func (s *SyncScheduler) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.runRound()
		}
	}
}

func (s *SyncScheduler) runRound() {
	for _, roomID := range s.manager.activeRoomIDs() {
		s.manager.mu.Lock()
		state := s.manager.rooms[roomID]
		s.manager.mu.Unlock()
		if state == nil {
			continue
		}
		if !s.dueForSync(state) {
			continue
		}
		go s.syncRoom(roomID, state)
	}
}

// dueForSync reports whether roomID should be reconciled this round: it
// saw activity in the last 5 minutes, or hasn't been reconciled in the
// last 10 minutes.
func (s *SyncScheduler) dueForSync(state *roomState) bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.syncing {
		return false
	}
	now := time.Now()
	recentActivity := now.Sub(state.lastActive) < 5*time.Minute
	stale := now.Sub(state.lastSync) > 10*time.Minute
	return recentActivity || stale
}

func (s *SyncScheduler) syncRoom(roomID string, state *roomState) {
	state.mu.Lock()
	if state.syncing {
		state.mu.Unlock()
		return
	}
	state.syncing = true
	state.mu.Unlock()
	defer func() {
		state.mu.Lock()
		state.syncing = false
		state.lastSync = time.Now()
		state.mu.Unlock()
	}()

	members, err := s.manager.roomMembers(roomID)
	if err != nil {
		s.log.Printf("room %s: could not resolve members for sync: %v", roomID, err)
		return
	}

	peers := make([]string, 0, len(members))
	for _, username := range members {
		if username != s.manager.self {
			peers = append(peers, username)
		}
	}
	sample := pickRandom(peers, s.fanout)

	for _, username := range sample {
		addr, err := s.manager.peerChatAddress(username)
		if err != nil {
			s.log.Printf("room %s: no chat address for %s: %v", roomID, username, err)
			continue
		}
		messages, err := chattransport.Sync(addr, roomID, s.manager.self)
		if err != nil {
			s.log.Printf("room %s: sync against %s failed: %v", roomID, username, err)
			continue
		}
		if err := s.manager.mergeAndPersist(roomID, messages); err != nil {
			s.log.Printf("room %s: merging sync result from %s failed: %v", roomID, username, err)
		}
	}
}

// pickRandom returns up to n elements of items chosen uniformly at
// random, without replacement.
func pickRandom(items []string, n int) []string {
	if n >= len(items) {
		out := make([]string, len(items))
		copy(out, items)
		return out
	}
	shuffled := make([]string, len(items))
	copy(shuffled, items)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}
