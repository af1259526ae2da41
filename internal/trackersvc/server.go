// Package trackersvc implements the tracker control-protocol server: the
// accept loop, per-connection session binding, active-peer TTL
// enforcement, and the method dispatch table for every operation in
// the control protocol.
package trackersvc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/peernet/peernet/internal/dbstore"
	"github.com/peernet/peernet/internal/logging"
	"github.com/peernet/peernet/internal/wireproto"
)

// Server is the tracker's control-protocol listener.
type Server struct {
	port              int
	store             dbstore.Store
	sessionTTL        time.Duration
	log               *logging.Logger
	listener          net.Listener
	scoreWeightTime   float64
	scoreWeightChunks float64
}

// New creates a Server bound to port, backed by store, enforcing the
// given session TTL. scoreWeightTime/scoreWeightChunks parameterize the
// reputation score used to annotate and sort get_peers results.
func New(port int, store dbstore.Store, sessionTTL time.Duration, scoreWeightTime, scoreWeightChunks float64, log *logging.Logger) *Server {
	return &Server{
		port:              port,
		store:             store,
		sessionTTL:        sessionTTL,
		scoreWeightTime:   scoreWeightTime,
		scoreWeightChunks: scoreWeightChunks,
		log:               log,
	}
}

// Start listens on the configured port and serves connections until ctx
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	var err error
	s.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tracker: failed to listen on %s: %w", addr, err)
	}
	s.log.Printf("listening on %s", addr)

	go s.sweepLoop(ctx)

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.log.Printf("shutting down")
				return nil
			default:
				s.log.Printf("accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

// session is bound to one control connection: once the connection logs
// in, every subsequent call on it is attributed to that username.
type session struct {
	username string
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)
	sess := &session{}

	defer func() {
		if r := recover(); r != nil {
			s.log.Printf("panic serving %s: %v", remote, r)
		}
	}()

	for {
		var req wireproto.Request
		if err := wireproto.ReadJSON(reader, conn, wireproto.DefaultReadTimeout, &req); err != nil {
			return
		}

		resp := s.dispatch(sess, req)
		if err := wireproto.SendJSON(conn, resp); err != nil {
			s.log.Printf("write error to %s: %v", remote, err)
			return
		}
	}
}

func (s *Server) dispatch(sess *session, req wireproto.Request) wireproto.Response {
	switch req.Method {
	case "register":
		return s.handleRegister(req)
	case "login":
		return s.handleLogin(sess, req)
	case "heartbeat":
		return s.withActiveSession(sess, req, s.handleHeartbeat)
	case "announce":
		return s.withActiveSession(sess, req, s.handleAnnounce)
	case "partial_announce":
		return s.withActiveSession(sess, req, s.handlePartialAnnounce)
	case "get_peers":
		return s.withActiveSession(sess, req, s.handleGetPeers)
	case "get_file_metadata":
		return s.withActiveSession(sess, req, s.handleGetFileMetadata)
	case "list_files":
		return s.withActiveSession(sess, req, s.handleListFiles)
	case "list_online_users":
		return s.withActiveSession(sess, req, s.handleListOnlineUsers)
	case "get_peer_address":
		return s.withActiveSession(sess, req, s.handleGetPeerAddress)
	case "get_peer_chat_address":
		return s.withActiveSession(sess, req, s.handleGetPeerChatAddress)
	case "create_room":
		return s.withActiveSession(sess, req, s.handleCreateRoom)
	case "delete_room":
		return s.withActiveSession(sess, req, s.handleDeleteRoom)
	case "add_member":
		return s.withActiveSession(sess, req, s.handleAddMember)
	case "remove_member":
		return s.withActiveSession(sess, req, s.handleRemoveMember)
	case "list_rooms":
		return s.withActiveSession(sess, req, s.handleListRooms)
	case "get_room_members":
		return s.withActiveSession(sess, req, s.handleGetRoomMembers)
	case "get_room_info":
		return s.withActiveSession(sess, req, s.handleGetRoomInfo)
	case "is_member":
		return s.withActiveSession(sess, req, s.handleIsMember)
	default:
		return wireproto.Err(fmt.Sprintf("unknown method %q", req.Method))
	}
}

// handlerFunc is a method handler that runs only after active-session
// validation has bound sess.username.
type handlerFunc func(sess *session, req wireproto.Request) wireproto.Response

// withActiveSession validates the connection's session is logged in and
// not TTL-expired before invoking fn. On expiry it cascades the peer's
// removal and returns the exact message the reference implementation
// uses, matched by scenario tests.
func (s *Server) withActiveSession(sess *session, req wireproto.Request, fn handlerFunc) wireproto.Response {
	if sess.username == "" {
		return wireproto.Err("not logged in")
	}

	info, err := s.store.GetSession(sess.username)
	if err == dbstore.ErrNotFound {
		return wireproto.Err("Login expirado")
	}
	if err != nil {
		return wireproto.Err(fmt.Sprintf("internal error: %v", err))
	}

	if time.Since(info.LastSeen) > s.sessionTTL {
		s.store.RemovePeer(sess.username)
		sess.username = ""
		return wireproto.Err("Login expirado")
	}

	s.store.Touch(sess.username, time.Now())
	return fn(sess, req)
}

// sweepLoop periodically expires sessions that have aged out without a
// new request arriving, so get_peers snapshots stay accurate even for a
// tracker otherwise idle between requests from a particular peer.
func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.sessionTTL / 2
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.sessionTTL)
			expired, err := s.store.ExpireStaleSessions(cutoff)
			if err != nil {
				s.log.Printf("sweep error: %v", err)
				continue
			}
			for _, u := range expired {
				s.log.Printf("expired stale session for %s", u)
			}
		}
	}
}
