// Package dashboard implements the tracker's read-only operator HTTP and
// websocket surface. It is purely observational: it never mutates
// tracker state and plays no part in the control/data/chat protocols.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/peernet/peernet/internal/dbstore"
	"github.com/peernet/peernet/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the tracker's operator dashboard.
type Server struct {
	router *mux.Router
	store  dbstore.Store
	hub    *Hub
	log    *logging.Logger
	port   int
	srv    *http.Server
}

// New builds a dashboard Server reading from store.
func New(port int, store dbstore.Store, log *logging.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		store:  store,
		hub:    NewHub(log),
		log:    log,
		port:   port,
	}
	s.setupRoutes()
	return s
}

// Hub exposes the activity-event hub so the tracker can publish events
// to it as operations occur.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/peers", s.handlePeers).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWS).Methods("GET")
}

// Start runs the hub and the HTTP listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	stop := make(chan struct{})
	go s.hub.Run(stop)

	s.srv = &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		s.log.Printf("listening on :%d", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		close(stop)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		close(stop)
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListOnlineUsers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	files, err := s.store.ListFiles()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rooms, err := s.store.ListRooms()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"active_peers": len(users),
		"file_count":   len(files),
		"room_count":   len(rooms),
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListOnlineUsers()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]interface{}, 0, len(users))
	for _, u := range users {
		sess, err := s.store.GetSession(u)
		if err != nil {
			continue
		}
		out = append(out, map[string]interface{}{
			"username":       u,
			"last_seen":      sess.LastSeen,
			"seconds_online": sess.SecondsOnline,
			"chunks_served":  sess.ChunksServed,
		})
	}
	writeJSON(w, map[string]interface{}{"peers": out})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("websocket upgrade failed: %v", err)
		return
	}
	c := s.hub.addConn(conn)
	go c.writePump()
	go s.hub.readPump(c)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
