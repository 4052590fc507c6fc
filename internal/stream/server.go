// Package stream serves a live feed of session events over WebSocket, so a
// contact's app can follow a countdown or a live share as it happens.
package stream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/logger"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Source hands out event subscriptions. events.Bus satisfies it.
type Source interface {
	SubscribeChan(name string, buffer int) (<-chan domain.Event, func())
}

// Option configures the server.
type Option func(*Server)

// WithBuffer sets the per-client event buffer.
func WithBuffer(n int) Option {
	return func(s *Server) {
		s.buffer = n
	}
}

// WithCheckOrigin overrides the upgrade origin check. The default only
// accepts same-origin browsers and clients that send no Origin header.
func WithCheckOrigin(f func(*http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = f
	}
}

// Server upgrades HTTP requests to WebSocket and pushes events for one
// session or one journey, never the whole engine. A viewer names themselves
// with ?contact=<id> and only receives events of sessions they are on,
// unless the share allows anonymous viewing.
type Server struct {
	source   Source
	log      *logger.Logger
	upgrader websocket.Upgrader
	buffer   int

	mu      sync.Mutex
	clients int
	srv     *http.Server
}

// New creates a stream server fed by source.
func New(source Source, log *logger.Logger, opts ...Option) *Server {
	s := &Server{
		source:   source,
		log:      log,
		buffer:   64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving the feed.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/events", s.serveEvents).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{session}/events", s.serveEvents).Methods(http.MethodGet)
	r.HandleFunc("/journeys/{journey}/events", s.serveEvents).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx) //nolint:errcheck
	}()

	s.log.Info("event stream listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	sessionID, journeyID := filter(r)
	if sessionID == "" && journeyID == "" {
		http.Error(w, "session or journey required", http.StatusBadRequest)
		return
	}
	contactID := r.URL.Query().Get("contact")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("stream: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	events, cancel := s.source.SubscribeChan("stream:"+r.RemoteAddr, s.buffer)
	defer cancel()

	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.clients--
		s.mu.Unlock()
	}()

	s.log.Debug("stream: client %s connected (session=%q journey=%q contact=%q)", r.RemoteAddr, sessionID, journeyID, contactID)

	// The read pump only exists to notice the client going away and to
	// handle pongs.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			s.log.Debug("stream: client %s disconnected", r.RemoteAddr)
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			if sessionID != "" && e.SessionID != sessionID {
				continue
			}
			if journeyID != "" && e.JourneyID != journeyID {
				continue
			}
			if !e.Snapshot.Viewable(contactID) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := conn.WriteJSON(e.Wire()); err != nil {
				s.log.Debug("stream: write to %s failed: %v", r.RemoteAddr, err)
				return
			}
		}
	}
}

// filter reads the session or journey to follow from the path, falling back
// to the query string.
func filter(r *http.Request) (sessionID, journeyID string) {
	vars := mux.Vars(r)
	sessionID, journeyID = vars["session"], vars["journey"]
	q := r.URL.Query()
	if sessionID == "" {
		sessionID = q.Get("session")
	}
	if journeyID == "" {
		journeyID = q.Get("journey")
	}
	return sessionID, journeyID
}
