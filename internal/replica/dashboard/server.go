// Package dashboard serves live views of the local store over WebSocket.
//
// Each /ws connection carries one store query. The client receives the
// query's result set whenever a committed write changes it, plus the sync
// status of the reconciliation loop. /health, /status and /metrics serve
// plain HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/omnii/replica/internal/replica/daemon"
	"github.com/omnii/replica/internal/replica/db"
	"github.com/omnii/replica/internal/replica/metrics"
	"github.com/omnii/replica/internal/replica/schema"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeQueryResult carries the current result set of the
	// connection's query.
	MessageTypeQueryResult MessageType = "query_result"

	// MessageTypeSyncStatus carries the reconciliation loop status.
	MessageTypeSyncStatus MessageType = "sync_status"
)

// Message represents a dashboard message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// QueryResultData is the payload of a query_result message.
type QueryResultData struct {
	Collection schema.Collection `json:"collection"`
	Count      int               `json:"count"`
	Records    []schema.Record   `json:"records"`
}

// StatusSource is implemented by *daemon.Daemon.
type StatusSource interface {
	Status() daemon.Status
	Subscribe() (<-chan daemon.Status, func())
	// Trigger requests a sync cycle without waiting for it.
	Trigger()
}

// Config holds server configuration
type Config struct {
	// Port to listen on. Zero picks a free port.
	Port int

	// AllowedOrigins for CORS and WebSocket origin checks. Default "*".
	AllowedOrigins []string

	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		AllowedOrigins: []string{"*"},
	}
}

type client struct {
	conn  *websocket.Conn
	query db.Query
}

// Server manages WebSocket connections and the HTTP endpoints.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	store   *db.DB
	status  StatusSource
	metrics *metrics.Collector
	origins []string

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewServer creates a dashboard server over store. status may be nil when
// no reconciliation loop runs in the process.
func NewServer(store *db.DB, status StatusSource, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		store:     store,
		status:    status,
		metrics:   config.Metrics,
		origins:   origins,
		clients:   make(map[*client]struct{}),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("dashboard"),
	}
}

// Handler returns the router. It is exposed for embedding; Start serves it.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Post("/sync", s.handleSync)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// Start begins the HTTP server and the status feed.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	if s.status != nil {
		s.wg.Add(1)
		go s.statusLoop()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes every connection and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for c := range s.clients {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, c)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return nil
}

// Broadcast sends a message to all connected clients. It never blocks; a
// full queue drops the message.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast queue full, dropping message", zap.String("type", string(msg.Type)))
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			s.clientsMu.RLock()
			clients := make([]*client, 0, len(s.clients))
			for c := range s.clients {
				clients = append(clients, c)
			}
			s.clientsMu.RUnlock()

			for _, c := range clients {
				if err := s.send(c, msg); err != nil {
					s.logger.Debug("send failed", zap.Error(err))
					s.removeClient(c)
				}
			}
		}
	}
}

// statusLoop forwards every daemon status change to the clients.
func (s *Server) statusLoop() {
	defer s.wg.Done()
	updates, unsubscribe := s.status.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-s.ctx.Done():
			return
		case st := <-updates:
			msg, err := statusMessage(st)
			if err != nil {
				s.logger.Error("failed to marshal status", zap.Error(err))
				continue
			}
			s.Broadcast(msg)
		}
	}
}

// handleWebSocket validates the query, upgrades the connection and streams
// results until either side goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q, err := ParseQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	subCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	sub, err := s.store.Subscribe(subCtx, q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, query: q}
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected",
		zap.String("collection", string(q.Collection)), zap.Int("clients", n))
	defer s.removeClient(c)

	if s.status != nil {
		if msg, err := statusMessage(s.status.Status()); err == nil {
			if err := s.send(c, msg); err != nil {
				return
			}
		}
	}

	// Clients never send data; CloseRead discards control frames and
	// cancels when the peer disconnects.
	done := conn.CloseRead(subCtx)
	for {
		select {
		case <-done.Done():
			return
		case records, ok := <-sub.Updates():
			if !ok {
				return
			}
			msg, err := queryResultMessage(q.Collection, records)
			if err != nil {
				s.logger.Error("failed to marshal query result", zap.Error(err))
				continue
			}
			if err := s.send(c, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) send(c *client, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, msg)
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	n := len(s.clients)
	s.clientsMu.Unlock()

	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", zap.Int("clients", n))
}

// handleSync asks the daemon for a cycle. The answer does not wait for it;
// progress arrives as sync_status messages.
func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sync loop running"})
		return
	}
	s.status.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleStatus reports store contents and, when a daemon runs, sync status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	body := map[string]any{"store": stats}
	if s.status != nil {
		body["sync"] = s.status.Status()
	}
	writeJSON(w, http.StatusOK, body)
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func statusMessage(st daemon.Status) (Message, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeSyncStatus, Timestamp: time.Now(), Data: data}, nil
}

func queryResultMessage(c schema.Collection, records []schema.Record) (Message, error) {
	if records == nil {
		records = []schema.Record{}
	}
	data, err := json.Marshal(QueryResultData{Collection: c, Count: len(records), Records: records})
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeQueryResult, Timestamp: time.Now(), Data: data}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
