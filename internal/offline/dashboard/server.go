// Package dashboard serves live outbox activity over WebSocket, plus health,
// queue inspection and Prometheus metrics endpoints.
//
// The daemon feeds flush progress and connectivity changes into a Handler,
// which updates metrics and broadcasts JSON messages to every connected
// client.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steveyegge/offsync/internal/offline/outbox"
	"github.com/steveyegge/offsync/internal/offline/schema"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeItemSent indicates a queued request was delivered
	MessageTypeItemSent MessageType = "item_sent"

	// MessageTypeItemFailed indicates a delivery attempt failed
	MessageTypeItemFailed MessageType = "item_failed"

	// MessageTypeFlushComplete indicates a flush pass finished
	MessageTypeFlushComplete MessageType = "flush_complete"

	// MessageTypeConnectivity indicates the online state changed
	MessageTypeConnectivity MessageType = "connectivity"

	// MessageTypeStats carries current partition counts
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ItemData describes the outcome of one delivery attempt.
type ItemData struct {
	ID           string `json:"id"`
	Attempts     int    `json:"attempts,omitempty"`
	Error        string `json:"error,omitempty"`
	DeadLettered bool   `json:"dead_lettered,omitempty"`
}

// FlushData summarizes a flush pass.
type FlushData struct {
	Attempted    int           `json:"attempted"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	DeadLettered int           `json:"dead_lettered"`
	Busy         bool          `json:"busy,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// ConnectivityData carries the online state.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// StatsData contains partition counts.
type StatsData struct {
	Pending     int  `json:"pending"`
	DeadLetters int  `json:"dead_letters"`
	Blobs       int  `json:"blobs"`
	Cached      int  `json:"cached"`
	Online      bool `json:"online"`
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: 127.0.0.1:7420). Port 0 picks a free port.
	Addr string

	// Queue backs /api/queue. Optional.
	Queue *outbox.Queue

	// Metrics are exposed on /metrics. Optional; NewServer creates a set on
	// a private registry when nil.
	Metrics *Metrics

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr: "127.0.0.1:7420",
	}
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	queue    *outbox.Queue
	metrics  *Metrics

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	// last stats, replayed to new clients
	stats   *StatsData
	statsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewServer creates a new dashboard server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      addr,
		queue:     config.Queue,
		metrics:   metrics,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Router returns the HTTP routes served by the dashboard.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{}))
	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", s.handleQueue)
		r.Get("/deadletters", s.handleDeadLetters)
	})
	return r
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Router(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.server.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}

	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return err
}

// Broadcast queues msg for every connected client. It never blocks; when
// the buffer is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	if msg.Type == MessageTypeStats {
		s.rememberStats(msg.Data)
	}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("failed to marshal message", "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Debug("failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug("client connected", "clients", clientCount)

	// New clients get the latest stats straight away.
	welcome := Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: s.lastStats()}
	welcomeData, _ := json.Marshal(welcome)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcomeData)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", "clients", clientCount)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not available")
		return
	}
	items, err := s.queue.ListPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summarize(items))
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not available")
		return
	}
	items, err := s.queue.ListDeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summarize(items))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>offsync</title>
</head>
<body>
    <h1>offsync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%[1]s/ws</code></p>
    <p>Pending requests: <a href="/api/queue">/api/queue</a></p>
    <p>Dead letters: <a href="/api/deadletters">/api/deadletters</a></p>
    <p>Metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, html.EscapeString(r.Host))
}

// Addr returns the listening address once started.
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

func (s *Server) rememberStats(data json.RawMessage) {
	var stats StatsData
	if err := json.Unmarshal(data, &stats); err != nil {
		return
	}
	s.statsMu.Lock()
	s.stats = &stats
	s.statsMu.Unlock()
}

func (s *Server) lastStats() json.RawMessage {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	if s.stats == nil {
		return nil
	}
	data, _ := json.Marshal(s.stats)
	return data
}

// ItemSummary is the /api view of a queue item. Bodies and blobs are left out.
type ItemSummary struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"`
	Method        string     `json:"method"`
	URL           string     `json:"url"`
	CreatedAt     time.Time  `json:"created_at"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	Files         int        `json:"files,omitempty"`
}

func summarize(items []*schema.QueueItem) []ItemSummary {
	out := make([]ItemSummary, 0, len(items))
	for _, it := range items {
		sum := ItemSummary{
			ID:            it.ID,
			Kind:          string(it.Kind),
			Method:        it.Method,
			URL:           it.URL,
			CreatedAt:     it.CreatedAt,
			Attempts:      it.Attempts,
			LastError:     it.LastError,
			LastAttemptAt: it.LastAttemptAt,
		}
		if it.Multipart != nil {
			sum.Files = len(it.Multipart.BlobKeys)
		}
		out = append(out, sum)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
