package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/calder-ai/steward/internal/observability"
	"github.com/calder-ai/steward/pkg/uievent"
	"github.com/calder-ai/steward/pkg/user"
)

// Agent is the surface the gateway drives for each inbound message.
type Agent interface {
	SendMessage(ctx context.Context, rc user.RequestContext, message, conversationID string) <-chan uievent.Event
}

// MessageFrame is the inbound websocket frame.
type MessageFrame struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ErrorFrame is sent when an inbound frame cannot be processed.
type ErrorFrame struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Config holds server configuration.
type Config struct {
	Port              int
	Agent             Agent
	MessagesPerMinute int // defaults to 30
	MaxConcurrent     int // per-client in-flight turns, defaults to 2
	Logger            zerolog.Logger
}

// Server exposes the agent over a websocket: each inbound message frame
// starts one turn, and every UI event is forwarded as a JSON frame until
// the terminal event closes the turn.
type Server struct {
	port              int
	messagesPerMinute int
	maxConcurrent     int
	agent             Agent
	server            *http.Server
	upgrader          websocket.Upgrader
	clients           *ClientRegistry
	logger            zerolog.Logger
	isShuttingDown    bool
	shutdownMu        sync.RWMutex
	inFlightTurns     sync.WaitGroup
}

// NewServer creates a gateway Server.
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = 30
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}

	return &Server{
		port:              cfg.Port,
		messagesPerMinute: cfg.MessagesPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,
		agent:             cfg.Agent,
		clients:           NewClientRegistry(),
		logger:            cfg.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler returns the HTTP handler serving /ws, /healthz, and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start starts serving in a background goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Int("port", s.port).Msg("Starting gateway")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop drains in-flight turns, closes client connections, and shuts the
// HTTP server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")

	done := make(chan struct{})
	go func() {
		s.inFlightTurns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.clients.Count()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	rc := requestContextFrom(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		Request:      rc,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(s.messagesPerMinute, s.maxConcurrent),
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	// The upgrade request's context ends with the handler; turns must
	// outlive it and stop when the connection drops instead.
	ctx, cancel := context.WithCancel(context.Background())

	go s.handleClient(ctx, cancel, client)
}

func (s *Server) handleClient(ctx context.Context, cancel context.CancelFunc, client *Client) {
	defer func() {
		cancel()
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, raw, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleFrame(ctx, client, raw)
	}
}

func (s *Server) handleFrame(ctx context.Context, client *Client, raw []byte) {
	var frame MessageFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.sendError(client, fmt.Sprintf("invalid frame: %v", err))
		return
	}
	if frame.Message == "" {
		s.sendError(client, "message is required")
		return
	}

	if allowed, reason := client.RateLimiter.CheckAllowed(); !allowed {
		s.sendError(client, reason)
		return
	}

	client.RateLimiter.RecordStart()
	s.inFlightTurns.Add(1)

	go func() {
		defer client.RateLimiter.RecordEnd()
		defer s.inFlightTurns.Done()

		// After a write failure the channel must still be drained to
		// completion, otherwise the turn goroutine parks on a full event
		// buffer and never finishes.
		writable := true
		for ev := range s.agent.SendMessage(ctx, client.Request, frame.Message, frame.ConversationID) {
			if !writable {
				continue
			}
			if err := client.WriteJSON(ev); err != nil {
				s.logger.Error().
					Err(err).
					Str("clientId", client.ID).
					Msg("Failed to forward event; draining remaining turn events")
				writable = false
			}
		}
	}()
}

func (s *Server) sendError(client *Client, message string) {
	if err := client.WriteJSON(ErrorFrame{Kind: "error", Error: message}); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error frame")
	}
}

// requestContextFrom captures cookies and headers from the upgrade request.
func requestContextFrom(r *http.Request) user.RequestContext {
	rc := user.NewRequestContext()
	for _, c := range r.Cookies() {
		rc.Cookies[c.Name] = c.Value
	}
	for name := range r.Header {
		rc.Headers[strings.ToLower(name)] = r.Header.Get(name)
	}
	return rc
}
