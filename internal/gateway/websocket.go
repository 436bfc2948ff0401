package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TransportConfig tunes the websocket connections.
type TransportConfig struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	return c
}

// Server exposes the gateway over HTTP.
type Server struct {
	gateway  *Gateway
	cfg      TransportConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates the HTTP front of g.
func NewServer(g *Gateway, cfg TransportConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		gateway: g,
		cfg:     cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{playerId}", s.serveWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := map[string]any{
		"status":      "ok",
		"instanceId":  s.gateway.instanceID,
		"connections": s.gateway.hub.Len(),
	}
	if err := s.gateway.store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		resp["status"] = "degraded"
		resp["error"] = ReasonUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write health response", zap.Error(err))
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	playerID := mux.Vars(r)["playerId"]
	ctx := context.WithoutCancel(r.Context())

	c, err := s.gateway.Connect(ctx, playerID)
	if err != nil {
		s.logger.Warn("rejecting connection", zap.String("player_id", playerID), zap.Error(err))
		http.Error(w, ReasonUnavailable, http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("player_id", playerID), zap.Error(err))
		s.gateway.Disconnect(ctx, c)
		return
	}

	go s.writePump(conn, c)
	s.readPump(ctx, conn, c)
}

// readPump feeds inbound frames to the gateway until the connection fails.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, c *Client) {
	defer func() {
		s.gateway.Disconnect(ctx, c)
		_ = conn.Close()
	}()

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", zap.String("socket_id", c.SocketID), zap.Error(err))
			}
			return
		}
		s.gateway.Handle(ctx, c, data)
	}
}

// writePump drains the client's send stream and keeps the connection alive
// with pings.
func (s *Server) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(s.cfg.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
