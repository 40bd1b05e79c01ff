package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/middleware"
	"github.com/vikasavnish/agentbridge/internal/models"
	"github.com/vikasavnish/agentbridge/internal/services"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Hub maintains the active agent streams. Each stream drains the
// connection's instruction queue through the same atomic dequeue as HTTP
// polling, so an instruction is delivered once whichever transport asks.
type Hub struct {
	connections  services.ConnectionService
	instructions services.InstructionService
	pollInterval time.Duration
	logger       *zap.Logger

	upgrader websocket.Upgrader

	throttle CredentialThrottle

	mu       sync.Mutex
	sessions map[string]*websocket.Conn
}

// CredentialThrottle is the credential budget shared with the webhook
// endpoints.
type CredentialThrottle interface {
	AllowCredential(ctx context.Context, credential string) bool
	RecordAuthFailure(ctx context.Context, ip string)
}

// NewHub creates a new hub for agent streams
func NewHub(connections services.ConnectionService, instructions services.InstructionService, pollInterval time.Duration, logger *zap.Logger) *Hub {
	return &Hub{
		connections:  connections,
		instructions: instructions,
		pollInterval: pollInterval,
		logger:       logger.Named("stream"),
		upgrader: websocket.Upgrader{
			// Agents are not browsers; the credential authenticates them.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*websocket.Conn),
	}
}

// SetThrottle makes stream handshakes count against t. A nil t disables
// throttling.
func (h *Hub) SetThrottle(t CredentialThrottle) {
	h.throttle = t
}

// Sessions returns the number of open streams.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// HandleStream validates the agent credential and upgrades the request to
// a websocket that pushes instructions as they are queued.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request) {
	cred := r.Header.Get("X-Agent-Credential")
	if cred == "" {
		cred = r.URL.Query().Get("credential")
	}
	if cred == "" {
		h.authFailed(r)
		http.Error(w, services.ErrInvalidCredential.Error(), http.StatusUnauthorized)
		return
	}
	if h.throttle != nil && !h.throttle.AllowCredential(r.Context(), cred) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	conn, err := h.connections.RequireActive(r.Context(), cred)
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, services.ErrInvalidCredential) {
			h.authFailed(r)
			status = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), status)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Error upgrading to WebSocket", zap.Error(err))
		return
	}

	sessionID := uuid.NewString()
	log := h.logger.With(zap.String("session", sessionID), zap.Uint("connection_id", conn.ID))
	h.register(sessionID, ws)
	defer h.unregister(sessionID)
	log.Info("Agent stream opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.readPump(ws, cancel)

	if err := h.writePump(ctx, ws, cred); err != nil {
		log.Info("Agent stream closed", zap.Error(err))
		return
	}
	log.Info("Agent stream closed")
}

func (h *Hub) authFailed(r *http.Request) {
	if h.throttle != nil {
		h.throttle.RecordAuthFailure(r.Context(), middleware.ClientIP(r))
	}
}

func (h *Hub) register(id string, ws *websocket.Conn) {
	h.mu.Lock()
	h.sessions[id] = ws
	h.mu.Unlock()
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	ws, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		ws.Close()
	}
}

// readPump consumes control frames so pongs are processed, and cancels the
// stream when the peer goes away.
func (h *Hub) readPump(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on ws.
func (h *Hub) writePump(ctx context.Context, ws *websocket.Conn, cred string) error {
	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		if err := h.drain(ctx, ws, cred); err != nil {
			if errors.Is(err, services.ErrConnectionNotActive) || errors.Is(err, services.ErrInvalidCredential) {
				msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
				ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case <-poll.C:
		}
	}
}

// drain delivers every pending instruction in priority order.
func (h *Hub) drain(ctx context.Context, ws *websocket.Conn, cred string) error {
	for {
		d, err := h.instructions.PollNext(ctx, cred)
		if err != nil || d == nil {
			return err
		}
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(models.PollResponse(d)); err != nil {
			return err
		}
	}
}

// Close terminates every open stream.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ws := range h.sessions {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait))
		ws.Close()
		delete(h.sessions, id)
	}
}
