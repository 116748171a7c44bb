package registry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/protocol"
)

const (
	maxFrameBytes    = 1 << 20
	pongWait         = 45 * time.Second
	handshakeTimeout = 10 * time.Second
)

// InboundHandler receives every decoded runner message that the registry
// does not consume itself (register and heartbeat are consumed in place).
type InboundHandler func(ctx context.Context, runnerID string, env *protocol.Envelope, payload any)

// Server accepts runner websocket connections and pumps their messages.
type Server struct {
	manager      *Manager
	inbound      InboundHandler
	onRegistered func(ctx context.Context, runnerID string, reclaimed bool)
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

// NewServer creates the websocket endpoint for runner connections.
func NewServer(manager *Manager, inbound InboundHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: manager,
		inbound: inbound,
		logger:  logger.With("component", "registry.server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// SetOnRegistered installs a callback invoked after each successful
// registration handshake, e.g. to kick off session sync.
func (s *Server) SetOnRegistered(fn func(ctx context.Context, runnerID string, reclaimed bool)) {
	s.onRegistered = fn
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	go s.serve(conn)
}

func (s *Server) serve(conn *websocket.Conn) {
	transport := NewWSTransport(conn)
	ctx := context.Background()

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout)) //nolint:errcheck

	// First frame must be registration.
	reg, err := s.readRegister(conn)
	if err != nil {
		_ = transport.Send(protocol.KindError, &protocol.ErrorMessage{ //nolint:errcheck
			Code:    "registration_required",
			Message: err.Error(),
		})
		_ = transport.Close() //nolint:errcheck
		return
	}

	result, err := s.manager.Register(ctx, reg.RunnerID, reg.Name, reg.Token, reg.Capabilities, transport)
	if err != nil {
		// Register already closed the transport; a best-effort error frame
		// may or may not reach the peer.
		s.logger.Warn("registration failed", "runner_id", reg.RunnerID, "error", err)
		return
	}
	runnerID := result.Runner.ID

	if err := transport.Send(protocol.KindRegistered, &protocol.Registered{
		RunnerID:          runnerID,
		Reclaimed:         result.Reclaimed,
		HeartbeatInterval: int(s.manager.HeartbeatInterval().Seconds()),
	}); err != nil {
		s.manager.OnTransportClosed(runnerID, transport)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		s.manager.Touch(runnerID)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if s.onRegistered != nil {
		go s.onRegistered(ctx, runnerID, result.Reclaimed)
	}

	s.readLoop(ctx, conn, transport, runnerID)
}

func (s *Server) readRegister(conn *websocket.Conn) (*protocol.Register, error) {
	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			return nil, errors.New("connection closed before registration")
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, payload, err := protocol.Decode(frame)
		if err != nil {
			return nil, err
		}
		reg, ok := payload.(*protocol.Register)
		if !ok {
			return nil, errors.New("first message must be register, got " + string(env.Type))
		}
		return reg, nil
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, transport Transport, runnerID string) {
	defer s.manager.OnTransportClosed(runnerID, transport)

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("runner stream closed", "runner_id", runnerID, "error", err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		s.manager.Touch(runnerID)

		env, payload, err := protocol.Decode(frame)
		if err != nil {
			// Malformed or unknown frames are contained, never fatal.
			s.logger.Warn("undecodable frame ignored",
				"runner_id", runnerID,
				"kind", kindOf(env),
				"error", err,
			)
			continue
		}

		switch msg := payload.(type) {
		case *protocol.Register:
			// Re-registration on an open connection refreshes identity.
			if _, err := s.manager.Register(ctx, msg.RunnerID, msg.Name, msg.Token, msg.Capabilities, transport); err != nil {
				s.logger.Warn("re-registration failed", "runner_id", runnerID, "error", err)
				return
			}
		case *protocol.Heartbeat:
			s.manager.Heartbeat(ctx, runnerID, transport)
		default:
			if s.inbound != nil {
				s.inbound(ctx, runnerID, env, payload)
			}
		}
	}
}

func kindOf(env *protocol.Envelope) string {
	if env == nil {
		return ""
	}
	return string(env.Type)
}
