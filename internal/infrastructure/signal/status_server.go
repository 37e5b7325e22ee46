package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"medlink/internal/core/domain"
	"medlink/internal/core/ports"
	"medlink/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	MessageStatus  = "status"
	MessageError   = "error"
	MessageStart   = "start"
	MessageStop    = "stop"
	MessageRefresh = "refresh"
	MessagePlay    = "play"
	MessagePing    = "ping"
	MessagePong    = "pong"

	maxMessageSize = 4 << 10
)

// Message is the frame exchanged on the status socket in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// StatusServer streams session views to websocket clients and accepts the
// session commands over the same socket.
type StatusServer struct {
	control  ports.SessionControl
	upgrader websocket.Upgrader

	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

// NewStatusServer allows upgrades from allowedOrigins; "*" allows any origin.
func NewStatusServer(control ports.SessionControl, allowedOrigins []string, logger *zap.SugaredLogger) *StatusServer {
	return &StatusServer{
		control: control,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

func (s *StatusServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
	if s.readTimeout < 2*interval {
		s.readTimeout = 2 * interval
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

func (s *StatusServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	views, cancel := s.control.Subscribe(8)
	defer cancel()

	remote := r.RemoteAddr
	s.logger.Infow("status client connected", "remote", remote)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	messages := make(chan Message, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.readTimeout))
			select {
			case messages <- msg:
			case <-done:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	if err := s.write(conn, MessageStatus, s.control.View()); err != nil {
		return
	}

	for {
		select {
		case view, ok := <-views:
			if !ok {
				return
			}
			if err := s.write(conn, MessageStatus, view); err != nil {
				s.logger.Infow("status client write failed", "remote", remote, "error", err)
				return
			}

		case msg := <-messages:
			if err := s.handleMessage(r.Context(), conn, msg); err != nil {
				if werr := s.write(conn, MessageError, ErrorPayload{Message: err.Error()}); werr != nil {
					return
				}
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("status client read failed", "remote", remote, "error", err)
			}
			s.logger.Infow("status client disconnected", "remote", remote)
			return
		}
	}
}

// handleMessage runs a client command. The resulting state changes reach the
// client through its subscription.
func (s *StatusServer) handleMessage(ctx context.Context, conn *websocket.Conn, msg Message) (err error) {
	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type)
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	switch msg.Type {
	case MessageStart:
		s.control.Start()
	case MessageStop:
		s.control.Stop()
	case MessageRefresh:
		s.control.Refresh()
	case MessagePlay:
		if err := s.control.Play(); err != nil {
			if errors.Is(err, domain.ErrNeedsInteraction) {
				return fmt.Errorf("playback still waiting for interaction: %w", err)
			}
			return err
		}
	case MessagePing:
		return s.write(conn, MessagePong, nil)
	case "":
		return fmt.Errorf("message type is required")
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

func (s *StatusServer) write(conn *websocket.Conn, msgType string, payload interface{}) error {
	msg := Message{Type: msgType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", msgType, err)
		}
		msg.Payload = data
	}
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return conn.WriteJSON(msg)
}
