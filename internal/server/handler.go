// Package server is the broadcast daemon's WebSocket side: it authenticates
// inbound connections against the identity verifier, keeps a registry of
// live subscribers and fans out rotating keys on change.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/quillhaven/keycast/internal/domain"
	"github.com/quillhaven/keycast/internal/identity"
	"github.com/quillhaven/keycast/internal/metrics"
)

const (
	// AuthTimeout closes any connection that has not completed the auth
	// exchange. The handshake itself carries no credentials.
	AuthTimeout = 10 * time.Second

	// readTimeout is the idle deadline once authenticated; clients ping
	// every 30 seconds, so two missed pings end the connection.
	readTimeout = 75 * time.Second
)

// Handler manages WebSocket dependencies.
type Handler struct {
	Registry    *Registry
	Verifier    *identity.Verifier
	Broadcaster *Broadcaster
	Upgrader    websocket.Upgrader
	Metrics     *metrics.Metrics
	Log         *logrus.Logger
	AuthTimeout time.Duration
}

func NewHandler(registry *Registry, verifier *identity.Verifier, broadcaster *Broadcaster, m *metrics.Metrics, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.New()
	}
	return &Handler{
		Registry:    registry,
		Verifier:    verifier,
		Broadcaster: broadcaster,
		Metrics:     m,
		Log:         log,
		AuthTimeout: AuthTimeout,
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// HandleWebSocket is the HTTP handler that upgrades the connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.WithError(err).Error("websocket upgrade failed")
		return
	}

	h.handleConnection(r.Context(), conn)
}

// handleConnection manages the lifecycle of a single WebSocket connection.
func (h *Handler) handleConnection(ctx context.Context, conn *websocket.Conn) {
	sub := h.Registry.Add(conn)

	defer func() {
		wasAuthenticated := sub.Authenticated()
		h.Registry.Remove(sub.ID)
		if wasAuthenticated && h.Metrics != nil {
			h.Metrics.SubscribersActive.Dec()
		}
		h.Log.WithField("subscriber", sub.ID).Info("connection closed")
	}()

	// 1. Authentication must complete before anything else.
	if !h.authenticate(ctx, sub) {
		return
	}

	// 2. Main message loop: only liveness traffic is expected from an
	// authenticated subscriber; keys flow strictly server to client.
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.Log.WithError(err).WithField("subscriber", sub.ID).Warn("subscriber disconnected unexpectedly")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg domain.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sub.Send(domain.ServerMessage{Type: domain.TypeError, Message: "invalid message format"})
			continue
		}

		switch msg.Type {
		case domain.TypePing:
			// Answer immediately, independent of any other processing.
			sub.Send(domain.ServerMessage{Type: domain.TypePong})
		case domain.TypeAuth:
			// Already authenticated; re-auth is a no-op acknowledgement.
			sub.Send(domain.ServerMessage{Type: domain.TypeAuthSuccess, Message: "already authenticated"})
		default:
			sub.Send(domain.ServerMessage{Type: domain.TypeError, Message: "unsupported message type"})
		}
	}
}

// authenticate runs the first-message auth exchange. It reports whether the
// connection may proceed; on any failure the socket is closed with a policy
// violation code.
func (h *Handler) authenticate(ctx context.Context, sub *Subscriber) bool {
	conn := sub.Conn
	conn.SetReadDeadline(time.Now().Add(h.AuthTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		h.reject(sub, "authentication timed out", "timeout")
		return false
	}

	var msg domain.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != domain.TypeAuth || msg.Token == "" {
		h.reject(sub, "first message must be auth", "malformed")
		return false
	}

	ident, err := h.Verifier.Verify(ctx, msg.Token)
	if err != nil {
		reason := "invalid_token"
		message := "invalid or expired token"
		if errors.Is(err, domain.ErrRoleForbidden) {
			reason = "role_forbidden"
			message = "authorization denied: role not permitted"
		}
		h.reject(sub, message, reason)
		return false
	}

	sub.markAuthenticated(ident)
	if h.Metrics != nil {
		h.Metrics.AuthSuccessTotal.Inc()
		h.Metrics.SubscribersActive.Inc()
	}
	h.Log.WithFields(logrus.Fields{
		"subscriber": sub.ID,
		"user":       ident.DisplayName,
		"role":       ident.Role,
	}).Info("subscriber authenticated")

	sub.Send(domain.ServerMessage{Type: domain.TypeAuthSuccess, Message: "authenticated"})

	// Fresh joiners get the current key right away instead of waiting for
	// the next rotation.
	h.Broadcaster.SendCurrent(sub)
	return true
}

// reject sends auth-failed and closes with a policy violation close code.
func (h *Handler) reject(sub *Subscriber, message, reason string) {
	if h.Metrics != nil {
		h.Metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
	}
	h.Log.WithFields(logrus.Fields{
		"subscriber": sub.ID,
		"reason":     reason,
	}).Warn("authentication rejected")

	sub.Send(domain.ServerMessage{Type: domain.TypeAuthFailed, Message: message})

	sub.writeMu.Lock()
	sub.Conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(writeTimeout),
	)
	sub.writeMu.Unlock()
	sub.Conn.Close()
}
