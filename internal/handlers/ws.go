package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chat-relay/internal/auth"
	"chat-relay/internal/delivery"
	"chat-relay/internal/models"
	"chat-relay/internal/observability"
	"chat-relay/internal/telemetry"
	"chat-relay/internal/ws"
)

// WSConfig holds the timings of the live channel.
type WSConfig struct {
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// WebSocketHandler upgrades clients to live channels and serves their frames.
type WebSocketHandler struct {
	coordinator *delivery.Coordinator
	router      *delivery.Router
	sender      *Sender
	tokens      auth.Validator
	events      *observability.Events
	audit       *telemetry.AuditEmitter
	cfg         WSConfig
	validate    *validator.Validate
}

// NewWebSocketHandler constructs a WebSocketHandler. events and audit may be nil.
func NewWebSocketHandler(coordinator *delivery.Coordinator, router *delivery.Router, sender *Sender, tokens auth.Validator, events *observability.Events, audit *telemetry.AuditEmitter, cfg WSConfig) *WebSocketHandler {
	return &WebSocketHandler{
		coordinator: coordinator,
		router:      router,
		sender:      sender,
		tokens:      tokens,
		events:      events,
		audit:       audit,
		cfg:         cfg,
		validate:    validator.New(),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades and then serves the connection until it closes.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-relay/ws").Start(c.Request.Context(), "ws.handshake", trace.WithSpanKind(trace.SpanKindServer))
	c.Request = c.Request.WithContext(ctx)
	requestID := observability.RequestIDFromRequest(c.Request)

	// A token offered at handshake is checked before upgrading; without one
	// the client must authenticate with its first frame.
	raw := c.Query("token")
	if header := c.GetHeader("Authorization"); header != "" {
		var err error
		if raw, err = auth.BearerToken(header); err != nil {
			span.End()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}
	}
	var claims *auth.Claims
	if raw != "" {
		var err error
		if claims, err = h.tokens.Validate(raw); err != nil {
			span.End()
			h.audit.Emit(ctx, "WARN", "rejected websocket token", requestID, 0)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
	}

	rawConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}
	conn := ws.NewConn(rawConn, h.cfg.WriteTimeout)

	if claims == nil {
		if claims, err = h.authenticateFirstFrame(conn); err != nil {
			span.End()
			h.audit.Emit(ctx, "WARN", "websocket authentication failed", requestID, 0)
			_ = conn.Push(ctx, models.ChatEvent{Type: models.EventError, Error: "unauthorized"})
			_ = conn.Close()
			return
		}
	}

	deviceID := claims.DeviceID
	if deviceID == "" {
		deviceID = observability.DeviceIDFromRequest(c.Request)
	}
	info := ws.ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      claims.UserID,
		DeviceID:    deviceID,
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	span.SetAttributes(
		attribute.Int64("user.id", info.UserID),
		attribute.String("ws.conn_id", info.ConnID),
	)
	span.End()

	h.serve(context.WithoutCancel(ctx), conn, info)
}

func (h *WebSocketHandler) authenticateFirstFrame(conn *ws.Conn) (*auth.Claims, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	var frame models.ClientEvent
	if err := conn.ReadEvent(&frame); err != nil {
		return nil, err
	}
	if frame.Type != models.EventAuthenticate || frame.Token == "" {
		return nil, auth.ErrMissingToken
	}
	return h.tokens.Validate(frame.Token)
}

// serve registers the connection, replays its backlog and runs the read
// loop. It returns after the connection is deregistered and closed.
func (h *WebSocketHandler) serve(ctx context.Context, conn *ws.Conn, info ws.ConnInfo) {
	now := time.Now()
	_ = conn.Push(ctx, models.ChatEvent{Type: models.EventConnected, ConnID: info.ConnID, At: &now})

	h.connectionEvent(ctx, info, "ws_connect", "")
	observability.IncWSActive()

	var connID, closeReason string
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer func() {
		stopHeartbeat()
		h.coordinator.OnDisconnect(connID)
		_ = conn.Close()
		observability.DecWSActive()
		h.connectionEvent(ctx, info, "ws_disconnect", closeReason)
	}()

	// Replace the first-frame auth deadline before the replay runs.
	h.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		h.extendReadDeadline(conn)
		return nil
	})
	go h.heartbeat(heartbeatCtx, conn)

	var err error
	connID, err = h.coordinator.OnConnect(ctx, info.UserID, conn, info)
	if err != nil {
		_ = conn.Push(ctx, models.ChatEvent{Type: models.EventError, Error: "backlog unavailable"})
	}
	h.extendReadDeadline(conn)

	for {
		var frame models.ClientEvent
		err := conn.ReadEvent(&frame)
		if errors.Is(err, ws.ErrMalformedFrame) {
			_ = conn.Push(ctx, models.ChatEvent{Type: models.EventError, Error: "malformed frame"})
			continue
		}
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.connectionEvent(ctx, info, "ws_error", closeReason)
			}
			return
		}
		h.extendReadDeadline(conn)
		h.dispatch(ctx, conn, info, frame)
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, conn *ws.Conn, info ws.ConnInfo, frame models.ClientEvent) {
	if err := h.validate.Struct(frame); err != nil {
		_ = conn.Push(ctx, models.ChatEvent{Type: models.EventError, ClientRef: frame.ClientRef, Error: "invalid frame"})
		return
	}

	entry := log.WithFields(log.Fields{"conn_id": info.ConnID, "user_id": info.UserID, "type": frame.Type})
	switch frame.Type {
	case models.EventSendMessage:
		env, err := h.sender.Send(ctx, info.UserID, frame.RecipientID, frame.Body)
		if err != nil {
			if statusFor(err) == http.StatusInternalServerError {
				entry.WithError(err).Error("send message failed")
			}
			_ = conn.Push(ctx, models.ChatEvent{Type: models.EventError, ClientRef: frame.ClientRef, Error: publicError(err)})
			return
		}
		msg := env.Message
		_ = conn.Push(ctx, models.ChatEvent{
			Type:        models.EventMessageAccepted,
			Message:     &msg,
			MessageID:   msg.ID,
			RecipientID: msg.RecipientID,
			State:       env.Record.State,
			ClientRef:   frame.ClientRef,
		})

	case models.EventMessageDelivered:
		if _, err := h.router.AcknowledgeDelivered(ctx, frame.MessageID, info.UserID); err != nil {
			entry.WithField("message_id", frame.MessageID).WithError(err).Warn("delivered ack dropped")
		}

	case models.EventMessageRead:
		if _, err := h.router.AcknowledgeRead(ctx, frame.MessageID, info.UserID); err != nil {
			entry.WithField("message_id", frame.MessageID).WithError(err).Warn("read ack dropped")
		}

	case models.EventPing:
		_ = conn.Push(ctx, models.ChatEvent{Type: models.EventPong, ClientRef: frame.ClientRef})

	default:
		_ = conn.Push(ctx, models.ChatEvent{Type: models.EventError, ClientRef: frame.ClientRef, Error: "unknown frame type"})
	}
}

func (h *WebSocketHandler) heartbeat(ctx context.Context, conn *ws.Conn) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}

// extendReadDeadline allows two missed heartbeats before the read fails.
func (h *WebSocketHandler) extendReadDeadline(conn *ws.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * h.cfg.HeartbeatInterval))
}

func (h *WebSocketHandler) connectionEvent(ctx context.Context, info ws.ConnInfo, name, reason string) {
	observability.IncWSEvent(name)
	h.events.Connection(ctx, observability.ConnectionEvent{
		Name:      name,
		ConnID:    info.ConnID,
		UserID:    info.UserID,
		DeviceID:  info.DeviceID,
		IP:        info.IP,
		Duration:  time.Since(info.ConnectedAt),
		Reason:    reason,
		RequestID: info.RequestID,
		TraceID:   info.TraceID,
	})
}
