package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"dm-service/internal/models"
	"dm-service/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// ChatWebSocketHandler streams chat events to a browser. With partner_id the
// socket follows one conversation; without it the socket feeds the inbox.
type ChatWebSocketHandler struct {
	hub  *Hub
	auth TokenValidator
	log  zerolog.Logger
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler.
func NewChatWebSocketHandler(hub *Hub, auth TokenValidator, log zerolog.Logger) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{hub: hub, auth: auth, log: log.With().Str("component", "ws").Logger()}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades the connection and subscribes it.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("dm-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		token = c.Query("token")
	}
	userID, err := h.auth.ValidateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	partnerID := c.Query("partner_id")
	if partnerID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open a conversation with yourself"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		PartnerID:   partnerID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	// detach from the request so the pumps outlive the handler
	connCtx := context.WithoutCancel(ctx)

	client := newClient(conn, info, h.log)
	unsubscribe := h.hub.Subscribe(Filter{SelfID: userID, CounterpartID: partnerID}, client.enqueue)

	observability.IncWSActive(info.kind())
	publishWSEvent(connCtx, info, "ws_connect", "")
	h.log.Debug().Str("conn_id", info.ConnID).Str("user_id", userID).Str("partner_id", partnerID).Msg("websocket connected")

	go client.writePump()
	go func() {
		reason := client.readPump()
		unsubscribe()
		client.shutdown()
		observability.DecWSActive(info.kind())
		if reason.abnormal {
			publishWSEvent(connCtx, info, "ws_error", reason.text)
		}
		publishWSEvent(connCtx, info, "ws_disconnect", reason.text)
	}()
}

type client struct {
	conn *websocket.Conn
	info ConnInfo
	log  zerolog.Logger

	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
}

func newClient(conn *websocket.Conn, info ConnInfo, log zerolog.Logger) *client {
	return &client{
		conn: conn,
		info: info,
		log:  log,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue runs on the publisher's goroutine; it never blocks. A client that
// cannot keep up is disconnected and must refetch on reconnect.
func (c *client) enqueue(event models.ChatEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.log.Error().Err(err).Msg("encode chat event")
		return
	}
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.log.Warn().Str("conn_id", c.info.ConnID).Msg("websocket send buffer full, dropping client")
		observability.IncWSEvent(c.info.kind(), "ws_slow_consumer")
		c.shutdown()
	}
}

func (c *client) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

type closeReason struct {
	text     string
	abnormal bool
}

// readPump discards inbound frames and returns when the peer goes away.
func (c *client) readPump() closeReason {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return closeReason{
				text:     err.Error(),
				abnormal: !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
			}
		}
	}
}
