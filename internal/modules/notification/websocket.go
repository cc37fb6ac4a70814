package notification

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"rentcore/internal/pkg/jwt"
	"rentcore/internal/pkg/response"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PushEvent is the frame sent to a connected user.
type PushEvent struct {
	Type         string      `json:"type"`
	Notification interface{} `json:"notification,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}

type WSHandler struct {
	hub        *Hub
	jwtService *jwt.Service
	log        logrus.FieldLogger
}

func NewWSHandler(hub *Hub, jwtService *jwt.Service, log logrus.FieldLogger) *WSHandler {
	return &WSHandler{hub: hub, jwtService: jwtService, log: log}
}

func (h *WSHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades GET /ws?token=JWT. Browsers cannot set headers on
// websocket requests, so the token travels in the query string.
func (h *WSHandler) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, http.StatusUnauthorized, "AUTH_TOKEN_MISSING", "Token is required")
		return
	}
	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		response.Error(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
		return
	}
	userID := claims.UserID

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	cl := h.hub.Register(userID, conn)
	log := h.log.WithField("user_id", userID)
	log.Debug("websocket connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		h.hub.Unregister(userID, cl)
		log.Debug("websocket disconnected")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go pingLoop(cl, done)
	readLoop(conn, log)
}

func pingLoop(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames; the channel is push only.
func readLoop(conn *websocket.Conn, log logrus.FieldLogger) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("websocket closed unexpectedly")
			}
			return
		}
	}
}
