package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"strangertalk/backend/internal/chathub"
	"strangertalk/backend/internal/models"
)

func (h *Handler) upgrader() websocket.Upgrader {
	origin := h.Cfg.CORSOrigin
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if origin == "*" {
				return true
			}
			return r.Header.Get("Origin") == origin
		},
	}
}

// ServeWebSocket upgrades the connection, assigns it an identity, wires a
// session controller into the hub and starts the pumps. The ICE-server
// configuration goes out once here, not per pairing.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	// A token from /anonid keeps the id stable across reconnects;
	// otherwise the connection gets a fresh one.
	userID := ""
	if token := c.Query("token"); token != "" {
		id, err := h.parseAnonToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID = id
	}
	if userID == "" {
		userID = uuid.NewString()
	}

	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(userID, conn, h.Hub, h.Log)
	session := chathub.NewSessionController(userID, client, h.Hub, h.Matcher, h.Log)
	client.Bind(session)

	if err := h.Hub.Register(session); err != nil {
		conn.Close()
		return
	}

	client.Send(models.NewSignalMessage(models.EventICEServers, h.Cfg.ICEServers))
	client.Run()
}
