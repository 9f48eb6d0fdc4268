// Package agentws serves agents that speak plain websocket JSON frames
// instead of socket.io.
package agentws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kiliankoe/moltpit/internal/apperr"
	"github.com/kiliankoe/moltpit/internal/provider"
	"github.com/kiliankoe/moltpit/internal/rules"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxFrame   = 64 << 10
)

// Frame is one JSON message in either direction.
type Frame struct {
	Type      string     `json:"type"`
	Token     string     `json:"token,omitempty"`
	Move      rules.Move `json:"move,omitempty"`
	TrashTalk string     `json:"trashTalk,omitempty"`

	Request *provider.Notification `json:"request,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
}

type Handler struct {
	bridge   *provider.Bridge
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(bridge *provider.Bridge, log zerolog.Logger) *Handler {
	return &Handler{
		bridge: bridge,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) Mount(r gin.IRoutes) {
	r.GET("/agent/ws", h.serve)
}

// conn serialises writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *conn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *conn) Notify(_ context.Context, n provider.Notification) error {
	return c.write(Frame{Type: "move_request", Token: n.Token, Request: &n})
}

func (h *Handler) serve(c *gin.Context) {
	participantID := c.Query("participant")
	if participantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participant query parameter is required"})
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("participant", participantID).Msg("websocket upgrade failed")
		return
	}
	cn := &conn{ws: ws}
	log := h.log.With().Str("participant", participantID).Logger()

	h.bridge.Bind(participantID, cn)
	log.Info().Msg("agent websocket connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		h.bridge.Release(cn)
		_ = ws.Close()
		log.Info().Msg("agent websocket closed")
	}()
	go h.keepalive(cn, done)

	ws.SetReadLimit(maxFrame)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("agent websocket read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if err := cn.write(h.handle(participantID, data)); err != nil {
			log.Warn().Err(err).Msg("agent websocket write failed")
			return
		}
	}
}

func (h *Handler) handle(participantID string, data []byte) Frame {
	var in Frame
	if err := json.Unmarshal(data, &in); err != nil {
		return Frame{Type: "error", Code: "bad_request", Message: "invalid JSON frame"}
	}
	switch in.Type {
	case "ping":
		return Frame{Type: "pong"}
	case "move":
		reply := provider.Reply{Move: in.Move, TrashTalk: in.TrashTalk}
		if err := h.bridge.Resolve(participantID, in.Token, reply); err != nil {
			code := string(apperr.CodeOf(err))
			if code == "" {
				code = "internal"
			}
			return Frame{Type: "error", Token: in.Token, Code: code, Message: err.Error()}
		}
		return Frame{Type: "ack", Token: in.Token}
	default:
		return Frame{Type: "error", Code: "bad_request", Message: "unknown frame type " + in.Type}
	}
}

func (h *Handler) keepalive(c *conn, done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
